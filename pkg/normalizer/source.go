package normalizer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/fhir"
	"github.com/mist-health/mdf-pipeline/pkg/hl7"
)

const (
	maxSamplesPerColumn = 20
	reasonColumnCount   = "column count mismatch"
)

// unit is one record unit: a tabular row, an HL7 message or one patient's
// FHIR resources. err is set when the unit failed to parse.
type unit struct {
	row     map[string]string
	columns []string
	message *hl7.Message
	group   *fhir.PatientGroup
	err     error
}

// Source is an input parsed into record units.
type Source struct {
	Format models.FormatKind
	// Columns are the tabular column names (CSV headers, flattened JSON
	// paths) in first-appearance order.
	Columns []string
	// SourceTypes are the HL7 segment names or FHIR resource types present.
	SourceTypes []string

	units []unit
}

// Total is the number of record units, including ones that failed to parse.
func (s *Source) Total() int {
	return len(s.units)
}

// Samples returns up to maxSamplesPerColumn non-empty values per column.
func (s *Source) Samples() map[string][]string {
	out := make(map[string][]string, len(s.Columns))
	for _, u := range s.units {
		if u.row == nil {
			continue
		}
		for col, v := range u.row {
			if v == "" || len(out[col]) >= maxSamplesPerColumn {
				continue
			}
			out[col] = append(out[col], v)
		}
	}
	return out
}

// Load parses data according to a detection result.
func Load(det detect.Detection, data []byte) (*Source, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	switch det.Kind {
	case models.FormatCSV:
		return loadCSV(data, det.Delimiter)
	case models.FormatJSON:
		return loadJSON(data, det.NDJSON)
	case models.FormatHL7:
		return loadHL7(data)
	case models.FormatFHIR:
		return loadFHIR(data)
	}
	return nil, fmt.Errorf("%w: %q", detect.ErrUnsupportedFormat, det.Kind)
}

func loadCSV(data []byte, delim rune) (*Source, error) {
	if delim == 0 {
		delim = ','
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make([]string, len(header))
	seen := make(map[string]int)
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		base := name
		if n := seen[base]; n > 0 {
			name = base + "_" + strconv.Itoa(n+1)
		}
		seen[base]++
		columns[i] = name
	}

	src := &Source{Format: models.FormatCSV, Columns: columns}
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				src.units = append(src.units, unit{err: malformed(reasonColumnCount, "line %d: %v", line, err)})
				continue
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if isBlankRow(rec) {
			continue
		}
		if len(rec) > len(columns) {
			src.units = append(src.units, unit{err: malformed(reasonColumnCount, "line %d has %d fields, header has %d", line, len(rec), len(columns))})
			continue
		}
		row := make(map[string]string, len(columns))
		for i, v := range rec {
			row[columns[i]] = strings.TrimSpace(v)
		}
		src.units = append(src.units, unit{row: row, columns: columns})
	}
	return src, nil
}

func isBlankRow(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func loadJSON(data []byte, ndjson bool) (*Source, error) {
	var items []interface{}
	if ndjson {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var v interface{}
			if err := json.Unmarshal(line, &v); err != nil {
				items = append(items, err)
				continue
			}
			items = append(items, v)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read ndjson: %w", err)
		}
	} else {
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		items = recordItems(doc)
	}

	src := &Source{Format: models.FormatJSON}
	index := make(map[string]bool)
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			src.units = append(src.units, unit{err: malformed(ReasonBadJSONRecord, "item %d", i)})
			continue
		}
		row := make(map[string]string)
		flatten("", obj, row)
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !index[k] {
				index[k] = true
				src.Columns = append(src.Columns, k)
			}
		}
		src.units = append(src.units, unit{row: row})
	}
	for i := range src.units {
		if src.units[i].row != nil {
			src.units[i].columns = src.Columns
		}
	}
	return src, nil
}

// recordItems finds the record list in a JSON document: a top-level array,
// an object wrapping a single array of objects, or a lone object.
func recordItems(doc interface{}) []interface{} {
	switch v := doc.(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		var found []interface{}
		arrays := 0
		for _, val := range v {
			if arr, ok := val.([]interface{}); ok && len(arr) > 0 {
				if _, isObj := arr[0].(map[string]interface{}); isObj {
					found = arr
					arrays++
				}
			}
		}
		if arrays == 1 {
			return found
		}
		return []interface{}{v}
	}
	return nil
}

// flatten writes nested objects as dotted paths. Arrays of scalars are
// joined with "; ", arrays of objects are indexed.
func flatten(prefix string, v interface{}, out map[string]string) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch val := v.(type) {
	case map[string]interface{}:
		for k, inner := range val {
			flatten(key(k), inner, out)
		}
	case []interface{}:
		var scalars []string
		for i, item := range val {
			switch item.(type) {
			case map[string]interface{}, []interface{}:
				flatten(key(strconv.Itoa(i)), item, out)
			default:
				if s := scalarString(item); s != "" {
					scalars = append(scalars, s)
				}
			}
		}
		if len(scalars) > 0 {
			out[prefix] = strings.Join(scalars, "; ")
		}
	default:
		out[prefix] = scalarString(val)
	}
}

func scalarString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func loadHL7(data []byte) (*Source, error) {
	raws := hl7.Split(data)
	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: no MSH segment", detect.ErrUnsupportedFormat)
	}
	src := &Source{Format: models.FormatHL7}
	seen := make(map[string]bool)
	for i, raw := range raws {
		msg, err := hl7.Parse(raw)
		if err != nil {
			src.units = append(src.units, unit{err: malformed(ReasonBadMessage, "message %d: %v", i+1, err)})
			continue
		}
		for _, name := range msg.SegmentNames() {
			if !seen[name] {
				seen[name] = true
				src.SourceTypes = append(src.SourceTypes, name)
			}
		}
		src.units = append(src.units, unit{message: msg})
	}
	return src, nil
}

func loadFHIR(data []byte) (*Source, error) {
	resources, err := fhir.Extract(data)
	if err != nil {
		return nil, err
	}
	src := &Source{Format: models.FormatFHIR, SourceTypes: fhir.Types(resources)}
	groups, orphans := fhir.GroupByPatient(resources)
	switch {
	case len(groups) == 0 && len(orphans) > 0:
		groups = []fhir.PatientGroup{{Resources: orphans}}
	case len(groups) == 1:
		groups[0].Resources = append(groups[0].Resources, orphans...)
	default:
		for _, o := range orphans {
			src.units = append(src.units, unit{err: malformed(ReasonNoPatient, "%s %s", o.Type(), o.ID())})
		}
	}
	for i := range groups {
		src.units = append(src.units, unit{group: &groups[i]})
	}
	return src, nil
}

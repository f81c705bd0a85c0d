// Package detect classifies raw upload bytes into one of the supported input
// formats.
package detect

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/hl7"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

const (
	DefaultMinConfidence = 0.6
	sniffLines           = 50
	extensionBonus       = 0.1
)

var csvDelimiters = []rune{',', ';', '\t', '|'}

// Detection is the outcome of classifying one input.
type Detection struct {
	Kind       models.FormatKind
	Confidence float64
	Reason     string
	// Delimiter is set for CSV input.
	Delimiter rune
	// NDJSON is set when JSON/FHIR input is newline-delimited.
	NDJSON bool
}

type Detector struct {
	MinConfidence float64
}

func New(minConfidence float64) *Detector {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Detector{MinConfidence: minConfidence}
}

// Detect inspects the payload and returns its format. Inputs that cannot be
// classified with at least MinConfidence yield ErrUnsupportedFormat.
func (d *Detector) Detect(in models.RawInput) (Detection, error) {
	data := bytes.TrimPrefix(in.Data, []byte("\xef\xbb\xbf"))
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Detection{}, fmt.Errorf("%w: empty payload", ErrUnsupportedFormat)
	}

	if hl7.HasHeader(data) {
		return Detection{Kind: models.FormatHL7, Confidence: 1.0, Reason: "MSH segment header"}, nil
	}

	ext := in.Extension()
	if data[0] == '{' || data[0] == '[' {
		if det, ok := detectJSON(data); ok {
			if ext == "json" || ext == "ndjson" {
				det.Confidence = clamp(det.Confidence + extensionBonus)
			}
			return det, nil
		}
	}

	preferred := ','
	if ext == "tsv" {
		preferred = '\t'
	}
	det, ok := detectCSV(data, preferred)
	if ok && (ext == "csv" || ext == "tsv" || ext == "txt") {
		det.Confidence = clamp(det.Confidence + extensionBonus)
		det.Reason += ", extension ." + ext
	}
	if !ok || det.Confidence < d.MinConfidence {
		reason := "no recognisable structure"
		if ok {
			reason = fmt.Sprintf("csv confidence %.2f below %.2f", det.Confidence, d.MinConfidence)
		}
		return Detection{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, reason)
	}
	return det, nil
}

func detectJSON(data []byte) (Detection, bool) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err == nil {
		if hasResourceType(doc) {
			return Detection{Kind: models.FormatFHIR, Confidence: 1.0, Reason: "resourceType present"}, true
		}
		switch doc.(type) {
		case map[string]interface{}, []interface{}:
			return Detection{Kind: models.FormatJSON, Confidence: 0.9, Reason: "well-formed JSON"}, true
		}
		return Detection{}, false
	}

	// NDJSON: every non-blank line must be a JSON object.
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var (
		lines int
		fhir  bool
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(line, &obj); err != nil {
			return Detection{}, false
		}
		if hasResourceType(obj) {
			fhir = true
		}
		lines++
	}
	if scanner.Err() != nil || lines == 0 {
		return Detection{}, false
	}
	if fhir {
		return Detection{Kind: models.FormatFHIR, Confidence: 1.0, Reason: "NDJSON with resourceType", NDJSON: true}, true
	}
	return Detection{Kind: models.FormatJSON, Confidence: 0.9, Reason: "NDJSON objects", NDJSON: true}, true
}

func hasResourceType(doc interface{}) bool {
	switch v := doc.(type) {
	case map[string]interface{}:
		rt, ok := v["resourceType"].(string)
		return ok && rt != ""
	case []interface{}:
		for _, item := range v {
			if hasResourceType(item) {
				return true
			}
		}
	}
	return false
}

// detectCSV sniffs the delimiter over the first lines and scores the
// fraction of rows whose column count matches the header. Ties go to the
// preferred delimiter.
func detectCSV(data []byte, preferred rune) (Detection, bool) {
	sample := headLines(data, sniffLines)
	var best Detection
	found := false
	for _, delim := range csvDelimiters {
		score, cols := csvConsistency(sample, delim)
		if cols < 2 {
			continue
		}
		if !found || score > best.Confidence || (score == best.Confidence && delim == preferred) {
			best = Detection{
				Kind:       models.FormatCSV,
				Confidence: score,
				Delimiter:  delim,
				Reason:     fmt.Sprintf("%d columns, delimiter %q", cols, delim),
			}
			found = true
		}
	}
	return best, found
}

func csvConsistency(sample string, delim rune) (float64, int) {
	r := csv.NewReader(strings.NewReader(sample))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil || len(header) < 2 {
		return 0, 0
	}
	var total, matching int
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, len(header)
		}
		total++
		if len(row) == len(header) {
			matching++
		}
	}
	if total == 0 {
		// A lone header is weak evidence.
		return 0.5, len(header)
	}
	return float64(matching) / float64(total), len(header)
}

func headLines(data []byte, n int) string {
	end := 0
	for i := 0; i < n; i++ {
		idx := bytes.IndexByte(data[end:], '\n')
		if idx < 0 {
			return string(data)
		}
		end += idx + 1
	}
	return string(data[:end])
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

package normalizer

import (
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

// Transformer turns parsed record units into MDF records using a field
// mapping and the terminology catalog.
type Transformer struct {
	catalog terminology.Catalog
	mapped  map[string]models.MappingEntry
}

func NewTransformer(cat terminology.Catalog, fm models.FieldMapping) *Transformer {
	return &Transformer{catalog: cat, mapped: fm.Mapped()}
}

// Transform converts one unit. A returned *rowError means the unit is
// malformed and should be dropped.
func (t *Transformer) Transform(u unit) (*models.Record, error) {
	if u.err != nil {
		return nil, u.err
	}
	var (
		rec *models.Record
		err error
	)
	switch {
	case u.row != nil:
		rec, err = t.fromRow(u.row, u.columns)
	case u.message != nil:
		rec, err = t.fromHL7(u.message)
	case u.group != nil:
		rec, err = t.fromFHIR(u.group)
	default:
		return nil, malformed(ReasonEmpty, "empty unit")
	}
	if err != nil {
		return nil, err
	}
	if len(rec.Coverage) == 0 {
		return nil, malformed(ReasonEmpty, "")
	}
	return rec, nil
}

// covers reports whether a structural source type (segment or resource) is
// mapped.
func (t *Transformer) covers(sourceType string) bool {
	_, ok := t.mapped[sourceType]
	return ok
}

// observation is one measurement before it is classified as a vital sign or
// a lab result.
type observation struct {
	Name      string
	Code      string
	System    terminology.System
	Value     string
	ValueType string // HL7 OBX-2 or FHIR value[x] kind; "" means infer
	Unit      string
	Range     string
	Status    string
	Timestamp string
	Source    string
	// Components carries pre-split panel values (FHIR BP components).
	Components []float64
}

func (o observation) empty() bool {
	return o.Name == "" && o.Code == "" && o.Value == "" && len(o.Components) == 0
}

// addObservation classifies o through the catalog and appends it to the
// record as a vital or a lab result.
func (t *Transformer) addObservation(rec *models.Record, o observation) error {
	if o.empty() {
		return nil
	}
	if o.Code != "" && (o.System == "" || o.System == terminology.SystemLOINC) {
		if err := validateCode(terminology.SystemLOINC, "code", o.Code); err != nil {
			return err
		}
	}
	ts, _, err := normalizeTimestamp("timestamp", o.Timestamp)
	if err != nil {
		return err
	}
	unit := terminology.StandardizeUnit(o.Unit)

	if kind, ok := t.catalog.VitalKind(o.Name, o.Code); ok {
		v := models.Vital{Timestamp: ts, VitalType: kind, Unit: unit, Source: o.Source}
		switch {
		case len(o.Components) > 0:
			v.Value = o.Components[0]
			v.Components = o.Components
		case kind == "blood_pressure":
			v.Value, v.Components, err = parseBloodPressure(o.Name, o.Value)
		default:
			v.Value, err = parseNumber(o.Name, o.Value)
		}
		if err != nil {
			return err
		}
		if !t.catalog.Plausible(kind, v.Value) {
			return malformed(ReasonOutOfRange, "%s=%v", kind, v.Value)
		}
		if v.Unit == "" {
			v.Unit = t.catalog.Concepts[kind].Unit
		}
		rec.Vitals = append(rec.Vitals, v)
		return nil
	}

	lab := models.LabResult{
		Timestamp:      ts,
		TestName:       o.Name,
		TestCode:       o.Code,
		Unit:           unit,
		ReferenceRange: o.Range,
		Status:         o.Status,
	}
	if key, concept, ok := t.catalog.Classify(o.Name, o.Code); ok {
		if lab.TestCode == "" {
			lab.TestCode = concept.LOINC
		}
		if lab.TestName == "" {
			lab.TestName = concept.Display
		}
		if lab.Unit == "" {
			lab.Unit = concept.Unit
		}
		if o.Value != "" {
			v, err := parseNumber(o.Name, o.Value)
			if err == nil && !t.catalog.Plausible(key, v) {
				return malformed(ReasonOutOfRange, "%s=%v", key, v)
			}
		}
	}
	if o.Value != "" {
		numeric := o.ValueType == "" || o.ValueType == "NM" || o.ValueType == "Quantity"
		v, err := parseNumber(o.Name, o.Value)
		switch {
		case err == nil:
			lab.Value = &v
		case numeric && o.ValueType != "":
			return err
		default:
			lab.ValueText = o.Value
		}
	}
	rec.LabResults = append(rec.LabResults, lab)
	return nil
}

// addWideVital handles a column mapped directly to vitals.<kind>.
func (t *Transformer) addWideVital(rec *models.Record, col, kind, raw string) error {
	concept := t.catalog.Concepts[kind]
	v := models.Vital{VitalType: kind, Unit: concept.Unit, Source: col}
	var err error
	if kind == "blood_pressure" {
		v.Value, v.Components, err = parseBloodPressure(col, raw)
	} else {
		v.Value, err = parseNumber(col, raw)
	}
	if err != nil {
		return err
	}
	if !t.catalog.Plausible(kind, v.Value) {
		return malformed(ReasonOutOfRange, "%s=%v", col, v.Value)
	}
	rec.Vitals = append(rec.Vitals, v)
	return nil
}

// addWideLab handles a column mapped directly to lab_results.<concept>.
func (t *Transformer) addWideLab(rec *models.Record, col, key, raw string) error {
	concept := t.catalog.Concepts[key]
	v, err := parseNumber(col, raw)
	if err != nil {
		return err
	}
	if !t.catalog.Plausible(key, v) {
		return malformed(ReasonOutOfRange, "%s=%v", col, v)
	}
	rec.LabResults = append(rec.LabResults, models.LabResult{
		TestName: concept.Display,
		TestCode: concept.LOINC,
		Value:    &v,
		Unit:     concept.Unit,
	})
	return nil
}

func sectionKey(target string) (string, string) {
	if i := strings.IndexByte(target, '.'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

// fillTimestamps applies a unit-level timestamp to entries without their own.
func fillTimestamps(rec *models.Record, ts string) {
	if ts == "" {
		return
	}
	for i := range rec.Vitals {
		if rec.Vitals[i].Timestamp == "" {
			rec.Vitals[i].Timestamp = ts
		}
	}
	for i := range rec.LabResults {
		if rec.LabResults[i].Timestamp == "" {
			rec.LabResults[i].Timestamp = ts
		}
	}
}

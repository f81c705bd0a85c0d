package models

import (
	"path/filepath"
	"strings"
	"time"
)

// MDFVersion is stamped on every exported MDF document.
const MDFVersion = "1.0"

type FormatKind string

const (
	FormatCSV  FormatKind = "csv"
	FormatJSON FormatKind = "json"
	FormatHL7  FormatKind = "hl7"
	FormatFHIR FormatKind = "fhir"
)

// Structural reports whether the format carries its own schema (HL7 segments,
// FHIR resource types) rather than free-form columns.
func (k FormatKind) Structural() bool {
	return k == FormatHL7 || k == FormatFHIR
}

func ParseFormatKind(s string) (FormatKind, bool) {
	switch FormatKind(strings.ToLower(strings.TrimSpace(s))) {
	case FormatCSV:
		return FormatCSV, true
	case FormatJSON:
		return FormatJSON, true
	case FormatHL7:
		return FormatHL7, true
	case FormatFHIR:
		return FormatFHIR, true
	}
	return "", false
}

// RawInput is an uploaded payload as handed to the pipeline.
type RawInput struct {
	Filename string `json:"filename"`
	Data     []byte `json:"-"`
}

func (r RawInput) Extension() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(r.Filename)), ".")
}

// Record is one canonical MDF patient record.
type Record struct {
	PatientID    string       `json:"patient_id"`
	Demographics Demographics `json:"demographics"`
	Vitals       []Vital      `json:"vitals"`
	LabResults   []LabResult  `json:"lab_results"`
	Medications  []Medication `json:"medications"`
	Diagnoses    []Diagnosis  `json:"diagnoses"`
	Procedures   []Procedure  `json:"procedures"`
	Notes        []string     `json:"notes,omitempty"`

	// Identity holds source identifiers until de-identification consumes it.
	Identity *Identity `json:"-"`
	// Coverage lists the mapping sources (columns, segments, resource types)
	// that populated this record.
	Coverage []string `json:"-"`
}

type Demographics struct {
	AgeRange      string `json:"age_range,omitempty"`
	Gender        string `json:"gender,omitempty"`
	ZipCodePrefix string `json:"zip_code_prefix,omitempty"`
	State         string `json:"state,omitempty"`
	Ethnicity     string `json:"ethnicity,omitempty"`
	Language      string `json:"language,omitempty"`
}

type Vital struct {
	Timestamp  string    `json:"timestamp,omitempty"`
	VitalType  string    `json:"vital_type"`
	Value      float64   `json:"value"`
	Components []float64 `json:"components,omitempty"`
	Unit       string    `json:"unit,omitempty"`
	Source     string    `json:"source,omitempty"`
}

type LabResult struct {
	Timestamp      string   `json:"timestamp,omitempty"`
	TestName       string   `json:"test_name,omitempty"`
	TestCode       string   `json:"test_code,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	ValueText      string   `json:"value_text,omitempty"`
	Unit           string   `json:"unit,omitempty"`
	ReferenceRange string   `json:"reference_range,omitempty"`
	Status         string   `json:"status,omitempty"`
}

type Medication struct {
	MedicationName string `json:"medication_name,omitempty"`
	MedicationCode string `json:"medication_code,omitempty"`
	Dosage         string `json:"dosage,omitempty"`
	Frequency      string `json:"frequency,omitempty"`
	StartDate      string `json:"start_date,omitempty"`
	EndDate        string `json:"end_date,omitempty"`
}

type Diagnosis struct {
	DiagnosisCode string `json:"diagnosis_code,omitempty"`
	DiagnosisName string `json:"diagnosis_name,omitempty"`
	DiagnosisDate string `json:"diagnosis_date,omitempty"`
	Status        string `json:"status,omitempty"`
	Severity      string `json:"severity,omitempty"`
}

type Procedure struct {
	ProcedureCode string `json:"procedure_code,omitempty"`
	ProcedureName string `json:"procedure_name,omitempty"`
	ProcedureDate string `json:"procedure_date,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Location      string `json:"location,omitempty"`
}

// Identity carries the identifying values extracted from a source row. It is
// never serialised and is cleared by the de-identifier.
type Identity struct {
	SourceID   string
	Name       string
	BirthDate  *time.Time
	Age        *int
	PostalCode string
	Address    string
	Phone      string
	Email      string
	SSN        string
	MRN        string
	// Tagged holds the remaining Safe Harbor categories keyed by category
	// (device_id, ip_address, url, ...).
	Tagged map[string]string
}

// ContactNameTag is the Tagged key for a guardian, next of kin or other
// named contact of the patient.
const ContactNameTag = "contact_name"

// NameTokens returns the individual words of the source name and of any
// tagged contact name, used to scrub free text that repeats them.
func (i *Identity) NameTokens() []string {
	if i == nil {
		return nil
	}
	names := strings.TrimSpace(i.Name + " " + i.Tagged[ContactNameTag])
	if names == "" {
		return nil
	}
	fields := strings.FieldsFunc(names, func(r rune) bool {
		return r == ' ' || r == '^' || r == ',' || r == '.' || r == ';'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// Categories returns the clinical sections that carry at least one entry.
func (r *Record) Categories() []string {
	var out []string
	if len(r.Vitals) > 0 {
		out = append(out, "vitals")
	}
	if len(r.LabResults) > 0 {
		out = append(out, "lab_results")
	}
	if len(r.Medications) > 0 {
		out = append(out, "medications")
	}
	if len(r.Diagnoses) > 0 {
		out = append(out, "diagnoses")
	}
	if len(r.Procedures) > 0 {
		out = append(out, "procedures")
	}
	if r.Demographics != (Demographics{}) {
		out = append(out, "demographics")
	}
	return out
}

// EventYears returns every year-valued clinical timestamp on the record.
func (r *Record) EventYears() []string {
	var out []string
	add := func(s string) {
		if s != "" {
			out = append(out, s)
		}
	}
	for _, v := range r.Vitals {
		add(v.Timestamp)
	}
	for _, l := range r.LabResults {
		add(l.Timestamp)
	}
	for _, m := range r.Medications {
		add(m.StartDate)
		add(m.EndDate)
	}
	for _, d := range r.Diagnoses {
		add(d.DiagnosisDate)
	}
	for _, p := range r.Procedures {
		add(p.ProcedureDate)
	}
	return out
}

// Document is the MDF wire document returned once a dataset is normalized.
type Document struct {
	Version     string          `json:"version"`
	GeneratedAt time.Time       `json:"generated_at"`
	DatasetID   string          `json:"dataset_id"`
	Metadata    DatasetMetadata `json:"metadata"`
	Records     []Record        `json:"records"`
}

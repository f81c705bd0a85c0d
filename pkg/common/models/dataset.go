package models

import "time"

type DatasetStatus string

const (
	StatusUploaded   DatasetStatus = "uploaded"
	StatusProcessing DatasetStatus = "processing"
	StatusNormalized DatasetStatus = "normalized"
	StatusFailed     DatasetStatus = "failed"
)

func (s DatasetStatus) Terminal() bool {
	return s == StatusNormalized || s == StatusFailed
}

// DatasetMetadata is the externally visible state of one dataset.
type DatasetMetadata struct {
	ID                string        `json:"id"`
	Filename          string        `json:"filename,omitempty"`
	Format            FormatKind    `json:"format,omitempty"`
	Status            DatasetStatus `json:"status"`
	Reason            string        `json:"reason,omitempty"`
	TotalRecords      int           `json:"total_records"`
	NormalizedRecords int           `json:"normalized_records"`
	ConfidenceScore   float64       `json:"confidence_score"`
	FieldMappings     FieldMapping  `json:"field_mappings"`
	Warnings          []string      `json:"warnings"`
	DataCategories    []string      `json:"data_categories,omitempty"`
	DateRangeStart    string        `json:"date_range_start_year,omitempty"`
	DateRangeEnd      string        `json:"date_range_end_year,omitempty"`
	RecordSetID       string        `json:"record_set_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// MappingMethod records how a field mapping was decided.
type MappingMethod string

const (
	MethodExact      MappingMethod = "exact"
	MethodSynonym    MappingMethod = "synonym"
	MethodFuzzy      MappingMethod = "fuzzy"
	MethodPattern    MappingMethod = "pattern"
	MethodStructural MappingMethod = "structural"
	MethodUnmapped   MappingMethod = "unmapped"
)

// MappingEntry maps one source field (column, JSON path, HL7 segment or FHIR
// resource type) to a canonical MDF field.
type MappingEntry struct {
	Source         string        `json:"source_field"`
	Target         string        `json:"target_field,omitempty"`
	Confidence     float64       `json:"confidence"`
	Method         MappingMethod `json:"method"`
	DataType       string        `json:"data_type,omitempty"`
	Transformation string        `json:"transformation,omitempty"`
	SampleValues   []string      `json:"sample_values,omitempty"`
}

func (e MappingEntry) Mapped() bool {
	return e.Target != "" && e.Method != MethodUnmapped
}

// FieldMapping is the scored mapping table for one dataset.
type FieldMapping struct {
	Format  FormatKind     `json:"format"`
	Entries []MappingEntry `json:"entries"`
}

func (m FieldMapping) Lookup(source string) (MappingEntry, bool) {
	for _, e := range m.Entries {
		if e.Source == source {
			return e, true
		}
	}
	return MappingEntry{}, false
}

// Mapped returns source -> entry for mapped entries only.
func (m FieldMapping) Mapped() map[string]MappingEntry {
	out := make(map[string]MappingEntry, len(m.Entries))
	for _, e := range m.Entries {
		if e.Mapped() {
			out[e.Source] = e
		}
	}
	return out
}

// JobHandle identifies a submitted job; it is the dataset id.
type JobHandle struct {
	DatasetID string `json:"dataset_id"`
}

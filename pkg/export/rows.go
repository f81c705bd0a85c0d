// Package export renders MDF documents as JSON, CSV, Parquet or a FHIR Bundle.
package export

import (
	"strconv"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

// Row is one clinical event in long form. Records with no events still
// produce a single demographics row.
type Row struct {
	PatientID     string   `parquet:"patient_id" json:"patient_id"`
	AgeRange      string   `parquet:"age_range,optional" json:"age_range"`
	Gender        string   `parquet:"gender,optional" json:"gender"`
	ZipCodePrefix string   `parquet:"zip_code_prefix,optional" json:"zip_code_prefix"`
	State         string   `parquet:"state,optional" json:"state"`
	Category      string   `parquet:"category" json:"category"`
	Name          string   `parquet:"name,optional" json:"name"`
	Code          string   `parquet:"code,optional" json:"code"`
	Value         *float64 `parquet:"value,optional" json:"value"`
	ValueText     string   `parquet:"value_text,optional" json:"value_text"`
	Unit          string   `parquet:"unit,optional" json:"unit"`
	Year          string   `parquet:"year,optional" json:"year"`
	Status        string   `parquet:"status,optional" json:"status"`
}

var csvHeader = []string{
	"patient_id", "age_range", "gender", "zip_code_prefix", "state",
	"category", "name", "code", "value", "value_text", "unit", "year", "status",
}

func (r Row) strings() []string {
	value := ""
	if r.Value != nil {
		value = strconv.FormatFloat(*r.Value, 'f', -1, 64)
	}
	return []string{
		r.PatientID, r.AgeRange, r.Gender, r.ZipCodePrefix, r.State,
		r.Category, r.Name, r.Code, value, r.ValueText, r.Unit, r.Year, r.Status,
	}
}

// Rows flattens records into event rows, preserving record order.
func Rows(records []models.Record) []Row {
	var out []Row
	for i := range records {
		rec := &records[i]
		base := Row{
			PatientID:     rec.PatientID,
			AgeRange:      rec.Demographics.AgeRange,
			Gender:        rec.Demographics.Gender,
			ZipCodePrefix: rec.Demographics.ZipCodePrefix,
			State:         rec.Demographics.State,
		}
		n := len(out)
		for _, v := range rec.Vitals {
			r := base
			r.Category, r.Name, r.Unit, r.Year = "vitals", v.VitalType, v.Unit, v.Timestamp
			val := v.Value
			r.Value = &val
			if len(v.Components) > 1 {
				r.ValueText = joinFloats(v.Components, "/")
			}
			out = append(out, r)
		}
		for _, l := range rec.LabResults {
			r := base
			r.Category, r.Name, r.Code, r.Unit, r.Year, r.Status = "lab_results", l.TestName, l.TestCode, l.Unit, l.Timestamp, l.Status
			if l.Value != nil {
				val := *l.Value
				r.Value = &val
			}
			r.ValueText = l.ValueText
			out = append(out, r)
		}
		for _, m := range rec.Medications {
			r := base
			r.Category, r.Name, r.Code, r.Year = "medications", m.MedicationName, m.MedicationCode, m.StartDate
			r.ValueText = strings.TrimSpace(m.Dosage + " " + m.Frequency)
			out = append(out, r)
		}
		for _, d := range rec.Diagnoses {
			r := base
			r.Category, r.Name, r.Code, r.Year, r.Status = "diagnoses", d.DiagnosisName, d.DiagnosisCode, d.DiagnosisDate, d.Status
			out = append(out, r)
		}
		for _, p := range rec.Procedures {
			r := base
			r.Category, r.Name, r.Code, r.Year = "procedures", p.ProcedureName, p.ProcedureCode, p.ProcedureDate
			out = append(out, r)
		}
		if len(out) == n {
			r := base
			r.Category = "demographics"
			out = append(out, r)
		}
	}
	return out
}

func joinFloats(vs []float64, sep string) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, sep)
}

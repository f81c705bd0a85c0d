package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

const (
	systemLOINC  = "http://loinc.org"
	systemICD10  = "http://hl7.org/fhir/sid/icd-10-cm"
	systemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	systemCPT    = "http://www.ama-assn.org/go/cpt"
	obsCategory  = "http://terminology.hl7.org/CodeSystem/observation-category"
)

type resource map[string]interface{}

// WriteFHIR renders doc as a FHIR R4 collection Bundle. Each record becomes a
// Patient keyed by its pseudonym plus one resource per clinical event. Dates
// stay at year precision, which FHIR accepts for dateTime values.
func WriteFHIR(w io.Writer, doc *models.Document) error {
	ts := doc.GeneratedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	b := bundleBuilder{datasetID: doc.DatasetID}
	for i := range doc.Records {
		b.record(&doc.Records[i])
	}
	entries := b.entries
	if entries == nil {
		entries = []resource{}
	}
	bundle := resource{
		"resourceType": "Bundle",
		"id":           doc.DatasetID,
		"type":         "collection",
		"timestamp":    ts.Format(time.RFC3339),
		"entry":        entries,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(bundle)
}

type bundleBuilder struct {
	datasetID string
	entries   []resource
}

// stableID derives a resource id from the dataset, the patient and the
// resource position, so re-exports produce the same bundle.
func (b *bundleBuilder) stableID(patientID, kind string, n int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%s/%s/%d", b.datasetID, patientID, kind, n))).String()
}

func (b *bundleBuilder) add(patientID, kind string, n int, r resource) {
	id := b.stableID(patientID, kind, n)
	r["resourceType"] = kind
	r["id"] = id
	b.entries = append(b.entries, resource{"fullUrl": "urn:uuid:" + id, "resource": r})
}

func (b *bundleBuilder) record(rec *models.Record) {
	subject := resource{"reference": "Patient/" + rec.PatientID}
	patient := resource{"id": rec.PatientID}
	if g := fhirGender(rec.Demographics.Gender); g != "" {
		patient["gender"] = g
	}
	if addr := fhirAddress(rec.Demographics); addr != nil {
		patient["address"] = []resource{addr}
	}
	patient["resourceType"] = "Patient"
	b.entries = append(b.entries, resource{"fullUrl": "urn:uuid:" + b.stableID(rec.PatientID, "Patient", 0), "resource": patient})

	n := 0
	if rec.Demographics.AgeRange != "" {
		b.add(rec.PatientID, "Observation", n, resource{
			"status":      "final",
			"code":        resource{"text": "age range"},
			"subject":     subject,
			"valueString": rec.Demographics.AgeRange,
		})
		n++
	}
	for _, v := range rec.Vitals {
		obs := observation("vital-signs", subject, nil, v.VitalType, v.Timestamp)
		obs["valueQuantity"] = quantity(v.Value, v.Unit)
		if len(v.Components) > 1 {
			comps := make([]resource, len(v.Components))
			for i, c := range v.Components {
				comps[i] = resource{"code": resource{"text": fmt.Sprintf("%s component %d", v.VitalType, i+1)}, "valueQuantity": quantity(c, v.Unit)}
			}
			obs["component"] = comps
		}
		b.add(rec.PatientID, "Observation", n, obs)
		n++
	}
	for _, l := range rec.LabResults {
		obs := observation("laboratory", subject, coding(systemLOINC, l.TestCode), l.TestName, l.Timestamp)
		switch {
		case l.Value != nil:
			obs["valueQuantity"] = quantity(*l.Value, l.Unit)
		case l.ValueText != "":
			obs["valueString"] = l.ValueText
		}
		if l.ReferenceRange != "" {
			obs["referenceRange"] = []resource{{"text": l.ReferenceRange}}
		}
		if l.Status != "" {
			obs["interpretation"] = []resource{{"text": l.Status}}
		}
		b.add(rec.PatientID, "Observation", n, obs)
		n++
	}
	for _, m := range rec.Medications {
		ms := resource{
			"status":                    "unknown",
			"subject":                   subject,
			"medicationCodeableConcept": concept(coding(systemRxNorm, m.MedicationCode), m.MedicationName),
		}
		if dose := strings.TrimSpace(m.Dosage + " " + m.Frequency); dose != "" {
			ms["dosage"] = []resource{{"text": dose}}
		}
		if m.StartDate != "" || m.EndDate != "" {
			period := resource{}
			if m.StartDate != "" {
				period["start"] = m.StartDate
			}
			if m.EndDate != "" {
				period["end"] = m.EndDate
			}
			ms["effectivePeriod"] = period
		}
		b.add(rec.PatientID, "MedicationStatement", n, ms)
		n++
	}
	for _, d := range rec.Diagnoses {
		c := resource{"subject": subject, "code": concept(coding(systemICD10, d.DiagnosisCode), d.DiagnosisName)}
		if d.DiagnosisDate != "" {
			c["onsetDateTime"] = d.DiagnosisDate
		}
		if d.Status != "" {
			c["clinicalStatus"] = resource{"text": d.Status}
		}
		if d.Severity != "" {
			c["severity"] = resource{"text": d.Severity}
		}
		b.add(rec.PatientID, "Condition", n, c)
		n++
	}
	for _, p := range rec.Procedures {
		pr := resource{"status": "completed", "subject": subject, "code": concept(coding(systemCPT, p.ProcedureCode), p.ProcedureName)}
		if p.ProcedureDate != "" {
			pr["performedDateTime"] = p.ProcedureDate
		}
		b.add(rec.PatientID, "Procedure", n, pr)
		n++
	}
}

func observation(category string, subject, code resource, text, year string) resource {
	obs := resource{
		"status":   "final",
		"category": []resource{{"coding": []resource{{"system": obsCategory, "code": category}}}},
		"code":     concept(code, text),
		"subject":  subject,
	}
	if year != "" {
		obs["effectiveDateTime"] = year
	}
	return obs
}

func coding(system, code string) resource {
	if code == "" {
		return nil
	}
	return resource{"system": system, "code": code}
}

func concept(c resource, text string) resource {
	out := resource{}
	if c != nil {
		out["coding"] = []resource{c}
	}
	if text != "" {
		out["text"] = text
	}
	return out
}

func quantity(v float64, unit string) resource {
	q := resource{"value": v}
	if unit != "" {
		q["unit"] = unit
	}
	return q
}

func fhirGender(g string) string {
	switch strings.ToLower(g) {
	case "":
		return ""
	case "male", "female", "other", "unknown":
		return strings.ToLower(g)
	}
	return "other"
}

func fhirAddress(d models.Demographics) resource {
	addr := resource{}
	if d.State != "" {
		addr["state"] = d.State
	}
	if d.ZipCodePrefix != "" {
		addr["postalCode"] = d.ZipCodePrefix
	}
	if len(addr) == 0 {
		return nil
	}
	return addr
}

package normalizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/mapping"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

// run detects, maps and normalizes data the way the pipeline does.
func run(t *testing.T, filename, data string) (*Result, models.FieldMapping) {
	t.Helper()
	det, err := detect.New(0).Detect(models.RawInput{Filename: filename, Data: []byte(data)})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	src, err := Load(det, []byte(data))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cat := terminology.DefaultCatalog()
	m := mapping.NewMapper(mapping.Targets(cat), 0)
	var fm models.FieldMapping
	if det.Kind.Structural() {
		fm, _ = m.Structural(det.Kind, src.SourceTypes)
	} else {
		fm, _ = m.Infer(src.Columns, src.Samples())
		fm.Format = det.Kind
	}
	res, err := New(cat, 2).Normalize(context.Background(), NormalizeInput{Source: src, Mapping: fm, DatasetID: "test"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return res, fm
}

func TestNormalizeCSVDobZipSystolic(t *testing.T) {
	res, _ := run(t, "vitals.csv", "dob,zip,systolic_bp\n1990-04-02,94107,120\n")
	if res.Total != 1 || res.Normalized != 1 || res.Dropped != 0 {
		t.Fatalf("unexpected counts %+v", res)
	}
	rec := res.Records[0]
	if rec.Identity.BirthDate == nil || rec.Identity.BirthDate.Year() != 1990 {
		t.Fatalf("expected birth date, got %+v", rec.Identity)
	}
	if rec.Identity.PostalCode != "94107" {
		t.Fatalf("expected postal code, got %q", rec.Identity.PostalCode)
	}
	if len(rec.Vitals) != 1 {
		t.Fatalf("expected one vital, got %+v", rec.Vitals)
	}
	v := rec.Vitals[0]
	if v.VitalType != "blood_pressure" || v.Value != 120 || v.Unit != "mmHg" {
		t.Fatalf("unexpected vital %+v", v)
	}
	if len(rec.Coverage) != 3 {
		t.Fatalf("expected 3 covered columns, got %v", rec.Coverage)
	}
}

func TestNormalizeBloodPressureComponents(t *testing.T) {
	res, _ := run(t, "bp.csv", "patient_id,blood_pressure\np1,120/80\n")
	if res.Normalized != 1 {
		t.Fatalf("expected 1 record, got %+v", res)
	}
	v := res.Records[0].Vitals[0]
	if v.Value != 120 || len(v.Components) != 2 || v.Components[1] != 80 {
		t.Fatalf("unexpected vital %+v", v)
	}
}

func TestNormalizeDropsMalformedRows(t *testing.T) {
	data := "patient_id,heart_rate,visit_date\n" +
		"p1,72,2024-01-05\n" +
		"p2,abc,2024-01-05\n" +
		"p3,900,2024-01-05\n" +
		"p4,70,not a date\n" +
		"p5,71,2024-01-06\n"
	res, _ := run(t, "hr.csv", data)
	if res.Total != 5 || res.Normalized != 2 || res.Dropped != 3 {
		t.Fatalf("unexpected counts total=%d normalized=%d dropped=%d", res.Total, res.Normalized, res.Dropped)
	}
	for _, reason := range []string{ReasonNonNumeric, ReasonOutOfRange, ReasonBadTimestamp} {
		if res.DropReasons[reason] != 1 {
			t.Fatalf("expected one %q drop, got %v", reason, res.DropReasons)
		}
	}
	if len(res.Warnings) != 1 || !strings.HasPrefix(res.Warnings[0], "MalformedRecord: 3 of 5 rows dropped") {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
	if res.Records[0].Vitals[0].Timestamp != "2024-01-05" {
		t.Fatalf("expected row timestamp, got %+v", res.Records[0].Vitals[0])
	}
}

func TestNormalizeEmptyRowDropped(t *testing.T) {
	res, _ := run(t, "x.csv", "heart_rate,zzq_xqv\n72,xq1\n,xq2\n")
	if res.Normalized != 1 || res.DropReasons[ReasonEmpty] != 1 {
		t.Fatalf("expected one empty drop, got %+v", res)
	}
}

func TestNormalizeInvalidCodes(t *testing.T) {
	res, _ := run(t, "dx.csv", "patient_id,icd10\np1,E11.9\np2,11.9Z\n")
	if res.Normalized != 1 || res.DropReasons[ReasonInvalidCode] != 1 {
		t.Fatalf("expected invalid code drop, got %+v", res)
	}
	if res.Records[0].Diagnoses[0].DiagnosisCode != "E11.9" {
		t.Fatalf("unexpected diagnosis %+v", res.Records[0].Diagnoses)
	}
}

func TestNormalizeNestedJSON(t *testing.T) {
	data := `{"patients":[
		{"patient":{"dob":"1985-02-03","gender":"f"},"heart_rate":72},
		{"patient":{"dob":"1970-11-30","gender":"M"},"heart_rate":64}
	]}`
	res, fm := run(t, "patients.json", data)
	if e, ok := fm.Lookup("patient.dob"); !ok || e.Target != mapping.IdentityBirthDate {
		t.Fatalf("expected patient.dob to map to birth date, got %+v", e)
	}
	if res.Normalized != 2 {
		t.Fatalf("expected 2 records, got %+v", res)
	}
	if g := res.Records[0].Demographics.Gender; g != "Female" {
		t.Fatalf("expected Female, got %q", g)
	}
	if v := res.Records[1].Vitals[0]; v.VitalType != "heart_rate" || v.Value != 64 {
		t.Fatalf("unexpected vital %+v", v)
	}
}

func TestNormalizeJSONNonObjectItem(t *testing.T) {
	res, _ := run(t, "obs.json", `[{"heart_rate":72}, 5, {"heart_rate":80}]`)
	if res.Total != 3 || res.Normalized != 2 || res.DropReasons[ReasonBadJSONRecord] != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

const oru = "MSH|^~\\&|LAB|HOSP|||20240105083000||ORU^R01|MSG1|P|2.5\r" +
	"PID|1||12345^^^HOSP^MR||Doe^John||19800101|M|||1 Main St^^Springfield^IL^62701||555-123-4567\r" +
	"OBR|1|||80061^Lipid panel|||20240105\r" +
	"OBX|1|NM|8867-4^Heart rate^LN||72|/min|60-100|N|||F\r" +
	"OBX|2|NM|2093-3^Cholesterol^LN||190|mg/dL|<200|N|||F\r" +
	"NTE|1||Fasting sample\r" +
	"DG1|1||E11.9^Type 2 diabetes^I10||20230101\r"

func TestNormalizeHL7(t *testing.T) {
	res, fm := run(t, "lab.hl7", oru)
	if e, ok := fm.Lookup("OBX"); !ok || e.Confidence != 1.0 {
		t.Fatalf("expected OBX mapped at 1.0, got %+v", e)
	}
	if res.Normalized != 1 {
		t.Fatalf("expected one record, got %+v", res)
	}
	rec := res.Records[0]
	if rec.Identity.SourceID != "12345" || rec.Identity.MRN != "12345" || rec.Identity.Name != "John Doe" {
		t.Fatalf("unexpected identity %+v", rec.Identity)
	}
	if rec.Identity.PostalCode != "62701" || rec.Demographics.State != "IL" || rec.Demographics.Gender != "Male" {
		t.Fatalf("unexpected address data %+v / %+v", rec.Identity, rec.Demographics)
	}
	if len(rec.Vitals) != 1 || rec.Vitals[0].VitalType != "heart_rate" || rec.Vitals[0].Timestamp != "2024-01-05" {
		t.Fatalf("unexpected vitals %+v", rec.Vitals)
	}
	if len(rec.LabResults) != 1 || rec.LabResults[0].Value == nil || *rec.LabResults[0].Value != 190 {
		t.Fatalf("unexpected labs %+v", rec.LabResults)
	}
	if rec.LabResults[0].Status != "normal" {
		t.Fatalf("expected normal flag, got %q", rec.LabResults[0].Status)
	}
	if len(rec.Diagnoses) != 1 || rec.Diagnoses[0].DiagnosisCode != "E11.9" || rec.Diagnoses[0].DiagnosisDate != "2023-01-01" {
		t.Fatalf("unexpected diagnoses %+v", rec.Diagnoses)
	}
	if len(rec.Notes) != 1 || rec.Notes[0] != "Fasting sample" {
		t.Fatalf("unexpected notes %v", rec.Notes)
	}
}

func TestNormalizeHL7NonNumericNM(t *testing.T) {
	msg := "MSH|^~\\&|LAB|HOSP|||20240105||ORU^R01|MSG2|P|2.5\r" +
		"PID|1||999\r" +
		"OBX|1|NM|2093-3^Cholesterol^LN||high|mg/dL\r"
	res, _ := run(t, "bad.hl7", msg)
	if res.Dropped != 1 || res.DropReasons[ReasonNonNumeric] != 1 {
		t.Fatalf("expected non-numeric drop, got %+v", res)
	}
}

const bundle = `{"resourceType":"Bundle","type":"collection","entry":[
 {"resource":{"resourceType":"Patient","id":"p1","gender":"female","birthDate":"1975-06-01",
   "name":[{"given":["Ann"],"family":"Lee"}],
   "address":[{"line":["9 Elm"],"city":"Boston","state":"MA","postalCode":"02118"}],
   "telecom":[{"system":"email","value":"ann@example.com"}]}},
 {"resource":{"resourceType":"Observation","id":"o1","status":"final",
   "subject":{"reference":"Patient/p1"},"effectiveDateTime":"2024-03-01T10:30:00Z",
   "code":{"coding":[{"system":"http://loinc.org","code":"85354-9","display":"Blood pressure panel"}]},
   "component":[
     {"code":{"coding":[{"system":"http://loinc.org","code":"8480-6"}]},"valueQuantity":{"value":130,"unit":"mmHg"}},
     {"code":{"coding":[{"system":"http://loinc.org","code":"8462-4"}]},"valueQuantity":{"value":85,"unit":"mmHg"}}]}},
 {"resource":{"resourceType":"Condition","id":"c1","subject":{"reference":"Patient/p1"},
   "code":{"coding":[{"system":"http://hl7.org/fhir/sid/icd-10-cm","code":"I10","display":"Hypertension"}]},
   "onsetDateTime":"2019-05-20"}}
]}`

func TestNormalizeFHIRBundle(t *testing.T) {
	res, fm := run(t, "bundle.json", bundle)
	if fm.Format != models.FormatFHIR {
		t.Fatalf("expected fhir mapping, got %q", fm.Format)
	}
	if res.Total != 1 || res.Normalized != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	rec := res.Records[0]
	if rec.Identity.SourceID != "p1" || rec.Identity.Name != "Ann Lee" || rec.Identity.Email != "ann@example.com" {
		t.Fatalf("unexpected identity %+v", rec.Identity)
	}
	if rec.Identity.PostalCode != "02118" || rec.Demographics.Gender != "Female" {
		t.Fatalf("unexpected demographics %+v", rec.Demographics)
	}
	if len(rec.Vitals) != 1 {
		t.Fatalf("expected one vital, got %+v", rec.Vitals)
	}
	v := rec.Vitals[0]
	if v.VitalType != "blood_pressure" || v.Value != 130 || len(v.Components) != 2 || v.Components[1] != 85 {
		t.Fatalf("unexpected vital %+v", v)
	}
	if v.Timestamp != "2024-03-01T10:30:00Z" {
		t.Fatalf("unexpected timestamp %q", v.Timestamp)
	}
	if len(rec.Diagnoses) != 1 || rec.Diagnoses[0].DiagnosisCode != "I10" {
		t.Fatalf("unexpected diagnoses %+v", rec.Diagnoses)
	}
}

func TestNormalizeFHIROrphansWithManyPatients(t *testing.T) {
	data := `[
	 {"resourceType":"Patient","id":"a"},
	 {"resourceType":"Patient","id":"b"},
	 {"resourceType":"Observation","subject":{"reference":"Patient/a"},"code":{"text":"Heart rate"},"valueQuantity":{"value":70}},
	 {"resourceType":"Observation","code":{"text":"Heart rate"},"valueQuantity":{"value":71}}
	]`
	res, _ := run(t, "many.json", data)
	if res.Total != 3 || res.DropReasons[ReasonNoPatient] != 1 {
		t.Fatalf("expected orphan drop, got %+v", res)
	}
}

func TestChunksCancelled(t *testing.T) {
	det := detect.Detection{Kind: models.FormatCSV, Delimiter: ','}
	src, err := Load(det, []byte("heart_rate\n70\n71\n72\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	it, err := New(terminology.DefaultCatalog(), 1).Chunks(NormalizeInput{Source: src})
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := it.Next(ctx); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	cancel()
	if _, err := it.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMalformedWarning(t *testing.T) {
	if w := MalformedWarning(10, 0, nil); w != "" {
		t.Fatalf("expected no warning, got %q", w)
	}
	w := MalformedWarning(10, 3, map[string]int{ReasonOutOfRange: 1, ReasonNonNumeric: 2})
	want := "MalformedRecord: 3 of 10 rows dropped (non-numeric value: 2, out-of-range value: 1)"
	if w != want {
		t.Fatalf("got %q, want %q", w, want)
	}
}

func TestNormalizeNDJSON(t *testing.T) {
	res, _ := run(t, "obs.ndjson", "{\"heart_rate\":72}\n\n{\"heart_rate\":80}\n")
	if res.Total != 2 || res.Normalized != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNormalizeReducedPrecisionBirthDates(t *testing.T) {
	tests := []struct {
		name, filename, data string
		wantYear             int
	}{
		{"csv bare year", "people.csv", "patient_id,dob,heart_rate\nP1,1950,72\nP2,1950,64\n", 1950},
		{"csv year and month", "people.csv", "patient_id,dob,heart_rate\nP1,1950-03,72\nP2,1950-03,64\n", 1950},
		{"csv birth_year column", "people.csv", "patient_id,birth_year,heart_rate\nP1,1961,72\nP2,1961,64\n", 1961},
		{"fhir bare year", "p.json", `[{"resourceType":"Patient","id":"a","birthDate":"1950"},{"resourceType":"Observation","subject":{"reference":"Patient/a"},"code":{"text":"Heart rate"},"valueQuantity":{"value":70}}]`, 1950},
		{"fhir year and month", "p.json", `[{"resourceType":"Patient","id":"a","birthDate":"1950-03"},{"resourceType":"Observation","subject":{"reference":"Patient/a"},"code":{"text":"Heart rate"},"valueQuantity":{"value":70}}]`, 1950},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := run(t, tt.filename, tt.data)
			if res.Dropped != 0 || res.Normalized == 0 {
				t.Fatalf("expected every row kept, got %+v", res.DropReasons)
			}
			for _, rec := range res.Records {
				if rec.Identity.BirthDate == nil || rec.Identity.BirthDate.Year() != tt.wantYear {
					t.Fatalf("unexpected birth date %+v", rec.Identity.BirthDate)
				}
			}
		})
	}
}

func TestNormalizeContactNameIsTagged(t *testing.T) {
	res, fm := run(t, "kids.csv", "patient_id,guardian_name,heart_rate\nP1,Bob Roe,90\nP2,Ann Roe,95\n")
	if e, ok := fm.Lookup("guardian_name"); !ok || e.Target != mapping.IdentityContactName {
		t.Fatalf("expected guardian_name to map to contact name, got %+v", e)
	}
	rec := res.Records[0]
	if rec.Identity.Tagged[models.ContactNameTag] != "Bob Roe" {
		t.Fatalf("expected tagged contact name, got %+v", rec.Identity.Tagged)
	}
	if len(rec.Medications) != 0 {
		t.Fatalf("contact name leaked into medications: %+v", rec.Medications)
	}
}

package deid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mist-health/mdf-pipeline/pkg/common/httpclient"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dlp"
)

var fixedNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestDeidentifier(t *testing.T, p Pseudonymizer) *Deidentifier {
	t.Helper()
	scrubber, err := dlp.NewScrubber(dlp.DefaultRules())
	if err != nil {
		t.Fatalf("scrubber: %v", err)
	}
	if p == nil {
		p, err = NewHMACPseudonymizer("test-key")
		if err != nil {
			t.Fatalf("pseudonymizer: %v", err)
		}
	}
	d := New(p, scrubber, nil)
	d.Now = func() time.Time { return fixedNow }
	return d
}

func sampleRecord() *models.Record {
	bd := time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC)
	return &models.Record{
		Identity: &models.Identity{
			SourceID:   "MRN-0042",
			Name:       "Maria Lopez",
			BirthDate:  &bd,
			PostalCode: "94107-1234",
			Phone:      "415-555-0100",
			Email:      "maria@example.com",
			SSN:        "123-45-6789",
			Tagged:     map[string]string{"device_id": "SN-99"},
		},
		Demographics: models.Demographics{Gender: "Female"},
		Vitals:       []models.Vital{{Timestamp: "2024-03-01T10:30:00Z", VitalType: "heart_rate", Value: 72}},
		Diagnoses:    []models.Diagnosis{{DiagnosisCode: "I10", DiagnosisName: "Hypertension", DiagnosisDate: "2019-05-20"}},
		Procedures:   []models.Procedure{{ProcedureName: "ECG", Provider: "Dr. Adams", ProcedureDate: "2024-03-01"}},
		Notes: []string{
			"Maria called from 415-555-0100 on 03/01/2024, email maria@example.com.",
			"<b>SSN</b> 123-45-6789",
		},
	}
}

func TestAgeBuckets(t *testing.T) {
	cases := map[int]string{0: "0-17", 17: "0-17", 18: "18-25", 30: "26-35", 65: "56-65", 89: "76-89", 90: "90+", 91: "90+"}
	for age, want := range cases {
		if got := AgeBucket(age); got != want {
			t.Errorf("AgeBucket(%d) = %q, want %q", age, got, want)
		}
	}
	if got := AgeAt(time.Date(2000, 6, 2, 0, 0, 0, 0, time.UTC), fixedNow); got != 24 {
		t.Fatalf("expected 24, got %d", got)
	}
}

func TestApplyRules(t *testing.T) {
	d := newTestDeidentifier(t, nil)
	rec := sampleRecord()
	if err := d.Apply(context.Background(), rec, "salt-1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rec.Identity != nil {
		t.Fatal("identity must be cleared")
	}
	if !strings.HasPrefix(rec.PatientID, "pt_") || strings.Contains(rec.PatientID, "0042") {
		t.Fatalf("unexpected pseudonym %q", rec.PatientID)
	}
	if rec.Demographics.ZipCodePrefix != "941" {
		t.Fatalf("expected zip prefix 941, got %q", rec.Demographics.ZipCodePrefix)
	}
	if rec.Demographics.AgeRange != "26-35" {
		t.Fatalf("expected 26-35, got %q", rec.Demographics.AgeRange)
	}
	if rec.Vitals[0].Timestamp != "2024" || rec.Diagnoses[0].DiagnosisDate != "2019" || rec.Procedures[0].ProcedureDate != "2024" {
		t.Fatalf("dates not reduced to years: %+v %+v %+v", rec.Vitals, rec.Diagnoses, rec.Procedures)
	}
	if rec.Procedures[0].Provider != "" {
		t.Fatalf("provider name must be scrubbed, got %q", rec.Procedures[0].Provider)
	}
	if rec.Diagnoses[0].DiagnosisName != "Hypertension" {
		t.Fatalf("clinical text lost: %q", rec.Diagnoses[0].DiagnosisName)
	}
}

func TestApplyLeavesNoIdentifiers(t *testing.T) {
	d := newTestDeidentifier(t, nil)
	rec := sampleRecord()
	if err := d.Apply(context.Background(), rec, "salt-1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	doc := string(out)
	scans := map[string]*regexp.Regexp{
		"ssn":       regexp.MustCompile(`\d{3}-\d{2}-\d{4}`),
		"email":     regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`),
		"phone":     regexp.MustCompile(`\d{3}[-.\s]\d{3}[-.\s]\d{4}`),
		"full zip":  regexp.MustCompile(`\b\d{5}\b`),
		"birthdate": regexp.MustCompile(`1990-04-02|04/02/1990`),
		"name":      regexp.MustCompile(`(?i)maria|lopez`),
	}
	for name, re := range scans {
		if re.MatchString(doc) {
			t.Errorf("%s found in de-identified output: %s", name, doc)
		}
	}
}

func TestApplyIdempotent(t *testing.T) {
	d := newTestDeidentifier(t, nil)
	rec := sampleRecord()
	ctx := context.Background()
	if err := d.Apply(ctx, rec, "salt-1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first, _ := json.Marshal(rec)
	if err := d.Apply(ctx, rec, "salt-1"); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	second, _ := json.Marshal(rec)
	if string(first) != string(second) {
		t.Fatalf("not idempotent:\n%s\n%s", first, second)
	}
}

func TestPseudonymsStablePerSalt(t *testing.T) {
	p, _ := NewHMACPseudonymizer("k")
	ctx := context.Background()
	a, _ := p.Pseudonymize(ctx, "patient-1", "s1")
	b, _ := p.Pseudonymize(ctx, "patient-1", "s1")
	c, _ := p.Pseudonymize(ctx, "patient-1", "s2")
	if a != b {
		t.Fatalf("same salt must give the same pseudonym: %q vs %q", a, b)
	}
	if a == c {
		t.Fatal("different salts must give different pseudonyms")
	}
	if _, err := NewHMACPseudonymizer(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestRecordsWithoutSourceIDAreNotLinked(t *testing.T) {
	d := newTestDeidentifier(t, nil)
	r1 := &models.Record{Identity: &models.Identity{}}
	r2 := &models.Record{Identity: &models.Identity{}}
	if err := d.ApplyAll(context.Background(), []*models.Record{r1, r2}, "s"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if r1.PatientID == "" || r1.PatientID == r2.PatientID {
		t.Fatalf("expected distinct pseudonyms, got %q and %q", r1.PatientID, r2.PatientID)
	}
}

type failingPseudonymizer struct{}

func (failingPseudonymizer) Pseudonymize(context.Context, string, string) (string, error) {
	return "", errors.New("hashing service unavailable")
}

func TestApplyFailureIsDeidentificationFailure(t *testing.T) {
	d := newTestDeidentifier(t, failingPseudonymizer{})
	rec := sampleRecord()
	err := d.ApplyAll(context.Background(), []*models.Record{rec}, "s")
	if !errors.Is(err, ErrDeidentificationFailure) {
		t.Fatalf("expected ErrDeidentificationFailure, got %v", err)
	}
	if rec.Identity == nil {
		t.Fatal("identity must be kept when de-identification fails")
	}
}

func TestZipPolicySuppresses(t *testing.T) {
	d := newTestDeidentifier(t, nil)
	d.zipPolicy = NewRestrictedPrefixes(HIPAARestrictedPrefixes)
	rec := &models.Record{Identity: &models.Identity{SourceID: "x", PostalCode: "03601"}}
	if err := d.Apply(context.Background(), rec, "s"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rec.Demographics.ZipCodePrefix != "" {
		t.Fatalf("expected suppressed prefix, got %q", rec.Demographics.ZipCodePrefix)
	}
}

func TestLoadZipPolicy(t *testing.T) {
	p, err := LoadZipPolicy("")
	if err != nil || p.Suppress("036") {
		t.Fatalf("empty path must not suppress: %v", err)
	}
	path := filepath.Join(t.TempDir(), "zip.yaml")
	if err := os.WriteFile(path, []byte("restricted_prefixes: [\"059\", \"102\"]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err = LoadZipPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.Suppress("102") || p.Suppress("941") {
		t.Fatal("unexpected suppression result")
	}
	if err := os.WriteFile(path, []byte("restricted_prefixes: [\"1020\"]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadZipPolicy(path); err == nil {
		t.Fatal("expected error for malformed prefix")
	}
}

func TestRemotePseudonymizerRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req hashRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID != "p1" || req.Salt != "s" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(hashResponse{Pseudonym: "remote-abc"})
	}))
	defer srv.Close()

	p, err := NewRemotePseudonymizer(context.Background(), RemoteConfig{
		URL:     srv.URL,
		Backoff: httpclient.Backoff{Attempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := p.Pseudonymize(context.Background(), "p1", "s")
	if err != nil {
		t.Fatalf("pseudonymize: %v", err)
	}
	if got != "remote-abc" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
}

func TestRemotePseudonymizerPermanentError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p, _ := NewRemotePseudonymizer(context.Background(), RemoteConfig{
		URL:     srv.URL,
		Backoff: httpclient.Backoff{Attempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }},
	})
	if _, err := p.Pseudonymize(context.Background(), "p1", "s"); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestMemorySalts(t *testing.T) {
	m := NewMemorySalts()
	a, _ := m.Salt(context.Background(), "ds1")
	b, _ := m.Salt(context.Background(), "ds1")
	c, _ := m.Salt(context.Background(), "ds2")
	if a == "" || a != b || a == c {
		t.Fatalf("unexpected salts %q %q %q", a, b, c)
	}
}

func TestGeneraliseAgeRange(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"26-35", "26-35"},
		{"90+", "90+"},
		{" 42 ", "36-45"},
		{"91-95", "90+"},
		{"30-33", "26-35"},
		{"20-40", ""},
		{"1990-04-02", ""},
		{"04/02/1990", ""},
		{"forty", ""},
		{"call 415-555-1234", ""},
	}
	for _, tt := range tests {
		if got := generaliseAgeRange(tt.in); got != tt.want {
			t.Errorf("generaliseAgeRange(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApplyScrubsDemographics(t *testing.T) {
	tests := []struct {
		name  string
		demo  models.Demographics
		check func(models.Demographics) bool
	}{
		{
			name:  "phone and name in race",
			demo:  models.Demographics{Ethnicity: "White (call John at 415-555-1234)"},
			check: func(d models.Demographics) bool { return d.Ethnicity == "" },
		},
		{
			name:  "email as language",
			demo:  models.Demographics{Language: "john@x.com"},
			check: func(d models.Demographics) bool { return d.Language == "" },
		},
		{
			name:  "patient name as gender",
			demo:  models.Demographics{Gender: "Maria Lopez"},
			check: func(d models.Demographics) bool { return d.Gender == "" },
		},
		{
			name:  "markup in state",
			demo:  models.Demographics{State: "<b>CA</b>"},
			check: func(d models.Demographics) bool { return d.State == "" },
		},
		{
			name: "plain categories kept",
			demo: models.Demographics{Gender: "Female", State: "CA", Ethnicity: "Hispanic  or Latino", Language: "Spanish"},
			check: func(d models.Demographics) bool {
				return d.Gender == "Female" && d.State == "CA" && d.Ethnicity == "Hispanic or Latino" && d.Language == "Spanish"
			},
		},
		{
			name:  "birth date as age band",
			demo:  models.Demographics{AgeRange: "1950-03-14"},
			check: func(d models.Demographics) bool { return d.AgeRange == "" },
		},
	}
	d := newTestDeidentifier(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := sampleRecord()
			rec.Identity.BirthDate = nil
			rec.Demographics = tt.demo
			if err := d.Apply(context.Background(), rec, "salt-1"); err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !tt.check(rec.Demographics) {
				t.Fatalf("unexpected demographics %+v", rec.Demographics)
			}
		})
	}
}

func TestApplyScrubsContactNames(t *testing.T) {
	d := newTestDeidentifier(t, nil)
	rec := sampleRecord()
	rec.Identity.Tagged[models.ContactNameTag] = "Bob Roe"
	rec.Notes = append(rec.Notes, "Guardian Bob Roe consented.")
	if err := d.Apply(context.Background(), rec, "salt-1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	out, _ := json.Marshal(rec)
	if regexp.MustCompile(`(?i)\bbob\b|\broe\b`).Match(out) {
		t.Fatalf("contact name survived: %s", out)
	}
}

func TestScrubSamples(t *testing.T) {
	d := newTestDeidentifier(t, nil)
	fm := models.FieldMapping{Entries: []models.MappingEntry{
		{Source: "race", Target: "demographics.ethnicity", SampleValues: []string{"White (call John at 415-555-1234)", "Asian"}},
		{Source: "lang", Target: "demographics.language", SampleValues: []string{"john@x.com"}},
		{Source: "dob", Target: "identity.birth_date", SampleValues: []string{"1990"}},
		{Source: "when", Target: "record.timestamp", SampleValues: []string{"2024-03-01", "2024"}},
		{Source: "hr", Target: "vitals.heart_rate", SampleValues: []string{"72", "80"}},
	}}
	d.ScrubSamples(&fm)
	want := map[string]string{"race": "Asian", "lang": "", "dob": "", "when": "2024", "hr": "72|80"}
	for _, e := range fm.Entries {
		if got := strings.Join(e.SampleValues, "|"); got != want[e.Source] {
			t.Errorf("%s: samples %q, want %q", e.Source, got, want[e.Source])
		}
	}
}

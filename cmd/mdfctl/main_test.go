package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

const sampleCSV = "patient_id,dob,zip,systolic_bp\np1,1990-04-02,94107,120\np2,1950-01-01,10001,135\n"

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vitals.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o600); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("DETECT_MIN_CONFIDENCE", "0")
	t.Setenv("MAPPING_MIN_CONFIDENCE", "0")
	t.Setenv("PSEUDONYM_KEY", "")
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, _, err := execute(t, "validate", writeSample(t))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "vitals.csv") || !strings.Contains(out, "csv") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestValidateCommandRejectsExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.exe")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := execute(t, "validate", path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNormalizeCommandJSON(t *testing.T) {
	out, stderr, err := execute(t, "normalize", "--key", "cli-test", writeSample(t))
	if err != nil {
		t.Fatalf("normalize: %v\n%s", err, stderr)
	}
	var doc models.Document
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Version != models.MDFVersion || len(doc.Records) != 2 {
		t.Fatalf("unexpected document: version %q, %d records", doc.Version, len(doc.Records))
	}
	for _, r := range doc.Records {
		if r.PatientID == "p1" || r.PatientID == "p2" || len(r.Demographics.ZipCodePrefix) > 3 {
			t.Fatalf("identifiers leaked into output: %+v", r)
		}
	}
	if !strings.Contains(stderr, "normalized") || !strings.Contains(stderr, "2 of 2") {
		t.Fatalf("summary missing from stderr:\n%s", stderr)
	}
}

func TestNormalizeCommandCSVFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.csv")
	_, stderr, err := execute(t, "normalize", "--key", "cli-test", "--format", "csv", "--out", dest, writeSample(t))
	if err != nil {
		t.Fatalf("normalize: %v\n%s", err, stderr)
	}
	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "patient_id" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if !strings.Contains(stderr, "wrote 2 records") {
		t.Fatalf("unexpected stderr:\n%s", stderr)
	}
}

func TestNormalizeCommandRequiresKey(t *testing.T) {
	_, _, err := execute(t, "normalize", writeSample(t))
	if err == nil || !strings.Contains(err.Error(), "pseudonymization key") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestNormalizeCommandBadFormat(t *testing.T) {
	if _, _, err := execute(t, "normalize", "--key", "k", "--format", "xml", writeSample(t)); err == nil {
		t.Fatalf("expected format error")
	}
}

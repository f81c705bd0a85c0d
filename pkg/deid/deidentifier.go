// Package deid applies the Safe Harbor rule set to normalized records.
package deid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mist-health/mdf-pipeline/pkg/common/dates"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dlp"
	"github.com/mist-health/mdf-pipeline/pkg/mapping"
)

var ErrDeidentificationFailure = errors.New("de-identification failed")

// Deidentifier removes or generalises every identifier on a record. A record
// whose Identity is already cleared is left untouched, so Apply is
// idempotent.
type Deidentifier struct {
	pseudonymizer Pseudonymizer
	scrubber      *dlp.Scrubber
	zipPolicy     ZipPolicy
	// Now is the reference time for computing ages from birth dates.
	Now func() time.Time
}

func New(p Pseudonymizer, scrubber *dlp.Scrubber, zipPolicy ZipPolicy) *Deidentifier {
	if zipPolicy == nil {
		zipPolicy = NoSuppression{}
	}
	return &Deidentifier{pseudonymizer: p, scrubber: scrubber, zipPolicy: zipPolicy, Now: time.Now}
}

// ApplyAll de-identifies records in order, stopping at the first failure.
func (d *Deidentifier) ApplyAll(ctx context.Context, records []*models.Record, salt string) error {
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Apply(ctx, rec, salt); err != nil {
			return fmt.Errorf("record %d: %w", i+1, err)
		}
	}
	return nil
}

func (d *Deidentifier) Apply(ctx context.Context, rec *models.Record, salt string) error {
	if rec == nil || rec.Identity == nil {
		return nil
	}
	id := rec.Identity

	// 1. pseudonym
	source := firstNonEmpty(id.SourceID, id.MRN)
	if source == "" {
		source = "synthetic:" + uuid.NewString()
	}
	pid, err := d.pseudonymizer.Pseudonymize(ctx, source, salt)
	if err != nil {
		return fmt.Errorf("%w: pseudonymize: %v", ErrDeidentificationFailure, err)
	}
	rec.PatientID = pid

	// 2. ZIP prefix
	prefix := zip3(rec.Demographics.ZipCodePrefix)
	if id.PostalCode != "" {
		prefix = zip3(id.PostalCode)
	}
	if prefix != "" && d.zipPolicy.Suppress(prefix) {
		prefix = ""
	}
	rec.Demographics.ZipCodePrefix = prefix

	// 3. age bucket
	switch {
	case id.BirthDate != nil:
		rec.Demographics.AgeRange = AgeBucket(AgeAt(*id.BirthDate, d.Now()))
	case id.Age != nil:
		rec.Demographics.AgeRange = AgeBucket(*id.Age)
	default:
		rec.Demographics.AgeRange = generaliseAgeRange(rec.Demographics.AgeRange)
	}

	// 4. dates to years
	for i := range rec.Vitals {
		rec.Vitals[i].Timestamp = yearOnly(rec.Vitals[i].Timestamp)
	}
	for i := range rec.LabResults {
		rec.LabResults[i].Timestamp = yearOnly(rec.LabResults[i].Timestamp)
	}
	for i := range rec.Medications {
		rec.Medications[i].StartDate = yearOnly(rec.Medications[i].StartDate)
		rec.Medications[i].EndDate = yearOnly(rec.Medications[i].EndDate)
	}
	for i := range rec.Diagnoses {
		rec.Diagnoses[i].DiagnosisDate = yearOnly(rec.Diagnoses[i].DiagnosisDate)
	}
	for i := range rec.Procedures {
		rec.Procedures[i].ProcedureDate = yearOnly(rec.Procedures[i].ProcedureDate)
	}

	// 5. free text
	tokens := id.NameTokens()
	var residual []string
	scrub := func(s *string) {
		if *s == "" {
			return
		}
		*s = d.scrubber.Scrub(*s, tokens)
		for _, f := range d.scrubber.Find(*s, nil) {
			residual = append(residual, f.Type)
		}
	}
	// Demographic values are categories. One that carries an identifier is
	// dropped whole rather than left half-scrubbed.
	category := func(s *string) {
		v := strings.Join(strings.Fields(*s), " ")
		if v == "" {
			*s = ""
			return
		}
		if strings.ContainsAny(v, "<>") || len(d.scrubber.Find(v, tokens)) > 0 {
			v = ""
		}
		*s = v
	}
	category(&rec.Demographics.Gender)
	category(&rec.Demographics.State)
	category(&rec.Demographics.Ethnicity)
	category(&rec.Demographics.Language)
	notes := rec.Notes[:0]
	for _, n := range rec.Notes {
		scrub(&n)
		if n != "" {
			notes = append(notes, n)
		}
	}
	rec.Notes = notes
	for i := range rec.LabResults {
		l := &rec.LabResults[i]
		scrub(&l.TestName)
		scrub(&l.ValueText)
		scrub(&l.ReferenceRange)
		scrub(&l.Status)
	}
	for i := range rec.Medications {
		m := &rec.Medications[i]
		scrub(&m.MedicationName)
		scrub(&m.Dosage)
		scrub(&m.Frequency)
	}
	for i := range rec.Diagnoses {
		dx := &rec.Diagnoses[i]
		scrub(&dx.DiagnosisName)
		scrub(&dx.Status)
		scrub(&dx.Severity)
	}
	for i := range rec.Procedures {
		p := &rec.Procedures[i]
		scrub(&p.ProcedureName)
		scrub(&p.Provider)
		scrub(&p.Location)
	}
	if len(residual) > 0 {
		return fmt.Errorf("%w: identifiers remain after scrubbing (%s)", ErrDeidentificationFailure, strings.Join(residual, ", "))
	}

	// 6. everything else on the identity is dropped
	rec.Identity = nil
	return nil
}

func zip3(raw string) string {
	s := strings.TrimSpace(raw)
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n < 3 {
		return ""
	}
	return s[:3]
}

func yearOnly(s string) string {
	if s == "" {
		return ""
	}
	y, ok := dates.Year(s)
	if !ok {
		return ""
	}
	return y
}

// generaliseAgeRange maps a source age value onto the reporting bands. Bare
// ages are bucketed and a source band is kept only when it falls inside one
// reporting band ("91-95" becomes "90+"). Anything else is dropped.
func generaliseAgeRange(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || isBucket(s) {
		return s
	}
	if n, err := strconv.Atoi(s); err == nil {
		return AgeBucket(n)
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return ""
	}
	a, errA := strconv.Atoi(strings.TrimSpace(lo))
	b, errB := strconv.Atoi(strings.TrimSpace(hi))
	if errA != nil || errB != nil || a > b {
		return ""
	}
	if band := AgeBucket(a); band != "" && band == AgeBucket(b) {
		return band
	}
	return ""
}

// ScrubSamples removes mapping sample values that carry an identifier or a
// full date. Samples of identity targets never survive.
func (d *Deidentifier) ScrubSamples(fm *models.FieldMapping) {
	for i := range fm.Entries {
		e := &fm.Entries[i]
		if len(e.SampleValues) == 0 {
			continue
		}
		if strings.HasPrefix(e.Target, mapping.SectionIdentity+".") || e.Transformation == mapping.TransformAgeBucket || e.Transformation == mapping.TransformZip3 {
			e.SampleValues = nil
			continue
		}
		kept := e.SampleValues[:0]
		for _, v := range e.SampleValues {
			if len(d.scrubber.Find(v, nil)) == 0 && !looksLikeDate(v) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			kept = nil
		}
		e.SampleValues = kept
	}
}

// looksLikeDate reports a value that parses as a date finer than a year.
func looksLikeDate(v string) bool {
	return !dates.IsYear(v) && dates.Parse(v) != nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

package normalizer

import (
	"strconv"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/dates"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/fhir"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

const (
	loincSystolic  = "8480-6"
	loincDiastolic = "8462-4"
)

// fromFHIR builds a record from one patient's resources.
func (t *Transformer) fromFHIR(g *fhir.PatientGroup) (*models.Record, error) {
	rec := &models.Record{Identity: &models.Identity{SourceID: g.PatientID}}
	covered := make(map[string]bool)
	cover := func(name string) {
		if !covered[name] {
			covered[name] = true
			rec.Coverage = append(rec.Coverage, name)
		}
	}

	if g.Patient != nil && t.covers("Patient") {
		if err := applyPatient(rec, g.Patient); err != nil {
			return nil, err
		}
		cover("Patient")
	}

	for _, r := range g.Resources {
		kind := r.Type()
		if !t.covers(kind) {
			continue
		}
		var err error
		switch kind {
		case "Observation":
			err = t.addObservation(rec, fhirObservation(r))
		case "MedicationRequest", "MedicationStatement":
			var med models.Medication
			med, err = fhirMedication(r)
			if err == nil {
				rec.Medications = append(rec.Medications, med)
			}
		case "Condition":
			var dx models.Diagnosis
			dx, err = fhirCondition(r)
			if err == nil {
				rec.Diagnoses = append(rec.Diagnoses, dx)
			}
		case "Procedure":
			var proc models.Procedure
			proc, err = fhirProcedure(r)
			if err == nil {
				rec.Procedures = append(rec.Procedures, proc)
			}
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		cover(kind)
	}
	return rec, nil
}

func applyPatient(rec *models.Record, p fhir.Resource) error {
	id := rec.Identity
	if id.SourceID == "" {
		id.SourceID = p.ID()
	}
	for _, ident := range p.List("identifier") {
		code := ident.String("type", "coding", "code")
		value := ident.String("value")
		switch {
		case value == "":
		case code == "MR":
			id.MRN = value
		case code == "SS" || strings.HasSuffix(ident.String("system"), "us-ssn"):
			id.SSN = value
		case code == "DL":
			tag(id, "license_number", value)
		}
	}

	if names := p.List("name"); len(names) > 0 {
		n := names[0]
		if text := n.String("text"); text != "" {
			id.Name = text
		} else {
			parts := stringList(n, "given")
			if family := n.String("family"); family != "" {
				parts = append(parts, family)
			}
			id.Name = strings.Join(parts, " ")
		}
	}

	if bd := p.String("birthDate"); bd != "" {
		parsed := dates.Parse(bd)
		if parsed == nil {
			return malformed(ReasonBadTimestamp, "Patient.birthDate=%q", bd)
		}
		id.BirthDate = parsed
	}
	rec.Demographics.Gender = normalizeGender(p.String("gender"))

	if addrs := p.List("address"); len(addrs) > 0 {
		a := addrs[0]
		id.Address = strings.TrimSpace(strings.Join(stringList(a, "line"), " ") + " " + a.String("city"))
		if state := a.String("state"); state != "" {
			rec.Demographics.State = strings.ToUpper(state)
			if len(state) > 2 {
				rec.Demographics.State = titleCaser.String(strings.ToLower(state))
			}
		}
		id.PostalCode = a.String("postalCode")
	}

	for _, tel := range p.List("telecom") {
		switch tel.String("system") {
		case "phone", "sms":
			if id.Phone == "" {
				id.Phone = tel.String("value")
			}
		case "email":
			id.Email = tel.String("value")
		case "fax":
			tag(id, "fax", tel.String("value"))
		case "url":
			tag(id, "url", tel.String("value"))
		}
	}

	for _, ext := range p.List("extension") {
		url := ext.String("url")
		if strings.HasSuffix(url, "us-core-ethnicity") || strings.HasSuffix(url, "us-core-race") {
			for _, inner := range ext.List("extension") {
				if inner.String("url") == "text" {
					rec.Demographics.Ethnicity = firstNonEmpty(rec.Demographics.Ethnicity, inner.String("valueString"))
				}
			}
		}
	}
	lang := p.Concept("communication", "language")
	rec.Demographics.Language = firstNonEmpty(lang.Display, lang.Code)
	return nil
}

func fhirObservation(r fhir.Resource) observation {
	c := r.Concept("code")
	o := observation{
		Name:      firstNonEmpty(c.Display, c.Code),
		Code:      c.Code,
		Status:    r.String("status"),
		Timestamp: firstNonEmpty(r.String("effectiveDateTime"), r.String("effectivePeriod", "start"), r.String("effectiveInstant"), r.String("issued")),
		Source:    "Observation",
	}
	if sys, ok := terminology.SystemFromURI(c.System); ok {
		o.System = sys
	} else if c.System != "" {
		o.System = "local"
	}
	if interp := r.Concept("interpretation"); interp.Code != "" {
		o.Status = strings.ToLower(firstNonEmpty(interp.Display, interp.Code))
	}

	switch {
	case hasKey(r, "valueQuantity"):
		o.ValueType = "Quantity"
		o.Value = r.String("valueQuantity", "value")
		o.Unit = firstNonEmpty(r.String("valueQuantity", "unit"), r.String("valueQuantity", "code"))
	case hasKey(r, "valueString"):
		o.Value = r.String("valueString")
	case hasKey(r, "valueCodeableConcept"):
		vc := r.Concept("valueCodeableConcept")
		o.Value = firstNonEmpty(vc.Display, vc.Code)
		o.ValueType = "CodeableConcept"
	case hasKey(r, "valueInteger"):
		o.ValueType = "Quantity"
		o.Value = r.String("valueInteger")
	case hasKey(r, "valueBoolean"):
		o.Value = r.String("valueBoolean")
	}

	if low, high := r.String("referenceRange", "low", "value"), r.String("referenceRange", "high", "value"); low != "" || high != "" {
		o.Range = strings.Trim(low+"-"+high, "-")
	} else {
		o.Range = r.String("referenceRange", "text")
	}

	// Blood pressure panels carry systolic and diastolic as components.
	var sys, dia *float64
	for _, comp := range r.List("component") {
		code := comp.String("code", "coding", "code")
		v, ok := comp.Float("valueQuantity", "value")
		if !ok {
			continue
		}
		switch code {
		case loincSystolic:
			sys = &v
		case loincDiastolic:
			dia = &v
		}
		if o.Unit == "" {
			o.Unit = comp.String("valueQuantity", "unit")
		}
	}
	if sys != nil {
		o.Components = []float64{*sys}
		if dia != nil {
			o.Components = append(o.Components, *dia)
		}
	}
	return o
}

func fhirMedication(r fhir.Resource) (models.Medication, error) {
	c := r.Concept("medicationCodeableConcept")
	med := models.Medication{
		MedicationCode: c.Code,
		MedicationName: firstNonEmpty(c.Display, r.String("medicationReference", "display")),
	}
	if sys, ok := terminology.SystemFromURI(c.System); ok && sys == terminology.SystemRxNorm {
		if err := validateCode(terminology.SystemRxNorm, r.Type()+".medication", c.Code); err != nil {
			return med, err
		}
	}

	dosage := "dosageInstruction"
	if r.Type() == "MedicationStatement" {
		dosage = "dosage"
	}
	med.Dosage = r.String(dosage, "text")
	if med.Dosage == "" {
		if v := r.String(dosage, "doseAndRate", "doseQuantity", "value"); v != "" {
			med.Dosage = joinDose(v, r.String(dosage, "doseAndRate", "doseQuantity", "unit"))
		}
	}
	med.Frequency = frequency(r, dosage)

	start := firstNonEmpty(r.String("effectivePeriod", "start"), r.String("effectiveDateTime"),
		r.String("dispenseRequest", "validityPeriod", "start"), r.String("authoredOn"))
	end := firstNonEmpty(r.String("effectivePeriod", "end"), r.String("dispenseRequest", "validityPeriod", "end"))
	var err error
	if med.StartDate, _, err = normalizeTimestamp(r.Type()+".start", start); err != nil {
		return med, err
	}
	if med.EndDate, _, err = normalizeTimestamp(r.Type()+".end", end); err != nil {
		return med, err
	}
	return med, nil
}

// frequency renders timing.repeat as "N per P unit", e.g. "2 per 1 d".
func frequency(r fhir.Resource, dosage string) string {
	if code := r.String(dosage, "timing", "code", "text"); code != "" {
		return code
	}
	n := r.String(dosage, "timing", "repeat", "frequency")
	period := r.String(dosage, "timing", "repeat", "period")
	unit := r.String(dosage, "timing", "repeat", "periodUnit")
	if n == "" || period == "" {
		return ""
	}
	return n + " per " + period + " " + unit
}

func fhirCondition(r fhir.Resource) (models.Diagnosis, error) {
	c := r.Concept("code")
	dx := models.Diagnosis{
		DiagnosisCode: strings.ToUpper(c.Code),
		DiagnosisName: c.Display,
		Status:        strings.ToLower(r.String("clinicalStatus", "coding", "code")),
		Severity:      strings.ToLower(firstNonEmpty(r.Concept("severity").Display, r.Concept("severity").Code)),
	}
	if sys, ok := terminology.SystemFromURI(c.System); ok && sys == terminology.SystemICD10 {
		if err := validateCode(terminology.SystemICD10, "Condition.code", dx.DiagnosisCode); err != nil {
			return dx, err
		}
	}
	ts, _, err := normalizeTimestamp("Condition.onset", firstNonEmpty(r.String("onsetDateTime"), r.String("onsetPeriod", "start"), r.String("recordedDate")))
	if err != nil {
		return dx, err
	}
	dx.DiagnosisDate = ts
	return dx, nil
}

func fhirProcedure(r fhir.Resource) (models.Procedure, error) {
	c := r.Concept("code")
	proc := models.Procedure{
		ProcedureCode: strings.ToUpper(c.Code),
		ProcedureName: c.Display,
		Provider:      r.String("performer", "actor", "display"),
		Location:      r.String("location", "display"),
	}
	if sys, ok := terminology.SystemFromURI(c.System); ok && sys == terminology.SystemCPT {
		if err := validateCode(terminology.SystemCPT, "Procedure.code", proc.ProcedureCode); err != nil {
			return proc, err
		}
	}
	ts, _, err := normalizeTimestamp("Procedure.performed", firstNonEmpty(r.String("performedDateTime"), r.String("performedPeriod", "start")))
	if err != nil {
		return proc, err
	}
	proc.ProcedureDate = ts
	return proc, nil
}

func hasKey(r fhir.Resource, key string) bool {
	_, ok := r[key]
	return ok
}

// stringList returns the scalar strings of an array field.
func stringList(r fhir.Resource, key string) []string {
	var out []string
	switch v := r[key].(type) {
	case []interface{}:
		for _, item := range v {
			switch s := item.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
	case string:
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

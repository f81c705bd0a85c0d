package normalizer

import (
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/hl7"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

// fromHL7 builds a record from one HL7 v2 message. Only segments present in
// the structural mapping contribute.
func (t *Transformer) fromHL7(msg *hl7.Message) (*models.Record, error) {
	rec := &models.Record{Identity: &models.Identity{}}
	covered := make(map[string]bool)
	cover := func(name string) {
		if !covered[name] {
			covered[name] = true
			rec.Coverage = append(rec.Coverage, name)
		}
	}

	defaultTime := ""
	if !msg.Timestamp.IsZero() {
		defaultTime = msg.Timestamp.UTC().Format("2006-01-02")
	}
	obrTime := ""
	var lastNotes *[]string

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		if !t.covers(seg.Name) {
			continue
		}
		switch seg.Name {
		case "MSH":
			cover("MSH")
		case "PID":
			if err := applyPID(rec, seg); err != nil {
				return nil, err
			}
			cover("PID")
		case "PV1":
			if ts := seg.GetField(44); ts != "" {
				norm, _, err := normalizeTimestamp("PV1-44", ts)
				if err != nil {
					return nil, err
				}
				defaultTime = norm
			}
			cover("PV1")
		case "OBR":
			obrTime = ""
			if ts := firstNonEmpty(seg.GetField(7), seg.GetField(22)); ts != "" {
				norm, _, err := normalizeTimestamp("OBR-7", ts)
				if err != nil {
					return nil, err
				}
				obrTime = norm
			}
			cover("OBR")
		case "OBX":
			o := observation{
				Name:      firstNonEmpty(seg.GetComponent(3, 2), seg.GetComponent(3, 1)),
				Code:      seg.GetComponent(3, 1),
				ValueType: strings.ToUpper(seg.GetField(2)),
				Value:     obxValue(seg),
				Unit:      firstNonEmpty(seg.GetComponent(6, 1), seg.GetComponent(6, 2)),
				Range:     seg.GetField(7),
				Status:    obxStatus(seg),
				Timestamp: firstNonEmpty(seg.GetField(14), obrTime, defaultTime),
				Source:    "OBX",
			}
			if sys, ok := terminology.SystemFromURI(seg.GetComponent(3, 3)); ok {
				o.System = sys
			} else {
				o.System = "local"
			}
			if o.Value == "" && o.ValueType != "NM" {
				// Text-only results with no value carry nothing to normalise.
				continue
			}
			if err := t.addObservation(rec, o); err != nil {
				return nil, err
			}
			lastNotes = nil
			cover("OBX")
		case "RXE", "RXO", "RXA":
			med, err := hl7Medication(seg)
			if err != nil {
				return nil, err
			}
			rec.Medications = append(rec.Medications, med)
			cover(seg.Name)
		case "DG1":
			dx := models.Diagnosis{
				DiagnosisCode: strings.ToUpper(seg.GetComponent(3, 1)),
				DiagnosisName: firstNonEmpty(seg.GetComponent(3, 2), seg.GetField(4)),
				Status:        strings.ToLower(seg.GetField(6)),
			}
			if sys, ok := terminology.SystemFromURI(seg.GetComponent(3, 3)); !ok || sys == terminology.SystemICD10 {
				if err := validateCode(terminology.SystemICD10, "DG1-3", dx.DiagnosisCode); err != nil {
					return nil, err
				}
			}
			ts, _, err := normalizeTimestamp("DG1-5", seg.GetField(5))
			if err != nil {
				return nil, err
			}
			dx.DiagnosisDate = ts
			rec.Diagnoses = append(rec.Diagnoses, dx)
			cover("DG1")
		case "PR1":
			proc := models.Procedure{
				ProcedureCode: strings.ToUpper(seg.GetComponent(3, 1)),
				ProcedureName: firstNonEmpty(seg.GetComponent(3, 2), seg.GetField(4)),
				Provider:      hl7PersonName(seg, 11),
			}
			if sys, ok := terminology.SystemFromURI(seg.GetComponent(3, 3)); ok && sys == terminology.SystemCPT {
				if err := validateCode(terminology.SystemCPT, "PR1-3", proc.ProcedureCode); err != nil {
					return nil, err
				}
			}
			ts, _, err := normalizeTimestamp("PR1-5", seg.GetField(5))
			if err != nil {
				return nil, err
			}
			proc.ProcedureDate = ts
			rec.Procedures = append(rec.Procedures, proc)
			cover("PR1")
		case "NTE":
			text := strings.TrimSpace(strings.Join(repeatValues(seg, 3), " "))
			if text == "" {
				continue
			}
			if lastNotes == nil {
				rec.Notes = append(rec.Notes, text)
				lastNotes = &rec.Notes
			} else {
				(*lastNotes)[len(*lastNotes)-1] += " " + text
			}
			cover("NTE")
		}
	}
	fillTimestamps(rec, defaultTime)
	return rec, nil
}

func applyPID(rec *models.Record, seg *hl7.Segment) error {
	id := rec.Identity
	id.SourceID = firstNonEmpty(seg.GetComponent(3, 1), seg.GetComponent(2, 1), seg.GetComponent(4, 1))
	for _, rep := range seg.GetRepeats(3) {
		if len(rep) >= 5 && strings.EqualFold(strings.TrimSpace(rep[4]), "MR") {
			id.MRN = strings.TrimSpace(rep[0])
		}
	}

	family, given := seg.GetComponent(5, 1), seg.GetComponent(5, 2)
	id.Name = strings.TrimSpace(given + " " + family)

	if dob := seg.GetField(7); dob != "" {
		bd, err := hl7.ParseTimestamp(dob)
		if err != nil {
			return malformed(ReasonBadTimestamp, "PID-7=%q", dob)
		}
		id.BirthDate = &bd
	}
	rec.Demographics.Gender = normalizeGender(seg.GetField(8))
	rec.Demographics.Ethnicity = firstNonEmpty(seg.GetComponent(10, 2), seg.GetComponent(10, 1), seg.GetComponent(22, 2))

	street := seg.GetComponent(11, 1)
	city := seg.GetComponent(11, 3)
	id.Address = strings.TrimSpace(street + " " + city)
	if state := seg.GetComponent(11, 4); state != "" {
		rec.Demographics.State = strings.ToUpper(state)
	}
	id.PostalCode = seg.GetComponent(11, 5)

	id.Phone = firstNonEmpty(seg.GetComponent(13, 1), seg.GetComponent(14, 1))
	for _, rep := range seg.GetRepeats(13) {
		if len(rep) >= 4 && strings.Contains(rep[3], "@") {
			id.Email = strings.TrimSpace(rep[3])
		}
	}
	rec.Demographics.Language = firstNonEmpty(seg.GetComponent(15, 2), seg.GetComponent(15, 1))
	id.SSN = seg.GetField(19)
	if acct := seg.GetComponent(18, 1); acct != "" {
		tag(id, "account_number", acct)
	}
	if dl := seg.GetComponent(20, 1); dl != "" {
		tag(id, "license_number", dl)
	}
	return nil
}

func obxValue(seg *hl7.Segment) string {
	// SN (structured numeric) is comparator^num1^separator^num2.
	if strings.EqualFold(seg.GetField(2), "SN") {
		comp, n1, sep, n2 := seg.GetComponent(5, 1), seg.GetComponent(5, 2), seg.GetComponent(5, 3), seg.GetComponent(5, 4)
		if sep == "/" || sep == ":" {
			return n1 + "/" + n2
		}
		if comp == "" || comp == "=" {
			return n1
		}
		return comp + n1
	}
	if strings.EqualFold(seg.GetField(2), "CE") || strings.EqualFold(seg.GetField(2), "CWE") {
		return firstNonEmpty(seg.GetComponent(5, 2), seg.GetComponent(5, 1))
	}
	return seg.GetField(5)
}

func obxStatus(seg *hl7.Segment) string {
	flag := strings.ToUpper(seg.GetField(8))
	switch flag {
	case "H", "HH":
		return "high"
	case "L", "LL":
		return "low"
	case "A", "AA":
		return "abnormal"
	case "N":
		return "normal"
	}
	switch strings.ToUpper(seg.GetField(11)) {
	case "F":
		return "final"
	case "P":
		return "preliminary"
	case "C":
		return "corrected"
	}
	return ""
}

func hl7Medication(seg *hl7.Segment) (models.Medication, error) {
	var med models.Medication
	var start, end string
	switch seg.Name {
	case "RXE":
		med.MedicationCode = seg.GetComponent(2, 1)
		med.MedicationName = firstNonEmpty(seg.GetComponent(2, 2), seg.GetComponent(2, 1))
		med.Dosage = joinDose(seg.GetField(3), seg.GetComponent(5, 1))
		med.Frequency = seg.GetComponent(1, 2)
		start, end = seg.GetComponent(1, 4), seg.GetComponent(1, 5)
	case "RXO":
		med.MedicationCode = seg.GetComponent(1, 1)
		med.MedicationName = firstNonEmpty(seg.GetComponent(1, 2), seg.GetComponent(1, 1))
		med.Dosage = joinDose(seg.GetField(2), seg.GetComponent(4, 1))
	case "RXA":
		med.MedicationCode = seg.GetComponent(5, 1)
		med.MedicationName = firstNonEmpty(seg.GetComponent(5, 2), seg.GetComponent(5, 1))
		med.Dosage = joinDose(seg.GetField(6), seg.GetComponent(7, 1))
		start, end = seg.GetField(3), seg.GetField(4)
	}
	if system, ok := terminology.SystemFromURI(codeSystemOf(seg)); ok && system == terminology.SystemRxNorm {
		if err := validateCode(terminology.SystemRxNorm, seg.Name, med.MedicationCode); err != nil {
			return med, err
		}
	}
	var err error
	if med.StartDate, _, err = normalizeTimestamp(seg.Name+" start", start); err != nil {
		return med, err
	}
	if med.EndDate, _, err = normalizeTimestamp(seg.Name+" end", end); err != nil {
		return med, err
	}
	return med, nil
}

func codeSystemOf(seg *hl7.Segment) string {
	switch seg.Name {
	case "RXE":
		return seg.GetComponent(2, 3)
	case "RXO":
		return seg.GetComponent(1, 3)
	case "RXA":
		return seg.GetComponent(5, 3)
	}
	return ""
}

func joinDose(amount, unit string) string {
	return strings.TrimSpace(amount + " " + unit)
}

// hl7PersonName renders an XCN field (id^family^given) as "given family".
func hl7PersonName(seg *hl7.Segment, field int) string {
	family, given := seg.GetComponent(field, 2), seg.GetComponent(field, 3)
	return strings.TrimSpace(given + " " + family)
}

func repeatValues(seg *hl7.Segment, field int) []string {
	var out []string
	for _, rep := range seg.GetRepeats(field) {
		out = append(out, strings.TrimSpace(strings.Join(rep, " ")))
	}
	return out
}

package normalizer

import (
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/dates"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/mapping"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

// fromRow builds a record from one CSV row or flattened JSON object.
func (t *Transformer) fromRow(row map[string]string, columns []string) (*models.Record, error) {
	rec := &models.Record{Identity: &models.Identity{}}
	id := rec.Identity

	var (
		obs                 observation
		med                 models.Medication
		dx                  models.Diagnosis
		proc                models.Procedure
		rowTime             string
		firstName, lastName string
	)

	for _, col := range columns {
		entry, ok := t.mapped[col]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(row[col])
		if raw == "" {
			continue
		}

		section, field := sectionKey(entry.Target)
		switch section {
		case mapping.SectionIdentity:
			if err := t.applyIdentity(id, entry.Target, field, col, raw, &firstName, &lastName); err != nil {
				return nil, err
			}
		case mapping.SectionDemographics:
			applyDemographic(&rec.Demographics, entry.Target, raw)
		case mapping.SectionRecord:
			ts, _, err := normalizeTimestamp(col, raw)
			if err != nil {
				return nil, err
			}
			rowTime = ts
		case mapping.SectionObservation:
			applyObservationPart(&obs, entry.Target, raw)
		case mapping.SectionVitals:
			if err := t.addWideVital(rec, col, field, raw); err != nil {
				return nil, err
			}
		case mapping.SectionLabs:
			if err := t.addWideLab(rec, col, field, raw); err != nil {
				return nil, err
			}
		case mapping.SectionMedications:
			if err := applyMedication(&med, entry.Target, col, raw); err != nil {
				return nil, err
			}
		case mapping.SectionDiagnoses:
			if err := applyDiagnosis(&dx, entry.Target, col, raw); err != nil {
				return nil, err
			}
		case mapping.SectionProcedures:
			if err := applyProcedure(&proc, entry.Target, col, raw); err != nil {
				return nil, err
			}
		case mapping.SectionNotes:
			rec.Notes = append(rec.Notes, raw)
		default:
			continue
		}
		rec.Coverage = append(rec.Coverage, col)
	}

	if id.Name == "" {
		id.Name = strings.TrimSpace(firstName + " " + lastName)
	}
	obs.Timestamp = firstNonEmpty(obs.Timestamp, rowTime)
	obs.Source = "observation"
	if err := t.addObservation(rec, obs); err != nil {
		return nil, err
	}
	if med != (models.Medication{}) {
		rec.Medications = append(rec.Medications, med)
	}
	if dx != (models.Diagnosis{}) {
		if dx.DiagnosisDate == "" {
			dx.DiagnosisDate = rowTime
		}
		rec.Diagnoses = append(rec.Diagnoses, dx)
	}
	if proc != (models.Procedure{}) {
		if proc.ProcedureDate == "" {
			proc.ProcedureDate = rowTime
		}
		rec.Procedures = append(rec.Procedures, proc)
	}
	fillTimestamps(rec, rowTime)
	return rec, nil
}

func (t *Transformer) applyIdentity(id *models.Identity, target, field, col, raw string, firstName, lastName *string) error {
	switch target {
	case mapping.IdentitySourceID:
		id.SourceID = raw
	case mapping.IdentityName:
		id.Name = raw
	case mapping.IdentityFirstName:
		*firstName = raw
	case mapping.IdentityLastName:
		*lastName = raw
	case mapping.IdentityBirthDate:
		bd := dates.Parse(raw)
		if bd == nil {
			return malformed(ReasonBadTimestamp, "%s=%q", col, raw)
		}
		id.BirthDate = bd
	case mapping.IdentityAge:
		v, err := parseNumber(col, raw)
		if err != nil {
			return err
		}
		if v < 0 || v > 150 {
			return malformed(ReasonOutOfRange, "%s=%v", col, v)
		}
		age := int(v)
		id.Age = &age
	case mapping.IdentityPostalCode:
		id.PostalCode = raw
	case mapping.IdentityAddress:
		id.Address = strings.TrimSpace(id.Address + " " + raw)
	case mapping.IdentityCity:
		id.Address = strings.TrimSpace(id.Address + " " + raw)
		tag(id, field, raw)
	case mapping.IdentityPhone:
		id.Phone = raw
	case mapping.IdentityEmail:
		id.Email = raw
	case mapping.IdentitySSN:
		id.SSN = raw
	case mapping.IdentityMRN:
		id.MRN = raw
	default:
		tag(id, field, raw)
	}
	return nil
}

func tag(id *models.Identity, field, raw string) {
	if id.Tagged == nil {
		id.Tagged = make(map[string]string)
	}
	if prev := id.Tagged[field]; prev != "" {
		raw = prev + "; " + raw
	}
	id.Tagged[field] = raw
}

func applyDemographic(d *models.Demographics, target, raw string) {
	switch target {
	case mapping.DemographicsAge:
		d.AgeRange = raw
	case mapping.DemographicsGender:
		d.Gender = normalizeGender(raw)
	case mapping.DemographicsZip3:
		if z := zipDigits(raw); z != "" {
			d.ZipCodePrefix = z[:3]
		}
	case mapping.DemographicsState:
		d.State = strings.ToUpper(raw)
		if len(raw) > 2 {
			d.State = titleCaser.String(strings.ToLower(raw))
		}
	case mapping.DemographicsEthnic:
		d.Ethnicity = raw
	case mapping.DemographicsLang:
		d.Language = raw
	}
}

func applyObservationPart(o *observation, target, raw string) {
	switch target {
	case mapping.ObservationName:
		o.Name = raw
	case mapping.ObservationCode:
		o.Code = raw
		o.System = terminology.SystemLOINC
	case mapping.ObservationValue:
		o.Value = raw
	case mapping.ObservationUnit:
		o.Unit = raw
	case mapping.ObservationRange:
		o.Range = raw
	case mapping.ObservationStatus:
		o.Status = raw
	}
}

func applyMedication(m *models.Medication, target, col, raw string) error {
	switch target {
	case mapping.MedicationName:
		m.MedicationName = raw
	case mapping.MedicationCode:
		if err := validateCode(terminology.SystemRxNorm, col, raw); err != nil {
			return err
		}
		m.MedicationCode = raw
	case mapping.MedicationDosage:
		m.Dosage = raw
	case mapping.MedicationFrequency:
		m.Frequency = raw
	case mapping.MedicationStart, mapping.MedicationEnd:
		ts, _, err := normalizeTimestamp(col, raw)
		if err != nil {
			return err
		}
		if target == mapping.MedicationStart {
			m.StartDate = ts
		} else {
			m.EndDate = ts
		}
	}
	return nil
}

func applyDiagnosis(d *models.Diagnosis, target, col, raw string) error {
	switch target {
	case mapping.DiagnosisCode:
		code := strings.ToUpper(raw)
		if err := validateCode(terminology.SystemICD10, col, code); err != nil {
			return err
		}
		d.DiagnosisCode = code
	case mapping.DiagnosisName:
		d.DiagnosisName = raw
	case mapping.DiagnosisDate:
		ts, _, err := normalizeTimestamp(col, raw)
		if err != nil {
			return err
		}
		d.DiagnosisDate = ts
	case mapping.DiagnosisStatus:
		d.Status = strings.ToLower(raw)
	case mapping.DiagnosisSeverity:
		d.Severity = strings.ToLower(raw)
	}
	return nil
}

func applyProcedure(p *models.Procedure, target, col, raw string) error {
	switch target {
	case mapping.ProcedureCode:
		code := strings.ToUpper(raw)
		if err := validateCode(terminology.SystemCPT, col, code); err != nil {
			return err
		}
		p.ProcedureCode = code
	case mapping.ProcedureName:
		p.ProcedureName = raw
	case mapping.ProcedureDate:
		ts, _, err := normalizeTimestamp(col, raw)
		if err != nil {
			return err
		}
		p.ProcedureDate = ts
	case mapping.ProcedureProvider:
		p.Provider = raw
	case mapping.ProcedureLocation:
		p.Location = raw
	}
	return nil
}

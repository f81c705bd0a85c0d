package mapping

import (
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

// HL7 segments with a fixed MDF mapping.
var hl7Segments = map[string]string{
	"MSH": "record.header",
	"PID": SectionDemographics,
	"PV1": "record.encounter",
	"OBR": "observation.order",
	"OBX": SectionObservation,
	"RXE": SectionMedications,
	"RXO": SectionMedications,
	"RXA": SectionMedications,
	"DG1": SectionDiagnoses,
	"PR1": SectionProcedures,
	"NTE": SectionNotes,
}

// FHIR resource types with a fixed MDF mapping.
var fhirResources = map[string]string{
	"Patient":             SectionDemographics,
	"Observation":         SectionObservation,
	"MedicationRequest":   SectionMedications,
	"MedicationStatement": SectionMedications,
	"Condition":           SectionDiagnoses,
	"Procedure":           SectionProcedures,
}

// Recognised reports whether a segment name or resource type has a fixed
// mapping for the format.
func Recognised(kind models.FormatKind, sourceType string) bool {
	switch kind {
	case models.FormatHL7:
		_, ok := hl7Segments[sourceType]
		return ok
	case models.FormatFHIR:
		_, ok := fhirResources[sourceType]
		return ok
	}
	return false
}

// Structural maps the segment names (HL7) or resource types (FHIR) present
// in a dataset. Recognised types map at 1.0; the rest are recorded at 0.0
// with a MappingAmbiguous warning.
func (m *Mapper) Structural(kind models.FormatKind, sourceTypes []string) (models.FieldMapping, []string) {
	table := hl7Segments
	if kind == models.FormatFHIR {
		table = fhirResources
	}

	mapping := models.FieldMapping{Format: kind, Entries: make([]models.MappingEntry, 0, len(sourceTypes))}
	var warnings []string
	seen := make(map[string]bool)
	for _, st := range sourceTypes {
		if seen[st] {
			continue
		}
		seen[st] = true
		if target, ok := table[st]; ok {
			mapping.Entries = append(mapping.Entries, models.MappingEntry{
				Source:     st,
				Target:     target,
				Confidence: 1.0,
				Method:     models.MethodStructural,
				DataType:   structuralNoun(kind),
			})
			continue
		}
		mapping.Entries = append(mapping.Entries, models.MappingEntry{Source: st, Method: models.MethodUnmapped})
		warnings = append(warnings, models.Warning(models.KindMappingAmbiguous,
			"%s %s is not recognised; its content is ignored", structuralNoun(kind), st))
	}
	return mapping, warnings
}

func structuralNoun(kind models.FormatKind) string {
	if kind == models.FormatFHIR {
		return "resource type"
	}
	return "segment"
}

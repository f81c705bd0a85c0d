package terminology

import (
	"regexp"
	"strings"
)

// System identifies a clinical coding system.
type System string

const (
	SystemLOINC  System = "LOINC"
	SystemRxNorm System = "RxNorm"
	SystemICD10  System = "ICD-10"
	SystemCPT    System = "CPT"
	SystemSNOMED System = "SNOMED"
)

var codePatterns = map[System]*regexp.Regexp{
	SystemLOINC:  regexp.MustCompile(`^\d{1,7}-\d$`),
	SystemRxNorm: regexp.MustCompile(`^\d{1,8}$`),
	SystemICD10:  regexp.MustCompile(`^[A-TV-Z]\d[0-9A-Z](\.?[0-9A-Z]{1,4})?$`),
	SystemCPT:    regexp.MustCompile(`^\d{4}[0-9FTU]$`),
	SystemSNOMED: regexp.MustCompile(`^\d{6,18}$`),
}

// ValidCode reports whether code is well-formed for the coding system.
func ValidCode(system System, code string) bool {
	re, ok := codePatterns[system]
	if !ok {
		return false
	}
	return re.MatchString(strings.ToUpper(strings.TrimSpace(code)))
}

// SystemFromURI maps FHIR coding system URIs and HL7 coding-system
// identifiers (OBX-3.3 "LN", "I10" ...) to a System.
func SystemFromURI(uri string) (System, bool) {
	u := strings.ToLower(strings.TrimSpace(uri))
	switch {
	case u == "ln" || u == "loinc" || strings.Contains(u, "loinc.org"):
		return SystemLOINC, true
	case u == "rxnorm" || u == "rxn" || strings.Contains(u, "rxnorm"):
		return SystemRxNorm, true
	case u == "i10" || u == "icd10" || u == "icd-10" || u == "i10c" || strings.Contains(u, "icd-10"):
		return SystemICD10, true
	case u == "c4" || u == "cpt" || strings.Contains(u, "ama-assn.org/go/cpt"):
		return SystemCPT, true
	case u == "sct" || u == "sn" || strings.Contains(u, "snomed"):
		return SystemSNOMED, true
	}
	return "", false
}

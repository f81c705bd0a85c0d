package mapping

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/dates"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

// Pattern recognises a sample value as belonging to a target.
type Pattern func(value string) bool

var (
	zipRe   = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	phoneRe = regexp.MustCompile(`^(\+?1[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}$`)
	emailRe = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	ssnRe   = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	urlRe   = regexp.MustCompile(`^(?i)(https?://|www\.)\S+$`)
	bpRe    = regexp.MustCompile(`^\d{2,3}\s*/\s*\d{2,3}$`)
)

var genderValues = map[string]bool{
	"m": true, "f": true, "male": true, "female": true, "u": true, "o": true,
	"other": true, "unknown": true, "non-binary": true, "nonbinary": true, "x": true,
}

func zipPattern(v string) bool   { return zipRe.MatchString(v) }
func phonePattern(v string) bool { return phoneRe.MatchString(v) }
func emailPattern(v string) bool { return emailRe.MatchString(v) }
func ssnPattern(v string) bool   { return ssnRe.MatchString(v) }
func urlPattern(v string) bool   { return urlRe.MatchString(v) }
func ipPattern(v string) bool    { return net.ParseIP(v) != nil }

func genderPattern(v string) bool {
	return genderValues[strings.ToLower(v)]
}

// datePattern rejects bare integers, which parse as compact dates too often.
func datePattern(v string) bool {
	if _, err := strconv.Atoi(v); err == nil {
		return false
	}
	return dates.Parse(v) != nil
}

func bloodPressurePattern(v string) bool {
	if !bpRe.MatchString(v) {
		return false
	}
	parts := strings.Split(v, "/")
	sys, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	dia, _ := strconv.Atoi(strings.TrimSpace(parts[1]))
	return sys > dia && sys <= 300 && dia >= 20
}

func loincPattern(v string) bool { return terminology.ValidCode(terminology.SystemLOINC, v) }

func cptPattern(v string) bool { return terminology.ValidCode(terminology.SystemCPT, v) }

// icd10Pattern requires the dotted form; bare alphanumerics are too loose.
func icd10Pattern(v string) bool {
	return strings.Contains(v, ".") && terminology.ValidCode(terminology.SystemICD10, v)
}

// patternFraction is the share of non-empty samples matching p.
func patternFraction(p Pattern, samples []string) float64 {
	total, hits := 0, 0
	for _, s := range samples {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		total++
		if p(s) {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

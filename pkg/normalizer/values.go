package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mist-health/mdf-pipeline/pkg/common/dates"
	"github.com/mist-health/mdf-pipeline/pkg/hl7"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

// Drop reasons reported in Result.DropReasons.
const (
	ReasonNonNumeric    = "non-numeric value"
	ReasonOutOfRange    = "out-of-range value"
	ReasonBadTimestamp  = "unparseable timestamp"
	ReasonInvalidCode   = "invalid code"
	ReasonEmpty         = "no mapped field populated"
	ReasonBadMessage    = "unparseable message"
	ReasonNoPatient     = "no patient reference"
	ReasonBadJSONRecord = "not a JSON object"
)

// rowError marks a record unit as malformed. Reason is the aggregation key;
// detail only goes to logs.
type rowError struct {
	reason string
	detail string
}

func (e *rowError) Error() string {
	if e.detail == "" {
		return e.reason
	}
	return e.reason + ": " + e.detail
}

func malformed(reason, format string, args ...interface{}) error {
	return &rowError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

var titleCaser = cases.Title(language.English)

func parseNumber(field, raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, malformed(ReasonNonNumeric, "%s=%q", field, raw)
	}
	return v, nil
}

// parseBloodPressure accepts "120/80" or a bare systolic value.
func parseBloodPressure(field, raw string) (float64, []float64, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		sys, err := parseNumber(field, s[:i])
		if err != nil {
			return 0, nil, err
		}
		dia, err := parseNumber(field, s[i+1:])
		if err != nil {
			return 0, nil, err
		}
		return sys, []float64{sys, dia}, nil
	}
	v, err := parseNumber(field, s)
	return v, nil, err
}

// normalizeTimestamp parses a date or HL7 DTM and renders it as ISO 8601.
// Dates without a time of day keep the date-only form.
func normalizeTimestamp(field, raw string) (string, *time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil, nil
	}
	if dates.IsYear(s) {
		t := time.Date(mustAtoi(s), 1, 1, 0, 0, 0, 0, time.UTC)
		return s, &t, nil
	}
	t := dates.Parse(s)
	if t == nil {
		if ts, err := hl7.ParseTimestamp(s); err == nil && isDigits(s[:min(len(s), 8)]) {
			t = &ts
		}
	}
	if t == nil {
		return "", nil, malformed(ReasonBadTimestamp, "%s=%q", field, raw)
	}
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("2006-01-02"), t, nil
	}
	return t.UTC().Format(time.RFC3339), t, nil
}

func normalizeGender(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "":
		return ""
	case "m", "male", "man":
		return "Male"
	case "f", "female", "woman":
		return "Female"
	case "o", "other", "a", "ambiguous":
		return "Other"
	case "u", "unknown", "n", "not applicable", "unk":
		return "Unknown"
	}
	return titleCaser.String(s)
}

func validateCode(system terminology.System, field, code string) error {
	if code == "" {
		return nil
	}
	if !terminology.ValidCode(system, code) {
		return malformed(ReasonInvalidCode, "%s=%q is not a valid %s code", field, code, system)
	}
	return nil
}

// zipDigits returns the leading five digits of a postal code, or "" if the
// value does not start with a US ZIP.
func zipDigits(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) < 3 {
		return ""
	}
	n := 0
	for n < len(s) && n < 5 && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n < 3 {
		return ""
	}
	return s[:n]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mustAtoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

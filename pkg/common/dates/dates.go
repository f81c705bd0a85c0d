// Package dates parses the date spellings found in patient exports.
package dates

import (
	"strings"
	"time"
)

// Common date formats found in EHR and device exports.
var dateFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05Z0700",
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 15:04",
	"1/2/2006 15:04",
	"01-02-2006",
	"2006/01/02",
	"20060102",
	"20060102150405",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"2006-01",
	"2006",
}

// Parse attempts to parse a date string in multiple common formats.
// Returns nil if the input is empty or unparseable.
func Parse(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// IsYear reports whether s is already a bare four-digit year.
func IsYear(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Year generalises a date string to its year. Bare years pass through;
// unparseable input returns false.
func Year(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if IsYear(s) {
		return s, true
	}
	t := Parse(s)
	if t == nil {
		return "", false
	}
	return t.Format("2006"), true
}

package dlp

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Rule is one identifier pattern. Matching spans are deleted from free text.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type RulesConfig struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}

	if len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no DLP rules configured")
	}

	return cfg, nil
}

// DefaultRules covers the Safe Harbor identifiers that show up in clinical
// free text. configs/dlp-rules.yaml carries the same set. Order matters: longer shapes go first so a date is not eaten as
// a ZIP or an SSN as a phone number.
func DefaultRules() RulesConfig {
	return RulesConfig{Rules: []Rule{
		{Name: "Email", Type: "email", Pattern: `(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`, Enabled: true},
		{Name: "URL", Type: "url", Pattern: `(?i)\b(?:https?://|www\.)[^\s<>"]+`, Enabled: true},
		{Name: "IP", Type: "ip_address", Pattern: `\b(?:\d{1,3}\.){3}\d{1,3}\b`, Enabled: true},
		{Name: "SSN", Type: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Enabled: true},
		{Name: "MRN", Type: "mrn", Pattern: `(?i)\b(?:mrn|medical record(?: number)?|chart)\s*(?:#|no\.?|number)?\s*[:#]?\s*[a-z0-9-]*\d[a-z0-9-]*`, Enabled: true},
		{Name: "ISODate", Type: "date", Pattern: `\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)?\b`, Enabled: true},
		{Name: "NumericDate", Type: "date", Pattern: `\b\d{1,2}/\d{1,2}/\d{2,4}\b|\b\d{1,2}-\d{1,2}-\d{4}\b`, Enabled: true},
		{Name: "WrittenDate", Type: "date", Pattern: `(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`, Enabled: true},
		{Name: "Fax", Type: "fax", Pattern: `(?i)\bfax\s*(?:no\.?|number)?\s*[:#]?\s*(?:\+?1[\s.-]?)?(?:\(\d{3}\)\s?|\d{3}[\s.-])\d{3}[\s.-]\d{4}\b`, Enabled: true},
		{Name: "Phone", Type: "phone", Pattern: `(?:\+?1[\s.-]?)?(?:\(\d{3}\)\s?|\b\d{3}[\s.-])\d{3}[\s.-]\d{4}\b`, Enabled: true},
		{Name: "ZIP", Type: "zip", Pattern: `\b\d{5}(?:-\d{4})?\b`, Enabled: true},
		{Name: "TitledName", Type: "name", Pattern: `\b(?:Mr|Mrs|Ms|Miss|Dr|Prof)\.?\s+[A-Z][a-zA-Z'-]+(?:\s+[A-Z][a-zA-Z'-]+)?`, Enabled: true},
	}}
}

// Package dlp removes identifiers from clinical free text.
package dlp

import (
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Finding is one identifier span found in a text.
type Finding struct {
	Type  string
	Start int
	End   int
}

// Scrubber strips markup and deletes identifier spans. It is safe for
// concurrent use.
type Scrubber struct {
	rules  []compiledRule
	policy *bluemonday.Policy
}

func NewScrubber(cfg RulesConfig) (*Scrubber, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Scrubber{rules: compiled, policy: bluemonday.StrictPolicy()}, nil
}

// Scrub returns text with markup stripped and every identifier span removed,
// including any of the given name tokens. Spans are deleted, not masked.
func (s *Scrubber) Scrub(text string, nameTokens []string) string {
	if s == nil || strings.TrimSpace(text) == "" {
		return strings.TrimSpace(text)
	}
	out := s.stripMarkup(text)
	for _, r := range s.rules {
		out = r.re.ReplaceAllString(out, " ")
	}
	if re := nameRegexp(nameTokens); re != nil {
		out = re.ReplaceAllString(out, " ")
	}
	return collapse(out)
}

// Find reports the identifier spans in text without modifying it.
func (s *Scrubber) Find(text string, nameTokens []string) []Finding {
	if s == nil {
		return nil
	}
	var findings []Finding
	for _, r := range s.rules {
		for _, m := range r.re.FindAllStringIndex(text, -1) {
			findings = append(findings, Finding{Type: r.rule.Type, Start: m[0], End: m[1]})
		}
	}
	if re := nameRegexp(nameTokens); re != nil {
		for _, m := range re.FindAllStringIndex(text, -1) {
			findings = append(findings, Finding{Type: "name", Start: m[0], End: m[1]})
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })
	return findings
}

func (s *Scrubber) stripMarkup(text string) string {
	if !strings.ContainsAny(text, "<&") {
		return text
	}
	return html.UnescapeString(s.policy.Sanitize(text))
}

// nameRegexp matches any of the tokens as a whole word, ignoring case.
// Single letters are skipped.
func nameRegexp(tokens []string) *regexp.Regexp {
	var alts []string
	for _, t := range tokens {
		if len([]rune(t)) < 2 {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(t))
	}
	if len(alts) == 0 {
		return nil
	}
	// Longest first so "Anna" wins over "Ann".
	sort.Slice(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

func collapse(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, " ,", ",")
	s = strings.ReplaceAll(s, " .", ".")
	return strings.TrimSpace(s)
}

package dlp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestScrubber(t *testing.T) *Scrubber {
	t.Helper()
	s, err := NewScrubber(DefaultRules())
	if err != nil {
		t.Fatalf("failed to create scrubber: %v", err)
	}
	return s
}

func TestScrubRemovesIdentifiers(t *testing.T) {
	s := newTestScrubber(t)
	text := "Seen by Dr. Smith on 03/14/2024. Call 555-123-4567 or mail john@example.com, SSN 123-45-6789, lives in 94107."
	out := s.Scrub(text, nil)
	for _, leaked := range []string{"Smith", "03/14/2024", "555-123-4567", "john@example.com", "123-45-6789", "94107"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("expected %q to be removed, got %q", leaked, out)
		}
	}
	if strings.Contains(out, "*") || strings.Contains(out, "#") {
		t.Fatalf("spans must be deleted, not masked: %q", out)
	}
	if !strings.HasPrefix(out, "Seen by on") {
		t.Fatalf("unexpected remaining text %q", out)
	}
}

func TestScrubStripsMarkup(t *testing.T) {
	s := newTestScrubber(t)
	out := s.Scrub("<p>BP stable &amp; improving</p><script>alert(1)</script>", nil)
	if out != "BP stable & improving" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := s.Scrub("LDL <130 mg/dL", nil); got != "LDL <130 mg/dL" {
		t.Fatalf("comparison operators must survive, got %q", got)
	}
}

func TestScrubRemovesNameTokens(t *testing.T) {
	s := newTestScrubber(t)
	out := s.Scrub("Jane reports that jane's mother Doe has asthma", []string{"Jane", "Doe", "J"})
	if strings.Contains(strings.ToLower(out), "jane") || strings.Contains(out, "Doe") {
		t.Fatalf("name tokens not removed: %q", out)
	}
	if !strings.Contains(out, "asthma") {
		t.Fatalf("clinical text lost: %q", out)
	}
}

func TestScrubIdempotent(t *testing.T) {
	s := newTestScrubber(t)
	once := s.Scrub("MRN: A12345 admitted 2024-02-01 via www.example.org", []string{"Lee"})
	if twice := s.Scrub(once, []string{"Lee"}); twice != once {
		t.Fatalf("scrub not idempotent: %q vs %q", once, twice)
	}
	if len(s.Find(once, nil)) != 0 {
		t.Fatalf("identifiers left after scrub: %q", once)
	}
}

func TestFindReportsTypes(t *testing.T) {
	s := newTestScrubber(t)
	findings := s.Find("ssn 123-45-6789 ip 10.0.0.1", nil)
	types := map[string]bool{}
	for _, f := range findings {
		types[f.Type] = true
	}
	if !types["ssn"] || !types["ip_address"] {
		t.Fatalf("unexpected findings %+v", findings)
	}
}

func TestLoadRulesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "rules:\n  - name: Badge\n    type: badge\n    pattern: 'BADGE-\\d+'\n    enabled: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	cfg, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	s, err := NewScrubber(cfg)
	if err != nil {
		t.Fatalf("new scrubber: %v", err)
	}
	if got := s.Scrub("badge BADGE-991 scanned", nil); got != "badge scanned" {
		t.Fatalf("unexpected output %q", got)
	}
	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestShippedRulesMatchDefaults(t *testing.T) {
	cfg, err := LoadRules(filepath.Join("..", "..", "configs", "dlp-rules.yaml"))
	if err != nil {
		t.Fatalf("load shipped rules: %v", err)
	}
	want := DefaultRules().Rules
	if len(cfg.Rules) != len(want) {
		t.Fatalf("shipped file has %d rules, defaults have %d", len(cfg.Rules), len(want))
	}
	for i := range want {
		if cfg.Rules[i] != want[i] {
			t.Fatalf("rule %d differs:\nfile:    %+v\ndefault: %+v", i, cfg.Rules[i], want[i])
		}
	}
	if _, err := NewScrubber(cfg); err != nil {
		t.Fatalf("shipped rules do not compile: %v", err)
	}
}

func TestDefaultRulesFindTypes(t *testing.T) {
	s, err := NewScrubber(DefaultRules())
	if err != nil {
		t.Fatalf("new scrubber: %v", err)
	}
	tests := []struct {
		text, typ string
	}{
		{"fax: (415) 555-0199", "fax"},
		{"call 415-555-0100", "phone"},
		{"seen by Dr. O'Neil", "name"},
		{"MRN 00123456", "mrn"},
		{"from 10.0.0.12", "ip_address"},
		{"on March 3, 2021", "date"},
	}
	for _, tt := range tests {
		findings := s.Find(tt.text, nil)
		if len(findings) == 0 || findings[0].Type != tt.typ {
			t.Errorf("Find(%q) = %+v, want first finding of type %s", tt.text, findings, tt.typ)
		}
	}
}

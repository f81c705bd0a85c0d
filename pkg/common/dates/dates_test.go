package dates

import "testing"

func TestParse(t *testing.T) {
	inputs := []string{
		"2024-03-15",
		"2024-03-15T10:30:00Z",
		"2024-03-15T10:30:00.123+02:00",
		"03/15/2024",
		"3/15/2024",
		"2024/03/15",
		"20240315",
		"Mar 15, 2024",
	}
	for _, in := range inputs {
		got := Parse(in)
		if got == nil {
			t.Fatalf("%q: expected a date", in)
		}
		if got.Year() != 2024 {
			t.Fatalf("%q: expected 2024, got %d", in, got.Year())
		}
	}
	if Parse("") != nil || Parse("not a date") != nil {
		t.Fatal("expected nil for unparseable input")
	}
}

func TestYear(t *testing.T) {
	cases := map[string]string{
		"2024":       "2024",
		"1999-12-31": "1999",
		"12/31/1999": "1999",
	}
	for in, want := range cases {
		got, ok := Year(in)
		if !ok || got != want {
			t.Fatalf("Year(%q) = %q %v, want %q", in, got, ok, want)
		}
	}
	if _, ok := Year("soon"); ok {
		t.Fatal("expected failure for unparseable input")
	}
}

func TestParseReducedPrecision(t *testing.T) {
	tests := []struct {
		in          string
		year, month int
	}{
		{"1950", 1950, 1},
		{"1950-03", 1950, 3},
		{" 2001 ", 2001, 1},
	}
	for _, tt := range tests {
		got := Parse(tt.in)
		if got == nil {
			t.Fatalf("%q: expected a date", tt.in)
		}
		if got.Year() != tt.year || int(got.Month()) != tt.month {
			t.Fatalf("%q: got %v", tt.in, got)
		}
	}
	if Parse("195") != nil || Parse("19500") != nil {
		t.Fatal("expected nil for digit runs that are not years")
	}
}

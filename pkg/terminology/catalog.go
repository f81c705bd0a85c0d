package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Range is a physiologically plausible value interval.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

func (r *Range) Contains(v float64) bool {
	if r == nil {
		return true
	}
	return v >= r.Min && v <= r.Max
}

type Concept struct {
	Display  string   `yaml:"display" json:"display"`
	SNOMED   string   `yaml:"snomed" json:"snomed"`
	LOINC    string   `yaml:"loinc" json:"loinc"`
	AltLOINC []string `yaml:"alt_loinc" json:"alt_loinc,omitempty"`
	ICD10    string   `yaml:"icd10" json:"icd10"`
	RxNorm   string   `yaml:"rxnorm" json:"rxnorm,omitempty"`
	CPT      string   `yaml:"cpt" json:"cpt,omitempty"`
	// Vital marks concepts recorded as vital signs rather than lab results.
	Vital    bool     `yaml:"vital" json:"vital"`
	Unit     string   `yaml:"unit" json:"unit,omitempty"`
	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`
	Range    *Range   `yaml:"range" json:"range,omitempty"`
}

type Catalog struct {
	Concepts map[string]Concept `yaml:"concepts" json:"concepts"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Concepts) == 0 {
		return Catalog{}, fmt.Errorf("terminology catalog empty")
	}
	return cat, nil
}

func (c Catalog) Lookup(key string) (Concept, bool) {
	_, concept, ok := c.lookup(key)
	return concept, ok
}

func (c Catalog) lookup(key string) (string, Concept, bool) {
	if c.Concepts == nil {
		return "", Concept{}, false
	}
	lower := strings.ToLower(key)
	if concept, ok := c.Concepts[lower]; ok {
		return lower, concept, true
	}
	for k, v := range c.Concepts {
		if strings.EqualFold(k, key) || strings.EqualFold(v.Display, key) {
			return k, v, true
		}
	}
	return "", Concept{}, false
}

// LookupCode finds the concept carrying code in any coding system.
func (c Catalog) LookupCode(code string) (string, Concept, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", Concept{}, false
	}
	for k, v := range c.Concepts {
		if v.LOINC == code || v.ICD10 == code || v.RxNorm == code || v.CPT == code || v.SNOMED == code {
			return k, v, true
		}
		for _, alt := range v.AltLOINC {
			if alt == code {
				return k, v, true
			}
		}
	}
	return "", Concept{}, false
}

// Classify resolves an observation to a catalog concept by code first, then
// by keyword in its name. The longest keyword wins so that "diastolic blood
// pressure" is not mistaken for a shorter match.
func (c Catalog) Classify(name, code string) (string, Concept, bool) {
	if key, concept, ok := c.LookupCode(code); ok {
		return key, concept, true
	}
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return "", Concept{}, false
	}
	if key, concept, ok := c.lookup(lower); ok {
		return key, concept, true
	}

	var (
		bestKey     string
		bestConcept Concept
		bestLen     int
	)
	for k, v := range c.Concepts {
		for _, kw := range v.Keywords {
			if len(kw) > bestLen && containsWord(lower, kw) {
				bestKey, bestConcept, bestLen = k, v, len(kw)
			}
		}
	}
	return bestKey, bestConcept, bestLen > 0
}

// VitalKind returns the vital sign type for an observation name/code, or
// false when the observation is not a vital sign.
func (c Catalog) VitalKind(name, code string) (string, bool) {
	key, concept, ok := c.Classify(name, code)
	if !ok || !concept.Vital {
		return "", false
	}
	return key, true
}

// Plausible reports whether v lies in the concept's physiological range.
// Unknown concepts are always plausible.
func (c Catalog) Plausible(key string, v float64) bool {
	concept, ok := c.Concepts[key]
	if !ok {
		return true
	}
	return concept.Range.Contains(v)
}

func containsWord(haystack, needle string) bool {
	idx := strings.Index(haystack, needle)
	for idx >= 0 {
		before := idx == 0 || !isWordByte(haystack[idx-1])
		end := idx + len(needle)
		after := end == len(haystack) || !isWordByte(haystack[end])
		if before && after {
			return true
		}
		next := strings.Index(haystack[idx+1:], needle)
		if next < 0 {
			return false
		}
		idx += next + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func DefaultCatalog() Catalog {
	return Catalog{Concepts: map[string]Concept{
		"blood_pressure": {
			Display:  "Blood Pressure",
			SNOMED:   "75367002",
			LOINC:    "85354-9",
			AltLOINC: []string{"8480-6", "55284-4"},
			ICD10:    "I10",
			Vital:    true,
			Unit:     "mmHg",
			Keywords: []string{"blood pressure", "bp", "systolic", "systolic bp", "sbp"},
			Range:    &Range{Min: 40, Max: 300},
		},
		"diastolic_blood_pressure": {
			Display:  "Diastolic Blood Pressure",
			LOINC:    "8462-4",
			Vital:    true,
			Unit:     "mmHg",
			Keywords: []string{"diastolic", "diastolic bp", "dbp", "diastolic blood pressure"},
			Range:    &Range{Min: 20, Max: 200},
		},
		"heart_rate": {
			Display:  "Heart Rate",
			SNOMED:   "364075005",
			LOINC:    "8867-4",
			Vital:    true,
			Unit:     "bpm",
			Keywords: []string{"heart rate", "hr", "pulse", "pulse rate"},
			Range:    &Range{Min: 20, Max: 300},
		},
		"temperature": {
			Display:  "Body Temperature",
			SNOMED:   "386725007",
			LOINC:    "8310-5",
			Vital:    true,
			Unit:     "°C",
			Keywords: []string{"temperature", "temp", "body temperature"},
			// Covers both Celsius and Fahrenheit readings.
			Range: &Range{Min: 25, Max: 115},
		},
		"respiratory_rate": {
			Display:  "Respiratory Rate",
			SNOMED:   "86290005",
			LOINC:    "9279-1",
			Vital:    true,
			Unit:     "/min",
			Keywords: []string{"respiratory rate", "resp rate", "rr", "breathing rate"},
			Range:    &Range{Min: 2, Max: 80},
		},
		"oxygen_saturation": {
			Display:  "Oxygen Saturation",
			SNOMED:   "431314004",
			LOINC:    "2708-6",
			AltLOINC: []string{"59408-5"},
			Vital:    true,
			Unit:     "%",
			Keywords: []string{"oxygen saturation", "spo2", "o2 sat", "o2 saturation", "sao2"},
			Range:    &Range{Min: 40, Max: 100},
		},
		"weight": {
			Display:  "Body Weight",
			SNOMED:   "27113001",
			LOINC:    "29463-7",
			Vital:    true,
			Unit:     "kg",
			Keywords: []string{"weight", "body weight", "wt"},
			Range:    &Range{Min: 0.2, Max: 700},
		},
		"height": {
			Display:  "Body Height",
			SNOMED:   "50373000",
			LOINC:    "8302-2",
			Vital:    true,
			Unit:     "cm",
			Keywords: []string{"height", "body height", "ht"},
			Range:    &Range{Min: 8, Max: 280},
		},
		"bmi": {
			Display:  "Body Mass Index",
			SNOMED:   "60621009",
			LOINC:    "39156-5",
			Vital:    true,
			Unit:     "kg/m2",
			Keywords: []string{"bmi", "body mass index"},
			Range:    &Range{Min: 5, Max: 150},
		},
		"blood_glucose": {
			Display:  "Blood Glucose",
			SNOMED:   "271062007",
			LOINC:    "2339-0",
			AltLOINC: []string{"2345-7"},
			ICD10:    "R73.9",
			Unit:     "mg/dL",
			Keywords: []string{"glucose", "blood glucose", "blood sugar"},
			Range:    &Range{Min: 5, Max: 2000},
		},
		"hba1c": {
			Display:  "Hemoglobin A1c",
			LOINC:    "4548-4",
			Unit:     "%",
			Keywords: []string{"hba1c", "a1c", "hemoglobin a1c", "glycated hemoglobin"},
			Range:    &Range{Min: 2, Max: 25},
		},
		"total_cholesterol": {
			Display:  "Cholesterol",
			LOINC:    "2093-3",
			Unit:     "mg/dL",
			Keywords: []string{"cholesterol", "total cholesterol"},
			Range:    &Range{Min: 20, Max: 1500},
		},
	}}
}

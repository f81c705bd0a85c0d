package terminology

import "strings"

var unitAliases = map[string]string{
	"f":          "°F",
	"°f":         "°F",
	"degf":       "°F",
	"fahrenheit": "°F",
	"[degf]":     "°F",
	"c":          "°C",
	"°c":         "°C",
	"degc":       "°C",
	"cel":        "°C",
	"celsius":    "°C",
	"lb":         "lbs",
	"lbs":        "lbs",
	"pound":      "lbs",
	"pounds":     "lbs",
	"[lb_av]":    "lbs",
	"kg":         "kg",
	"kilogram":   "kg",
	"kilograms":  "kg",
	"cm":         "cm",
	"centimeter": "cm",
	"in":         "in",
	"inch":       "in",
	"inches":     "in",
	"[in_i]":     "in",
	"mmhg":       "mmHg",
	"mm hg":      "mmHg",
	"mm[hg]":     "mmHg",
	"bpm":        "bpm",
	"/min":       "/min",
	"beats/min":  "bpm",
	"mg/dl":      "mg/dL",
	"mmol/l":     "mmol/L",
	"%":          "%",
	"percent":    "%",
	"kg/m2":      "kg/m2",
}

// StandardizeUnit maps common unit spellings to a canonical form. Unknown
// units are returned trimmed but otherwise unchanged.
func StandardizeUnit(unit string) string {
	trimmed := strings.TrimSpace(unit)
	if canonical, ok := unitAliases[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return trimmed
}

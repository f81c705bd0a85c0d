// Package mapping infers how source fields map onto the canonical MDF schema.
package mapping

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/dates"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

const (
	DefaultMinConfidence = 0.5

	synonymScore   = 0.9
	fuzzyThreshold = 0.75
	fuzzyWeight    = 0.85
	patternWeight  = 0.8
	tieMargin      = 0.05
	maxSamples     = 3
	maxCategoryLen = 24
)

type Mapper struct {
	catalog       *Catalog
	minConfidence float64
}

func NewMapper(catalog *Catalog, minConfidence float64) *Mapper {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Mapper{catalog: catalog, minConfidence: minConfidence}
}

func (m *Mapper) Catalog() *Catalog {
	return m.catalog
}

type candidate struct {
	target Target
	score  float64
	method models.MappingMethod
}

// Infer scores every source column against the target catalog and assigns
// each target to at most one column. The returned warnings are
// MappingAmbiguous messages for columns left unmapped.
func (m *Mapper) Infer(columns []string, samples map[string][]string) (models.FieldMapping, []string) {
	ranked := make([][]candidate, len(columns))
	ambiguous := make([]bool, len(columns))
	for i, col := range columns {
		ranked[i] = m.rank(col, samples[col])
		if len(ranked[i]) >= 2 && ranked[i][0].score-ranked[i][1].score < tieMargin && ranked[i][0].score < 1.0 {
			ambiguous[i] = true
		}
	}

	type claim struct {
		col  int
		rank int
		cand candidate
	}
	var claims []claim
	for i, cands := range ranked {
		if ambiguous[i] {
			continue
		}
		for r, c := range cands {
			claims = append(claims, claim{col: i, rank: r, cand: c})
		}
	}
	sort.SliceStable(claims, func(a, b int) bool {
		if claims[a].cand.score != claims[b].cand.score {
			return claims[a].cand.score > claims[b].cand.score
		}
		if claims[a].col != claims[b].col {
			return claims[a].col < claims[b].col
		}
		return claims[a].rank < claims[b].rank
	})

	assigned := make([]*candidate, len(columns))
	claimed := make(map[string]bool)
	for _, cl := range claims {
		if assigned[cl.col] != nil {
			continue
		}
		if claimed[cl.cand.target.Name] && !cl.cand.target.Multi {
			continue
		}
		c := cl.cand
		assigned[cl.col] = &c
		claimed[c.target.Name] = true
	}

	mapping := models.FieldMapping{Entries: make([]models.MappingEntry, 0, len(columns))}
	var warnings []string
	for i, col := range columns {
		if c := assigned[i]; c != nil {
			mapping.Entries = append(mapping.Entries, models.MappingEntry{
				Source:         col,
				Target:         c.target.Name,
				Confidence:     round2(c.score),
				Method:         c.method,
				DataType:       c.target.DataType,
				Transformation: c.target.Transformation,
				SampleValues:   safeSamples(c.target, samples[col]),
			})
			continue
		}

		entry := models.MappingEntry{Source: col, Method: models.MethodUnmapped}
		switch {
		case ambiguous[i]:
			a, b := ranked[i][0], ranked[i][1]
			warnings = append(warnings, models.Warning(models.KindMappingAmbiguous,
				"column %q matches %s (%.2f) and %s (%.2f) equally well; left unmapped",
				col, a.target.Name, a.score, b.target.Name, b.score))
		case len(ranked[i]) > 0:
			warnings = append(warnings, models.Warning(models.KindMappingAmbiguous,
				"column %q lost every candidate target to better-matching columns; left unmapped", col))
		default:
			warnings = append(warnings, models.Warning(models.KindMappingAmbiguous,
				"column %q has no candidate target above %.2f; left unmapped", col, m.minConfidence))
		}
		mapping.Entries = append(mapping.Entries, entry)
	}
	return mapping, warnings
}

// rank returns the candidate targets for one column at or above the
// acceptance threshold, best first, one entry per target.
func (m *Mapper) rank(column string, samples []string) []candidate {
	folded := Fold(column)
	if folded == "" {
		return nil
	}
	compact := strings.ReplaceAll(folded, "_", "")

	if t, ok := m.catalog.exact(folded); ok {
		return []candidate{{target: t, score: 1.0, method: models.MethodExact}}
	}
	// Flattened JSON paths ("patient.dob") also match on their last segment.
	leaf := ""
	if i := strings.LastIndexByte(column, '.'); i >= 0 && i < len(column)-1 {
		leaf = Fold(column[i+1:])
	}

	person := namesPerson(folded)
	best := make(map[string]candidate)
	consider := func(c candidate) {
		if c.score < m.minConfidence {
			return
		}
		if cur, ok := best[c.target.Name]; !ok || c.score > cur.score {
			best[c.target.Name] = c
		}
	}

	for _, t := range m.catalog.targets {
		names := append([]string{t.Field()}, t.Synonyms...)
		fuzzy := 0.0
		for _, n := range names {
			fn := Fold(n)
			if fn == folded || fn == leaf || strings.ReplaceAll(fn, "_", "") == compact {
				consider(candidate{target: t, score: synonymScore, method: models.MethodSynonym})
				fuzzy = 0
				break
			}
			if s := similarity(folded, fn); s > fuzzy {
				fuzzy = s
			}
		}
		if fuzzy >= fuzzyThreshold && (!person || t.Identity()) {
			consider(candidate{target: t, score: fuzzy * fuzzyWeight, method: models.MethodFuzzy})
		}
		if t.Pattern != nil && len(samples) > 0 {
			if frac := patternFraction(t.Pattern, samples); frac > 0 {
				consider(candidate{target: t, score: frac * patternWeight, method: models.MethodPattern})
			}
		}
	}

	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].target.Name < out[j].target.Name
	})
	return out
}

// personTokens mark a column that holds a person's name or a relation of
// the patient. Such columns only match identity targets by similarity.
var personTokens = map[string]bool{
	"name": true, "guardian": true, "kin": true, "nok": true, "spouse": true,
	"mother": true, "father": true, "parent": true, "contact": true,
	"caregiver": true, "relative": true, "emergency": true, "maiden": true,
}

func namesPerson(folded string) bool {
	for _, tok := range strings.Split(folded, "_") {
		if personTokens[tok] {
			return true
		}
	}
	return false
}

// safeSamples keeps a few example values for the mapping table. Identifier,
// demographic and free-text targets never carry samples. Dates are reduced to
// years, numbers must parse and codes must fit the target's code pattern.
func safeSamples(t Target, samples []string) []string {
	switch t.DataType {
	case TypeNumber, TypeCode, TypeCategory, TypeDate:
	default:
		return nil
	}
	if t.Identity() || t.Section() == SectionDemographics {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range samples {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		switch t.DataType {
		case TypeDate:
			y, ok := dates.Year(s)
			if !ok {
				continue
			}
			s = y
		case TypeNumber:
			if t.Transformation == TransformBloodPress && bpRe.MatchString(s) {
				break
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			s = strconv.FormatFloat(v, 'f', -1, 64)
		case TypeCode:
			if t.Pattern != nil && !t.Pattern(s) {
				continue
			}
		case TypeCategory:
			if !plainCategory(s) {
				continue
			}
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == maxSamples {
			break
		}
	}
	return out
}

// plainCategory accepts short labels such as units and status flags. Digit
// runs long enough to be an identifier are refused.
func plainCategory(s string) bool {
	if len([]rune(s)) > maxCategoryLen || strings.ContainsAny(s, "@<>") {
		return false
	}
	run := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			run++
			if run > 2 {
				return false
			}
			continue
		}
		run = 0
	}
	return true
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

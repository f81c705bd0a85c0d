// Package scoring computes mapping-weighted completeness scores.
package scoring

import "github.com/mist-health/mdf-pipeline/pkg/common/models"

// Score is the dataset confidence plus, per source field, the share of
// normalized records it populated weighted by its mapping confidence.
type Score struct {
	Dataset  float64            `json:"dataset"`
	PerField map[string]float64 `json:"per_field"`
}

// Scorer accumulates record completeness chunk by chunk.
type Scorer struct {
	expected []models.MappingEntry
	sum      float64
	records  int
	hits     map[string]int
}

// New builds a scorer for a mapping. Every entry, mapped or not, counts
// towards the expected fields.
func New(fm models.FieldMapping) *Scorer {
	return &Scorer{expected: fm.Entries, hits: make(map[string]int)}
}

// Record returns the completeness of one record in [0,1].
func (s *Scorer) Record(rec *models.Record) float64 {
	if len(s.expected) == 0 || rec == nil {
		return 0
	}
	covered := make(map[string]struct{}, len(rec.Coverage))
	for _, c := range rec.Coverage {
		covered[c] = struct{}{}
	}
	total := 0.0
	for _, e := range s.expected {
		if _, ok := covered[e.Source]; ok {
			total += e.Confidence
		}
	}
	return clamp(total / float64(len(s.expected)))
}

// Add folds a batch of records into the running score.
func (s *Scorer) Add(records []*models.Record) {
	for _, rec := range records {
		s.sum += s.Record(rec)
		s.records++
		for _, c := range rec.Coverage {
			s.hits[c]++
		}
	}
}

// Result computes the dataset score given the total number of source units
// and how many of them normalized.
func (s *Scorer) Result(total, normalized int) Score {
	score := Score{PerField: make(map[string]float64, len(s.expected))}
	if s.records > 0 {
		for _, e := range s.expected {
			score.PerField[e.Source] = round(clamp(e.Confidence * float64(s.hits[e.Source]) / float64(s.records)))
		}
	}
	if total <= 0 || s.records == 0 {
		return score
	}
	mean := s.sum / float64(s.records)
	score.Dataset = round(clamp(mean * float64(normalized) / float64(total)))
	return score
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

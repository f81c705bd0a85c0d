package scoring

import (
	"testing"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

func mappingOf(conf ...float64) models.FieldMapping {
	fm := models.FieldMapping{Format: models.FormatCSV}
	for i, c := range conf {
		fm.Entries = append(fm.Entries, models.MappingEntry{Source: string(rune('a' + i)), Target: "x", Confidence: c, Method: models.MethodExact})
	}
	return fm
}

func TestPerfectDatasetScoresOne(t *testing.T) {
	s := New(mappingOf(1, 1))
	s.Add([]*models.Record{{Coverage: []string{"a", "b"}}, {Coverage: []string{"a", "b"}}})
	got := s.Result(2, 2)
	if got.Dataset != 1.0 {
		t.Fatalf("expected 1.0, got %v", got.Dataset)
	}
	if got.PerField["a"] != 1.0 {
		t.Fatalf("unexpected per-field %v", got.PerField)
	}
}

func TestScoreWeightsConfidenceAndLoss(t *testing.T) {
	s := New(mappingOf(1, 0.5))
	s.Add([]*models.Record{{Coverage: []string{"a", "b"}}})
	s.Add([]*models.Record{{Coverage: []string{"a"}}})
	// completeness: (0.75 + 0.5) / 2 = 0.625; 2 of 5 rows survived
	got := s.Result(5, 2)
	if got.Dataset != 0.25 {
		t.Fatalf("expected 0.25, got %v", got.Dataset)
	}
	if got.PerField["b"] != 0.25 {
		t.Fatalf("expected 0.25 for b, got %v", got.PerField["b"])
	}
}

func TestEmptyDatasetScoresZero(t *testing.T) {
	s := New(mappingOf(1))
	if got := s.Result(0, 0); got.Dataset != 0 {
		t.Fatalf("expected 0, got %v", got.Dataset)
	}
	s = New(models.FieldMapping{})
	s.Add([]*models.Record{{Coverage: []string{"a"}}})
	if got := s.Result(1, 1); got.Dataset != 0 {
		t.Fatalf("expected 0 with no expected fields, got %v", got.Dataset)
	}
}

func TestScoreBounded(t *testing.T) {
	s := New(mappingOf(1))
	s.Add([]*models.Record{{Coverage: []string{"a", "a", "zzz"}}})
	if got := s.Result(1, 5); got.Dataset < 0 || got.Dataset > 1 {
		t.Fatalf("score out of bounds: %v", got.Dataset)
	}
}

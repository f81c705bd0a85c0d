package dataset

import (
	"context"
	"errors"
	"testing"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	meta := &models.DatasetMetadata{ID: "ds1", Filename: "a.csv"}
	if err := s.Create(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkProcessing(ctx, "ds1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	got, _ := s.Get(ctx, "ds1")
	if got.Status != models.StatusProcessing {
		t.Fatalf("expected processing, got %q", got.Status)
	}

	meta.Status = models.StatusNormalized
	meta.NormalizedRecords = 1
	recs := []*models.Record{{PatientID: "pt_1", Vitals: []models.Vital{{VitalType: "heart_rate", Value: 70}}}}
	if err := s.WriteResult(ctx, meta, recs); err != nil {
		t.Fatalf("write: %v", err)
	}
	if meta.RecordSetID == "" {
		t.Fatal("expected a record set id")
	}
	recs[0].PatientID = "mutated"
	stored, err := s.Records(ctx, "ds1")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(stored) != 1 || stored[0].PatientID != "pt_1" {
		t.Fatalf("unexpected records %+v", stored)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.MarkFailed(context.Background(), "nope", "x", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreInjectedFailures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, &models.DatasetMetadata{ID: "ds1"})
	s.FailWrites = 1
	meta := &models.DatasetMetadata{ID: "ds1", Status: models.StatusNormalized}
	if err := s.WriteResult(ctx, meta, nil); err == nil {
		t.Fatal("expected injected failure")
	}
	if err := s.WriteResult(ctx, meta, nil); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, _ := s.Get(ctx, "ds1")
	if got.Status != models.StatusNormalized || s.WriteCalls != 2 {
		t.Fatalf("unexpected state %+v after %d writes", got, s.WriteCalls)
	}
}

package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/ingestion"
)

func TestEventsThatCannotRunMarkDatasetFailed(t *testing.T) {
	tests := []struct {
		name   string
		handle func(s *NormalizerService, ctx context.Context, e models.Event) error
		event  models.Event
		reason string
	}{
		{
			name: "undecodable payload",
			handle: func(s *NormalizerService, ctx context.Context, e models.Event) error {
				return s.processEvent(ctx, e)
			},
			event: models.Event{ID: "e1", Type: ingestion.EventDatasetSubmitted, Data: map[string]interface{}{
				"dataset_id": "ds-1", "data": "%%% not base64",
			}},
			reason: "InternalError: job event could not be decoded",
		},
		{
			name: "consumer gave up",
			handle: func(s *NormalizerService, ctx context.Context, e models.Event) error {
				s.giveUp(ctx, e, errors.New("mark processing: connection refused"))
				return nil
			},
			event:  models.Event{ID: "e2", Type: ingestion.EventDatasetSubmitted, Data: map[string]interface{}{"dataset_id": "ds-1"}},
			reason: "InternalError: job could not be started: mark processing: connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := dataset.NewMemoryStore()
			ctx := context.Background()
			if err := store.Create(ctx, &models.DatasetMetadata{ID: "ds-1", Filename: "a.csv"}); err != nil {
				t.Fatalf("create: %v", err)
			}
			s := &NormalizerService{store: store}
			if err := tt.handle(s, ctx, tt.event); err != nil {
				t.Fatalf("handle: %v", err)
			}
			meta, err := store.Get(ctx, "ds-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if meta.Status != models.StatusFailed || !strings.HasPrefix(meta.Reason, tt.reason) {
				t.Fatalf("expected failed with %q, got %s %q", tt.reason, meta.Status, meta.Reason)
			}
		})
	}
}

func TestGiveUpIgnoresEventsWithoutDataset(t *testing.T) {
	s := &NormalizerService{store: dataset.NewMemoryStore()}
	s.giveUp(context.Background(), models.Event{ID: "e3", Data: map[string]interface{}{}}, errors.New("boom"))
}

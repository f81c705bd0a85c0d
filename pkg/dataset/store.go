// Package dataset persists dataset metadata and normalized record sets.
package dataset

import (
	"context"
	"errors"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

var ErrNotFound = errors.New("dataset not found")

// Store is the dataset lifecycle persistence. WriteResult is atomic: either
// the metadata and every record of the new record set are stored, or nothing
// is.
type Store interface {
	Create(ctx context.Context, meta *models.DatasetMetadata) error
	MarkProcessing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string, warnings []string) error
	WriteResult(ctx context.Context, meta *models.DatasetMetadata, records []*models.Record) error
	Get(ctx context.Context, id string) (*models.DatasetMetadata, error)
	// Records returns the dataset's current record set in source order.
	Records(ctx context.Context, id string) ([]models.Record, error)
}

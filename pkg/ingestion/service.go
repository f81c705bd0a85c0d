// Package ingestion accepts uploads, tracks dataset status and serves the
// finished MDF documents.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/observability/metrics"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
)

var (
	ErrAlreadyFinished = errors.New("dataset already finished")
	ErrNotReady        = errors.New("dataset not normalized")
)

// CancelSignal delivers a cancellation request to wherever the job runs.
type CancelSignal interface {
	Cancel(ctx context.Context, datasetID string) error
}

type Service struct {
	validator  *Validator
	detector   *detect.Detector
	store      dataset.Store
	dispatcher Dispatcher
	cache      StatusCache
	cancels    []CancelSignal
	statusTTL  time.Duration
	now        func() time.Time
}

// NewService wires the submission service. cache may be nil.
func NewService(validator *Validator, detector *detect.Detector, store dataset.Store, dispatcher Dispatcher, cache StatusCache, ttl time.Duration, cancels ...CancelSignal) *Service {
	return &Service{
		validator:  validator,
		detector:   detector,
		store:      store,
		dispatcher: dispatcher,
		cache:      cache,
		cancels:    cancels,
		statusTTL:  ttl,
		now:        time.Now,
	}
}

// Submit creates the dataset in the uploaded state and hands the job off.
func (s *Service) Submit(ctx context.Context, in models.RawInput) (models.JobHandle, error) {
	if err := s.validator.Validate(in); err != nil {
		return models.JobHandle{}, err
	}

	id := uuid.New().String()
	meta := &models.DatasetMetadata{
		ID:       id,
		Filename: in.Filename,
		Status:   models.StatusUploaded,
		Warnings: []string{},
	}
	if err := s.store.Create(ctx, meta); err != nil {
		return models.JobHandle{}, fmt.Errorf("persisting dataset: %w", err)
	}
	metrics.ObserveSubmitted()

	err := s.dispatcher.Dispatch(ctx, pipeline.Job{DatasetID: id, Input: in})
	metrics.ObserveDispatch(err)
	if err != nil {
		reason := models.Warning(models.KindInternal, "job could not be queued: %v", err)
		if merr := s.store.MarkFailed(context.WithoutCancel(ctx), id, reason, nil); merr != nil {
			logger.ForDataset(id).WithError(merr).Error("failed to mark undispatched dataset")
		}
		return models.JobHandle{}, fmt.Errorf("dispatching job: %w", err)
	}

	logger.ForDataset(id).WithField("filename", in.Filename).WithField("bytes", len(in.Data)).Info("dataset submitted")
	return models.JobHandle{DatasetID: id}, nil
}

// Status returns the current metadata. Finished datasets are served from the
// cache when one is configured.
func (s *Service) Status(ctx context.Context, h models.JobHandle) (*models.DatasetMetadata, error) {
	if s.cache != nil {
		meta, err := s.cache.Get(ctx, h.DatasetID)
		if err != nil {
			logger.ForDataset(h.DatasetID).WithError(err).Warn("status cache read failed")
		} else if meta != nil {
			return meta, nil
		}
	}

	meta, err := s.store.Get(ctx, h.DatasetID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && meta.Status.Terminal() {
		if err := s.cache.Set(ctx, meta); err != nil {
			logger.ForDataset(h.DatasetID).WithError(err).Warn("status cache write failed")
		}
	}
	return meta, nil
}

// Cancel asks a running or queued job to stop. The job marks the dataset
// failed itself once it notices.
func (s *Service) Cancel(ctx context.Context, h models.JobHandle) error {
	meta, err := s.store.Get(ctx, h.DatasetID)
	if err != nil {
		return err
	}
	if meta.Status.Terminal() {
		return ErrAlreadyFinished
	}
	var errs []error
	for _, c := range s.cancels {
		if err := c.Cancel(ctx, h.DatasetID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(s.cancels) {
		return fmt.Errorf("cancel: %w", errors.Join(errs...))
	}
	logger.ForDataset(h.DatasetID).Info("cancellation requested")
	return nil
}

// Validate runs format detection only.
func (s *Service) Validate(in models.RawInput) (models.FormatKind, error) {
	det, err := s.detector.Detect(in)
	if err != nil {
		return "", err
	}
	return det.Kind, nil
}

// Document assembles the MDF document of a normalized dataset.
func (s *Service) Document(ctx context.Context, h models.JobHandle) (*models.Document, error) {
	meta, err := s.store.Get(ctx, h.DatasetID)
	if err != nil {
		return nil, err
	}
	if meta.Status != models.StatusNormalized {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, meta.Status)
	}
	records, err := s.store.Records(ctx, h.DatasetID)
	if err != nil {
		return nil, err
	}
	return &models.Document{
		Version:     models.MDFVersion,
		GeneratedAt: s.now().UTC(),
		DatasetID:   meta.ID,
		Metadata:    *meta,
		Records:     records,
	}, nil
}

// Cleanup drops cached status entries older than the status TTL.
func (s *Service) Cleanup(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	n, err := s.cache.Cleanup(ctx, s.statusTTL)
	if n > 0 {
		logger.Log.WithField("removed", n).Info("expired status entries removed")
	}
	return err
}

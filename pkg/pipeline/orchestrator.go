// Package pipeline runs one dataset through detection, mapping,
// normalization, de-identification, scoring and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mist-health/mdf-pipeline/pkg/common/httpclient"
	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/deid"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/mapping"
	"github.com/mist-health/mdf-pipeline/pkg/normalizer"
	"github.com/mist-health/mdf-pipeline/pkg/observability/metrics"
	"github.com/mist-health/mdf-pipeline/pkg/scoring"
)

const (
	PhaseQueued        = "queued"
	PhaseDetecting     = "detecting"
	PhaseMapping       = "mapping"
	PhaseNormalizing   = "normalizing"
	PhaseDeidentifying = "deidentifying"
	PhaseScoring       = "scoring"
	PhasePersisting    = "persisting"

	DefaultMaxRowLossFraction = 0.5
	failWriteTimeout          = 10 * time.Second
)

var ErrCancelled = errors.New("job cancelled")

// Canceller reports whether a dataset has been asked to stop.
type Canceller interface {
	Cancelled(ctx context.Context, datasetID string) (bool, error)
}

// Job is one dataset to process. Salt overrides the salt source when set.
type Job struct {
	DatasetID string
	Input     models.RawInput
	Salt      string
}

// Outcome is what a job produced. Metadata is filled even when Run fails.
type Outcome struct {
	Metadata        models.DatasetMetadata
	Records         []*models.Record
	Score           scoring.Score
	Detection       detect.Detection
	PersistAttempts int
}

// Stages are the collaborators one job runs through.
type Stages struct {
	Detector     *detect.Detector
	Mapper       *mapping.Mapper
	Normalizer   *normalizer.Normalizer
	Deidentifier *deid.Deidentifier
	Salts        deid.SaltSource
	// Canceller is optional.
	Canceller Canceller
}

type Options struct {
	MaxRowLossFraction float64
	Persist            httpclient.Backoff
}

type Orchestrator struct {
	store  dataset.Store
	stages Stages
	opts   Options
}

func New(store dataset.Store, stages Stages, opts Options) *Orchestrator {
	if opts.MaxRowLossFraction <= 0 {
		opts.MaxRowLossFraction = DefaultMaxRowLossFraction
	}
	if opts.Persist.Attempts < 1 {
		opts.Persist.Attempts = 1
	}
	return &Orchestrator{store: store, stages: stages, opts: opts}
}

// job holds the state of one Run. Nothing in it is shared between jobs.
type job struct {
	o       *Orchestrator
	id      string
	log     *logrus.Entry
	out     *Outcome
	dropped int
}

// Run processes one dataset from uploaded to normalized or failed. The
// dataset must already exist in the store. Every error, including a job that
// was cancelled before it started, marks the dataset failed and is returned as
// a *models.PipelineError.
func (o *Orchestrator) Run(ctx context.Context, j Job) (*Outcome, error) {
	done := metrics.JobStarted()
	defer done()

	r := &job{
		o:   o,
		id:  j.DatasetID,
		log: logger.ForDataset(j.DatasetID),
		out: &Outcome{Metadata: models.DatasetMetadata{
			ID:       j.DatasetID,
			Filename: j.Input.Filename,
			Status:   models.StatusProcessing,
			Warnings: []string{},
		}},
	}
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, PhaseQueued, err)
	}
	if err := o.store.MarkProcessing(ctx, j.DatasetID); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		return r.fail(ctx, PhaseQueued, fmt.Errorf("mark processing: %w", err))
	}
	r.log.WithField("filename", j.Input.Filename).Info("dataset processing started")

	if err := r.checkCancelled(ctx); err != nil {
		return r.fail(ctx, PhaseDetecting, err)
	}

	// detecting
	det, err := o.stages.Detector.Detect(j.Input)
	if err != nil {
		return r.fail(ctx, PhaseDetecting, err)
	}
	r.out.Detection = det
	r.out.Metadata.Format = det.Kind
	r.log = r.log.WithField("format", det.Kind)
	src, err := normalizer.Load(det, j.Input.Data)
	if err != nil {
		return r.fail(ctx, PhaseDetecting, fmt.Errorf("%w: %v", detect.ErrUnsupportedFormat, err))
	}

	// mapping
	var fm models.FieldMapping
	var warnings []string
	if det.Kind.Structural() {
		fm, warnings = o.stages.Mapper.Structural(det.Kind, src.SourceTypes)
	} else {
		fm, warnings = o.stages.Mapper.Infer(src.Columns, src.Samples())
	}
	fm.Format = det.Kind
	o.stages.Deidentifier.ScrubSamples(&fm)
	r.out.Metadata.FieldMappings = fm
	r.warn(warnings...)
	r.log.WithFields(logrus.Fields{"phase": PhaseMapping, "entries": len(fm.Entries), "ambiguous": len(warnings)}).Info("field mapping inferred")

	salt := j.Salt
	if salt == "" {
		if o.stages.Salts == nil {
			return r.fail(ctx, PhaseDeidentifying, fmt.Errorf("%w: no salt configured", deid.ErrDeidentificationFailure))
		}
		if salt, err = o.stages.Salts.Salt(ctx, j.DatasetID); err != nil {
			return r.fail(ctx, PhaseDeidentifying, fmt.Errorf("%w: salt: %v", deid.ErrDeidentificationFailure, err))
		}
	}

	// normalizing + deidentifying, chunk by chunk
	it, err := o.stages.Normalizer.Chunks(normalizer.NormalizeInput{Source: src, Mapping: fm, DatasetID: j.DatasetID})
	if err != nil {
		return r.fail(ctx, PhaseNormalizing, err)
	}
	scorer := scoring.New(fm)
	result := &normalizer.Result{Total: src.Total()}
	for {
		if err := r.checkCancelled(ctx); err != nil {
			return r.fail(ctx, PhaseNormalizing, err)
		}
		chunk, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.fail(ctx, PhaseNormalizing, err)
		}
		if err := o.stages.Deidentifier.ApplyAll(ctx, chunk.Records, salt); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return r.fail(ctx, PhaseDeidentifying, err)
		}
		scorer.Add(chunk.Records)
		result.Add(chunk)
		r.log.WithFields(logrus.Fields{
			"phase":   PhaseDeidentifying,
			"chunk":   chunk.Index,
			"records": len(chunk.Records),
			"dropped": chunk.Dropped,
		}).Debug("chunk de-identified")
	}
	r.dropped = result.Dropped
	r.out.Metadata.TotalRecords = result.Total
	r.out.Metadata.NormalizedRecords = result.Normalized
	r.warn(normalizer.MalformedWarning(result.Total, result.Dropped, result.DropReasons))

	if result.Total > 0 {
		loss := float64(result.Dropped) / float64(result.Total)
		if loss > o.opts.MaxRowLossFraction {
			return r.fail(ctx, PhaseNormalizing, &models.PipelineError{
				Kind:  models.KindExcessiveRowLoss,
				Phase: PhaseNormalizing,
				Err: fmt.Errorf("%d of %d rows dropped (%.0f%% exceeds the %.0f%% limit)",
					result.Dropped, result.Total, loss*100, o.opts.MaxRowLossFraction*100),
			})
		}
	}

	// scoring
	r.out.Score = scorer.Result(result.Total, result.Normalized)
	r.out.Records = result.Records
	r.out.Metadata.ConfidenceScore = r.out.Score.Dataset
	summarise(&r.out.Metadata, result.Records)
	r.log.WithFields(logrus.Fields{"phase": PhaseScoring, "confidence": r.out.Score.Dataset}).Info("dataset scored")

	// persisting
	r.out.Metadata.Status = models.StatusNormalized
	r.out.Metadata.Reason = ""
	if err := r.persist(ctx); err != nil {
		r.out.Metadata.RecordSetID = ""
		return r.fail(ctx, PhasePersisting, &models.PipelineError{Kind: models.KindPersistenceError, Phase: PhasePersisting, Err: err})
	}

	metrics.ObserveOutcome(true, result.Total, result.Normalized, result.Dropped)
	r.log.WithFields(logrus.Fields{
		"total":      result.Total,
		"normalized": result.Normalized,
		"dropped":    result.Dropped,
		"confidence": r.out.Metadata.ConfidenceScore,
		"warnings":   len(r.out.Metadata.Warnings),
		"attempts":   r.out.PersistAttempts,
	}).Info("dataset normalized")
	return r.out, nil
}

func (r *job) warn(ws ...string) {
	for _, w := range ws {
		if w != "" {
			r.out.Metadata.Warnings = append(r.out.Metadata.Warnings, w)
		}
	}
}

func (r *job) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := r.o.stages.Canceller
	if c == nil {
		return nil
	}
	cancelled, err := c.Cancelled(ctx, r.id)
	if err != nil {
		r.log.WithError(err).Warn("cancellation check failed; continuing")
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

func (r *job) persist(ctx context.Context) error {
	b := r.o.opts.Persist
	onRetry := b.OnRetry
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.log.WithError(err).WithFields(logrus.Fields{
			"phase":   PhasePersisting,
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("dataset write failed, retrying")
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}
	return b.Do(ctx, func(attempt int) error {
		r.out.PersistAttempts = attempt
		metrics.ObservePersistAttempt(attempt)
		meta := r.out.Metadata
		meta.RecordSetID = ""
		if err := r.o.store.WriteResult(ctx, &meta, r.out.Records); err != nil {
			return err
		}
		r.out.Metadata = meta
		return nil
	})
}

// fail records a fatal error. The failed status is written even when ctx is
// already cancelled.
func (r *job) fail(ctx context.Context, phase string, err error) (*Outcome, error) {
	perr := classify(phase, err)
	r.out.Metadata.Status = models.StatusFailed
	r.out.Metadata.Reason = perr.Error()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if merr := r.o.store.MarkFailed(wctx, r.id, r.out.Metadata.Reason, r.out.Metadata.Warnings); merr != nil {
		r.log.WithError(merr).Error("failed to record dataset failure")
	}
	metrics.ObserveOutcome(false, r.out.Metadata.TotalRecords, r.out.Metadata.NormalizedRecords, r.dropped)
	r.log.WithFields(logrus.Fields{"phase": perr.Phase, "kind": perr.Kind}).WithError(perr.Err).Error("dataset failed")
	return r.out, perr
}

func classify(phase string, err error) *models.PipelineError {
	var perr *models.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	kind := models.KindInternal
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = models.KindCancelled
	case errors.Is(err, detect.ErrUnsupportedFormat):
		kind = models.KindUnsupportedFormat
	case errors.Is(err, deid.ErrDeidentificationFailure):
		kind = models.KindDeidentificationFailure
	}
	return &models.PipelineError{Kind: kind, Phase: phase, Err: err}
}

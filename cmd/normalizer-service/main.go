package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/mist-health/mdf-pipeline/pkg/common/config"
	"github.com/mist-health/mdf-pipeline/pkg/common/database"
	"github.com/mist-health/mdf-pipeline/pkg/common/kafka"
	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/deid"
	"github.com/mist-health/mdf-pipeline/pkg/ingestion"
	"github.com/mist-health/mdf-pipeline/pkg/observability/metrics"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
)

const eventDatasetFinished = "dataset.finished"

// NormalizerService consumes submitted jobs and runs them through the
// pipeline. Each consumer in the group handles one job at a time.
type NormalizerService struct {
	orchestrator *pipeline.Orchestrator
	store        dataset.Store
	results      *kafka.Producer
	jobTimeout   time.Duration
}

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	store := dataset.NewGormStore(db)
	salts := deid.NewSaltRepository(db)
	if err := store.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate dataset tables")
	}
	if err := salts.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate salt table")
	}

	rdb := database.GetRedis()
	defer database.CloseRedis()
	canceller := ingestion.NewRedisCanceller(rdb, cfg.JobTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pseudonymizer, err := pipeline.NewPseudonymizer(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to configure pseudonymization")
	}
	orch, err := pipeline.Build(cfg, store, pseudonymizer, salts, canceller)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to build pipeline")
	}

	service := &NormalizerService{orchestrator: orch, store: store, jobTimeout: cfg.JobTimeout}
	if cfg.ResultsTopic != "" {
		service.results = kafka.NewProducer(cfg.ResultsTopic)
		defer service.results.Close()
	}

	var wg sync.WaitGroup
	for i := 0; i < max(cfg.WorkerCount, 1); i++ {
		consumer := kafka.NewConsumer(cfg.JobsTopic, cfg.KafkaGroupID)
		consumer.OnGiveUp = service.giveUp
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumer.Close()
			if err := consumer.Consume(ctx, service.processEvent); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("Consumer error")
			}
		}()
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.WorkerPort),
		Handler: router,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":    cfg.ServerHost,
			"port":    cfg.WorkerPort,
			"workers": cfg.WorkerCount,
			"topic":   cfg.JobsTopic,
		}).Info("Normalizer Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Normalizer Service...")
	cancel()
	wg.Wait()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Normalizer Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// processEvent runs one job. A job that fails inside the pipeline has already
// been marked failed, so the message is committed. When the store refused to
// start the job the error is returned and the consumer retries in place.
func (s *NormalizerService) processEvent(ctx context.Context, event models.Event) error {
	job, err := ingestion.JobFromEvent(event)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("skipping undecodable job event")
		s.markFailed(ctx, eventDatasetID(event), fmt.Sprintf("job event could not be decoded: %v", err))
		return nil
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	out, err := s.orchestrator.Run(jobCtx, job)
	if errors.Is(err, dataset.ErrNotFound) {
		logger.ForDataset(job.DatasetID).Warn("job for unknown dataset dropped")
		return nil
	}
	var perr *models.PipelineError
	if errors.As(err, &perr) && perr.Phase == pipeline.PhaseQueued && perr.Kind == models.KindInternal && ctx.Err() == nil {
		return err
	}

	if s.results != nil && out != nil {
		payload := map[string]interface{}{
			"dataset_id":         out.Metadata.ID,
			"status":             out.Metadata.Status,
			"reason":             out.Metadata.Reason,
			"total_records":      out.Metadata.TotalRecords,
			"normalized_records": out.Metadata.NormalizedRecords,
			"confidence_score":   out.Metadata.ConfidenceScore,
		}
		if pubErr := s.results.PublishEvent(ctx, eventDatasetFinished, "normalizer-service", job.DatasetID, payload); pubErr != nil {
			logger.ForDataset(job.DatasetID).WithError(pubErr).Warn("failed to publish result event")
		}
	}
	return nil
}

// giveUp runs once the consumer has stopped retrying an event. The dataset
// would otherwise stay uploaded forever.
func (s *NormalizerService) giveUp(ctx context.Context, event models.Event, err error) {
	s.markFailed(ctx, eventDatasetID(event), fmt.Sprintf("job could not be started: %v", err))
}

func (s *NormalizerService) markFailed(ctx context.Context, id, msg string) {
	if id == "" || s.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	reason := models.Warning(models.KindInternal, "%s", msg)
	if err := s.store.MarkFailed(wctx, id, reason, nil); err != nil && !errors.Is(err, dataset.ErrNotFound) {
		logger.ForDataset(id).WithError(err).Error("failed to record dataset failure")
	}
}

func eventDatasetID(e models.Event) string {
	id, _ := e.Data["dataset_id"].(string)
	return id
}

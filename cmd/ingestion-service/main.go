package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/mist-health/mdf-pipeline/pkg/common/config"
	"github.com/mist-health/mdf-pipeline/pkg/common/database"
	"github.com/mist-health/mdf-pipeline/pkg/common/kafka"
	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/common/middleware"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/deid"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/ingestion"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
	"github.com/mist-health/mdf-pipeline/pkg/worker"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	store := dataset.NewGormStore(db)
	if err := store.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate dataset tables")
	}

	rdb := database.GetRedis()
	defer database.CloseRedis()
	cache := ingestion.NewRedisStatusCache(rdb, cfg.StatusCacheTTL)
	canceller := ingestion.NewRedisCanceller(rdb, cfg.JobTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dispatcher ingestion.Dispatcher
	cancels := []ingestion.CancelSignal{canceller}
	switch cfg.PipelineMode {
	case "local":
		salts := deid.NewSaltRepository(db)
		if err := salts.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate salt table")
		}
		pseudonymizer, err := pipeline.NewPseudonymizer(ctx, cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to configure pseudonymization")
		}
		orch, err := pipeline.Build(cfg, store, pseudonymizer, salts, canceller)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to build pipeline")
		}
		pool := worker.New(orch, cfg.WorkerCount, cfg.WorkerCount*4, cfg.JobTimeout)
		pool.Start(ctx)
		defer pool.Stop()
		dispatcher = pool
		cancels = append(cancels, pool)
	default:
		producer := kafka.NewProducer(cfg.JobsTopic)
		defer producer.Close()
		var dlq ingestion.Publisher
		if cfg.JobsDLQTopic != "" {
			dlqProducer := kafka.NewProducer(cfg.JobsDLQTopic)
			defer dlqProducer.Close()
			dlq = dlqProducer
		}
		dispatcher = ingestion.NewKafkaDispatcher(producer, dlq)
	}

	validator := ingestion.NewValidator(cfg.MaxRequestBody, ingestion.DefaultExtensions)
	svc := ingestion.NewService(validator, detect.New(cfg.DetectMinConfidence), store, dispatcher, cache, cfg.StatusCacheTTL, cancels...)
	handler := ingestion.NewHTTPHandler(svc, cfg.MaxRequestBody)
	handler.Ready = func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging, middleware.RateLimit(cfg.SubmitRateRPS, cfg.SubmitRateBurst))
	handler.Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
			"mode": cfg.PipelineMode,
		}).Info("Ingestion Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := svc.Cleanup(ctx); err != nil {
					logger.Log.WithError(err).Warn("cleanup job failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Ingestion Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}
	cancel()

	logger.Log.Info("Ingestion Service stopped")
}

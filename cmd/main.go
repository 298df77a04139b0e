package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexicraft/lexicraft-backend/internal/app"
	"github.com/lexicraft/lexicraft-backend/internal/bus"
	"github.com/lexicraft/lexicraft-backend/internal/clients/imagegen"
	"github.com/lexicraft/lexicraft-backend/internal/clients/llm"
	"github.com/lexicraft/lexicraft-backend/internal/clients/pdfext"
	"github.com/lexicraft/lexicraft-backend/internal/clients/redis"
	"github.com/lexicraft/lexicraft-backend/internal/handlers"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/admission"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/pipeline"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/registry"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/stage"
	"github.com/lexicraft/lexicraft-backend/internal/notify"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/envutil"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
	"github.com/lexicraft/lexicraft-backend/internal/server"
	"github.com/lexicraft/lexicraft-backend/internal/store"
)

func main() {
	// Logger
	logMode := envutil.Str("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	log.Info("Loading configuration from main...")
	cfg, err := app.LoadConfig(log)
	if err != nil {
		log.Error("Could not load config", "error", err)
		os.Exit(1)
	}

	// Redis
	log.Info("Setting up redis client from main...")
	redisClient, err := redis.NewClient(log)
	if err != nil {
		log.Error("Could not init redis client", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Blob storage
	log.Info("Setting up artifact client from main...")
	artifacts, err := store.NewArtifactClient(log)
	if err != nil {
		log.Error("Could not init ArtifactClient", "error", err)
		os.Exit(1)
	}
	defer artifacts.Close()

	// Bus + registry
	publisher := bus.New(log, redisClient)
	reg := registry.New(log, redisClient, cfg.SnapshotTTL, cfg.ActiveTTL)

	// Outbound clients
	log.Info("Setting up clients from main...")
	llmClient, err := llm.NewClient(log)
	if err != nil {
		log.Error("Could not init LLM client", "error", err)
		os.Exit(1)
	}
	var imageClient *imagegen.Client
	if ic, err := imagegen.NewClient(log); err != nil {
		log.Warn("Image generation disabled", "error", err)
	} else {
		imageClient = ic
	}
	extractor := pdfext.NewExtractor(log)
	notifier := notify.NewNotifier(log)

	// Pipeline + admission
	log.Info("Setting up pipeline from main...")
	baseCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()

	deps := pipeline.Deps{
		Log:        log,
		Registry:   reg,
		Bus:        publisher,
		Notifier:   notifier,
		Artifacts:  artifacts,
		Extractor:  extractor,
		Thumbs:     extractor,
		LLM:        llmClient,
		Policy:     cfg.Retry,
		ChunkLimit: cfg.ChunkLimit,
		DrainGrace: cfg.DrainGrace,
	}
	if imageClient != nil {
		deps.Images = imageClient
	}
	runner := pipeline.NewRunner(deps)
	controller := admission.NewController(baseCtx, log, reg, runner)

	// Handlers
	log.Info("Setting up handlers from main...")
	enricher := stage.NewEnricher(log, llmClient, cfg.Retry)
	processHandler := handlers.NewProcessHandler(log, controller, reg)
	jobsHandler := handlers.NewJobsHandler(log, controller)
	thumbnailHandler := handlers.NewThumbnailHandler(log, controller)
	vocabularyHandler := handlers.NewVocabularyHandler(log, enricher)
	healthHandler := handlers.NewHealthHandler(log, map[string]handlers.HealthCheck{
		"redis":  redisClient.Ping,
		"bucket": artifacts.CheckBucket,
	})

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		ProcessHandler:    processHandler,
		JobsHandler:       jobsHandler,
		ThumbnailHandler:  thumbnailHandler,
		VocabularyHandler: vocabularyHandler,
		HealthHandler:     healthHandler,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("Server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Shutdown: stop accepting requests, cancel running jobs, drain callbacks
	// and the bus so terminal messages get out.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}

	stopJobs()
	notifier.Drain(cfg.DrainGrace)
	publisher.Close()
	log.Info("Shutdown complete")
}

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	imagehandler "github.com/aliskhannn/zimage-server/internal/api/handlers/image"
	wshandler "github.com/aliskhannn/zimage-server/internal/api/handlers/ws"
	"github.com/aliskhannn/zimage-server/internal/api/router"
	"github.com/aliskhannn/zimage-server/internal/api/server"
	"github.com/aliskhannn/zimage-server/internal/cache"
	"github.com/aliskhannn/zimage-server/internal/config"
	"github.com/aliskhannn/zimage-server/internal/events"
	"github.com/aliskhannn/zimage-server/internal/hub"
	"github.com/aliskhannn/zimage-server/internal/infra/kafka/producer"
	"github.com/aliskhannn/zimage-server/internal/pipeline"
	"github.com/aliskhannn/zimage-server/internal/repository/archive"
	jobrepo "github.com/aliskhannn/zimage-server/internal/repository/job"
	"github.com/aliskhannn/zimage-server/internal/scheduler"
	jobsvc "github.com/aliskhannn/zimage-server/internal/service/job"
	"github.com/aliskhannn/zimage-server/internal/storage/file"
	"github.com/aliskhannn/zimage-server/internal/storage/local"
)

// artifactStorage joins the two halves the wiring needs: the scheduler
// saves artifacts, the image handler loads them.
type artifactStorage interface {
	Save(ctx context.Context, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, filename string) (io.ReadCloser, error)
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize artifact storage (local directory or MinIO).
	var storage artifactStorage
	switch cfg.Storage.Backend {
	case "minio":
		st, err := file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
		}
		storage = st
	default:
		st, err := local.NewStorage(cfg.Storage.LocalDir)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to init local storage")
		}
		storage = st
	}

	// Core services: job store, subscription hub, event broadcaster.
	repo := jobrepo.NewRepository()
	h := hub.New()
	broadcaster := events.New(h, strategy)

	// Optional Kafka sink for job lifecycle events.
	var p *producer.Producer
	if cfg.Kafka.Enabled {
		p = producer.New(&cfg.Kafka, strategy)
		broadcaster.AttachProducer(p)
	}

	// Optional PostgreSQL archive for terminal job records.
	var db *dbpg.DB
	if cfg.Database.Enabled {
		opts := &dbpg.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}

		slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
		for _, s := range cfg.Database.Slaves {
			slaveDSNs = append(slaveDSNs, s.DSN())
		}

		var err error
		db, err = dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		broadcaster.AttachArchiver(archive.NewRepository(db))
	}

	// Pipelines, result cache and the execution scheduler.
	generator := pipeline.NewTextToImage(cfg.Pipeline.StepDelay)
	upscaler := pipeline.NewLanczosUpscaler(cfg.Pipeline.UpscaleTargetMinSize)
	resultCache := cache.New(cfg.Cache.Dir)
	sched := scheduler.New(ctx, cfg.Scheduler.MaxConcurrency, repo, broadcaster, generator, upscaler, storage, resultCache)

	// Job orchestrator and transport handlers.
	service := jobsvc.NewService(repo, sched, h, resultCache, broadcaster)
	wsH := wshandler.NewHandler(service, h)
	imgH := imagehandler.NewHandler(storage)

	// Start HTTP server in a separate goroutine.
	r := router.Setup(wsH, imgH)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("server listening")

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Graceful shutdown with timeout for HTTP server. In-flight jobs stop
	// at their next cancellation boundary via the shared context.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close optional sinks.
	if p != nil {
		if err := p.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
		}
	}
	if db != nil {
		if err := db.Master.Close(); err != nil {
			zlog.Logger.Printf("failed to close master DB: %v", err)
		}
		for i, slave := range db.Slaves {
			if err := slave.Close(); err != nil {
				zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
			}
		}
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rohansharp/billie-crm-sub000/common/arangodb"
	"github.com/rohansharp/billie-crm-sub000/common/id"
	"github.com/rohansharp/billie-crm-sub000/common/logger"
	"github.com/rohansharp/billie-crm-sub000/common/otel"
	"github.com/rohansharp/billie-crm-sub000/core/config"
	"github.com/rohansharp/billie-crm-sub000/core/db"
	"github.com/rohansharp/billie-crm-sub000/internal/audit"
	"github.com/rohansharp/billie-crm-sub000/internal/notify"
	"github.com/rohansharp/billie-crm-sub000/internal/ops"
	"github.com/rohansharp/billie-crm-sub000/internal/projection"
	"github.com/rohansharp/billie-crm-sub000/internal/store"
	"github.com/rohansharp/billie-crm-sub000/internal/stream"
	"github.com/rohansharp/billie-crm-sub000/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "crm projector starting",
		"env", cfg.Env,
		"stream", cfg.Stream.Stream,
		"consumer_group", cfg.Stream.Group,
		"consumer_name", cfg.Stream.Consumer)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	// Redis carries both the event stream and the change channel.
	redisOpts, err := redis.ParseURL(cfg.Stream.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Stream.Stream)

	// Document store
	docs, err := arangodb.New(ctx, arangodb.Config{
		URL:      cfg.ArangoDB.URL,
		Username: cfg.ArangoDB.Username,
		Password: cfg.ArangoDB.Password,
		Database: cfg.ArangoDB.Database,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create arangodb client", "error", err)
		os.Exit(1)
	}
	defer docs.Close()

	if err := docs.EnsureDatabase(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to ensure database", "error", err)
		os.Exit(1)
	}
	if err := docs.EnsureCollections(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to ensure collections", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "document store connected", "database", cfg.ArangoDB.Database)

	// Optional audit database
	var recorder worker.Recorder
	if cfg.AuditEnabled() {
		auditDB, dbErr := db.New(ctx, cfg.AuditDB)
		if dbErr != nil {
			slog.ErrorContext(ctx, "failed to connect to audit database", "error", dbErr)
			os.Exit(1)
		}
		defer auditDB.Close()

		rec := audit.NewRecorder(auditDB)
		if err := rec.EnsureSchema(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ensure audit schema", "error", err)
			os.Exit(1)
		}
		recorder = rec
		slog.InfoContext(ctx, "audit database connected")
	}

	streamClient := stream.New(redisClient, stream.Config{
		Stream:    cfg.Stream.Stream,
		Group:     cfg.Stream.Group,
		Consumer:  cfg.Stream.Consumer,
		BatchSize: cfg.Stream.BatchSize,
		Block:     cfg.Stream.Block,
	})

	w := worker.New(
		streamClient,
		store.NewConversationStore(docs),
		store.NewCustomerStore(docs),
		projection.NewEngine(),
		notify.New(redisClient, cfg.Notify.Channel),
		recorder,
		worker.Config{
			SourceAgent: cfg.Stream.SourceAgent,
			Backoff:     cfg.Stream.Backoff,
			NewID:       id.NewString,
		},
	)

	reclaimer := worker.NewReclaimer(redisClient, worker.ReclaimerConfig{
		Stream:    cfg.Stream.Stream,
		Group:     cfg.Stream.Group,
		Consumer:  cfg.Stream.Consumer + "-reclaimer",
		MinIdle:   cfg.Stream.ReclaimIdle,
		Interval:  cfg.Stream.ReclaimEvery,
		BatchSize: cfg.Stream.ReclaimBatch,
	}, w.ProcessEntry)

	opsServer := ops.NewServer(redisClient, cfg)

	errCh := make(chan error, 3)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()
	go func() {
		errCh <- opsServer.Run(ctx)
	}()

	slog.InfoContext(ctx, "projector initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down projector...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(ctx, "ops server shutdown error", "error", err)
	}

	// Stop reclaimer first (quick), then the worker (may be mid-entry).
	reclaimer.Stop()
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(ctx, "telemetry shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "projector shutdown complete")
}

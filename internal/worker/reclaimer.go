package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rohansharp/billie-crm-sub000/common/logger"
	"github.com/rohansharp/billie-crm-sub000/internal/stream"
)

type ReclaimerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// EntryProcessor processes one reclaimed stream entry.
type EntryProcessor func(ctx context.Context, entry stream.Entry) error

// Reclaimer periodically adopts stale pending entries left behind by
// consumers that died between read and acknowledge. The startup recovery
// pass only covers this consumer's own pending entries; the reclaimer covers
// other members of the group in multi-process deployments.
type Reclaimer struct {
	client    *redis.Client
	cfg       ReclaimerConfig
	processor EntryProcessor

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(client *redis.Client, cfg ReclaimerConfig, processor EntryProcessor) *Reclaimer {
	return &Reclaimer{
		client:    client,
		cfg:       cfg,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reclaimer loop. Blocks until Stop() is called.
func (r *Reclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "crm.worker.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"stream", r.cfg.Stream,
		"group", r.cfg.Group)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.reclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

// Stop signals the reclaimer to stop gracefully.
func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Reclaimer) reclaimOnce(ctx context.Context) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stale pending entries", "count", len(pending))

	for _, p := range pending {
		if err := r.reclaimEntry(ctx, p); err != nil {
			slog.ErrorContext(ctx, "failed to reclaim entry",
				"error", err,
				"entry_id", p.ID,
				"original_consumer", p.Consumer,
				"idle_time", p.Idle)
			// Continue with other entries
		}
	}

	return nil
}

func (r *Reclaimer) reclaimEntry(ctx context.Context, pending redis.XPendingExt) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EntryID: logger.Ptr(pending.ID),
	})

	slog.InfoContext(ctx, "reclaiming stale entry",
		"original_consumer", pending.Consumer,
		"idle_time", pending.Idle,
		"retry_count", pending.RetryCount)

	messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}

	if len(messages) == 0 {
		slog.DebugContext(ctx, "entry already reclaimed by another worker")
		return nil
	}

	msg := messages[0]

	start := time.Now()
	if err := r.processor(ctx, stream.Entry{ID: msg.ID, Values: msg.Values}); err != nil {
		return fmt.Errorf("processing reclaimed entry: %w", err)
	}

	slog.InfoContext(ctx, "reclaimed entry processed",
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

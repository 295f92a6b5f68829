package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rohansharp/billie-crm-sub000/common/logger"
)

// Entry is one raw stream entry: a flat list of string key/value pairs.
// Structured sub-values are individually JSON-encoded strings inside Values;
// decoding them is the envelope decoder's job, not the client's.
type Entry struct {
	ID     string
	Values map[string]any
}

type Config struct {
	Stream    string        // Redis stream name
	Group     string        // Consumer group name
	Consumer  string        // Per-process consumer name
	BatchSize int64         // Entries per read
	Block     time.Duration // How long ReadNew blocks waiting for entries
}

// Client wraps Redis stream consumer-group operations. Transport errors
// propagate to the caller; the worker loop owns backoff.
type Client struct {
	client *redis.Client
	cfg    Config
}

func New(client *redis.Client, cfg Config) *Client {
	return &Client{
		client: client,
		cfg:    cfg,
	}
}

// EnsureGroup creates the consumer group if it does not exist. Starting from
// "0" instead of "$" means entries appended before the group existed are
// still delivered after a redeploy.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Append writes one entry with an auto-generated id and returns that id.
func (c *Client) Append(ctx context.Context, fields map[string]any) (string, error) {
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd (stream=%s): %w", c.cfg.Stream, err)
	}
	return id, nil
}

// ReadNew performs a blocking read of entries not yet delivered to any
// consumer in the group. A timeout returns an empty slice, not an error.
func (c *Client) ReadNew(ctx context.Context) ([]Entry, error) {
	return c.read(ctx, ">", c.cfg.Block)
}

// ReadPending returns this consumer's unacknowledged entries with ids after
// start ("0" for the oldest). Unacknowledged entries stay in the pending list
// and are re-delivered on every read from the same start, so callers paging
// through must advance start past each batch themselves. Used at worker
// startup for crash recovery; it does not block.
func (c *Client) ReadPending(ctx context.Context, start string) ([]Entry, error) {
	// Negative block tells go-redis to omit BLOCK entirely.
	return c.read(ctx, start, -1)
}

func (c *Client) read(ctx context.Context, cursor string, block time.Duration) ([]Entry, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "crm.stream",
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		// ">" = entries not yet delivered to anyone. "0" = this consumer's
		// own pending entries, oldest first.
		Streams: []string{c.cfg.Stream, cursor},
		Count:   c.cfg.BatchSize,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var entries []Entry
	// XReadGroup supports multiple streams, but we only ever read one.
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
		}
	}

	if len(entries) > 0 {
		slog.DebugContext(ctx, "read entries from stream",
			"count", len(entries),
			"stream", c.cfg.Stream,
			"consumer", c.cfg.Consumer)
	}

	return entries, nil
}

// Ack marks an entry as durably processed. Acknowledging twice is harmless.
func (c *Client) Ack(ctx context.Context, entryID string) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, entryID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	return nil
}

// Stream returns the configured stream name.
func (c *Client) Stream() string {
	return c.cfg.Stream
}

// Group returns the configured consumer group name.
func (c *Client) Group() string {
	return c.cfg.Group
}

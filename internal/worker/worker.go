package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rohansharp/billie-crm-sub000/common/arangodb"
	"github.com/rohansharp/billie-crm-sub000/common/logger"
	"github.com/rohansharp/billie-crm-sub000/internal/audit"
	"github.com/rohansharp/billie-crm-sub000/internal/event"
	"github.com/rohansharp/billie-crm-sub000/internal/model"
	"github.com/rohansharp/billie-crm-sub000/internal/notify"
	"github.com/rohansharp/billie-crm-sub000/internal/projection"
	"github.com/rohansharp/billie-crm-sub000/internal/store"
	"github.com/rohansharp/billie-crm-sub000/internal/stream"
)

// StreamClient is the stream surface the worker consumes.
type StreamClient interface {
	EnsureGroup(ctx context.Context) error
	ReadNew(ctx context.Context) ([]stream.Entry, error)
	ReadPending(ctx context.Context, start string) ([]stream.Entry, error)
	Ack(ctx context.Context, entryID string) error
}

// ConversationStore mirrors store.ConversationStore for injection.
type ConversationStore interface {
	FindByApplicationNumber(ctx context.Context, applicationNumber string) (*model.Conversation, error)
	FindByConversationID(ctx context.Context, conversationID string) (*model.Conversation, error)
	Upsert(ctx context.Context, c *model.Conversation) error
}

// CustomerStore mirrors store.CustomerStore for injection.
type CustomerStore interface {
	Upsert(ctx context.Context, c *model.Customer) error
}

// Notifier publishes post-commit change notifications.
type Notifier interface {
	Notify(ctx context.Context, collection, operation string, doc any)
}

// Recorder writes applied-event audit records. May be nil when auditing is
// not configured.
type Recorder interface {
	Write(ctx context.Context, rec audit.Record)
}

type Config struct {
	// SourceAgent is the producer whose events are projected. Entries from
	// any other agent are acknowledged without projection so the shared
	// stream drains.
	SourceAgent string

	// Backoff is the sleep after a transport-level read error. The worker
	// retries indefinitely; it never terminates on its own.
	Backoff time.Duration

	// NewID synthesizes conversation ids for events arriving without one.
	NewID func() string
}

// Worker drives the projection: block-read new entries, decode, filter by
// originating agent, project, persist, notify, then acknowledge. Entries are
// processed strictly sequentially, so no two events for the same aggregate
// race inside one process.
type Worker struct {
	stream        StreamClient
	conversations ConversationStore
	customers     CustomerStore
	engine        *projection.Engine
	notifier      Notifier
	recorder      Recorder
	cfg           Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(streamClient StreamClient, conversations ConversationStore, customers CustomerStore, engine *projection.Engine, notifier Notifier, recorder Recorder, cfg Config) *Worker {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &Worker{
		stream:        streamClient,
		conversations: conversations,
		customers:     customers,
		engine:        engine,
		notifier:      notifier,
		recorder:      recorder,
		cfg:           cfg,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// Run blocks until the context is cancelled or Stop is called. On startup it
// drains this consumer's pending entries (crash recovery) before entering
// the steady read loop.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "crm.worker",
	})

	if err := w.stream.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring consumer group: %w", err)
	}

	if err := w.recoverPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
		// Recovery read failures are transport errors; the steady loop's
		// backoff handles the stream being unreachable.
		slog.ErrorContext(ctx, "pending recovery error", "error", err)
	}

	slog.InfoContext(ctx, "worker started", "source_agent", w.cfg.SourceAgent)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.readOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "stream read error", "error", err)
				w.backoff(ctx)
			}
		}
	}
}

// Stop signals the worker to stop and waits for the loop to exit.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

// recoverPending makes one pass over the entries delivered to this consumer
// before a crash but never acknowledged. Each is attempted exactly once and
// processed like a fresh entry. The read cursor advances past every batch
// whether or not its entries succeeded: failed entries stay pending (never
// discarded) and are retried by the reclaimer or the next restart, so a
// persistently failing entry cannot pin the worker in recovery.
func (w *Worker) recoverPending(ctx context.Context) error {
	cursor := "0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}

		entries, err := w.stream.ReadPending(ctx, cursor)
		if err != nil {
			return fmt.Errorf("reading pending entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		slog.InfoContext(ctx, "recovering pending entries", "count", len(entries))

		for _, entry := range entries {
			if err := w.processEntrySafe(ctx, entry); err != nil {
				slog.ErrorContext(ctx, "pending entry processing failed",
					"error", err,
					"entry_id", entry.ID)
			}
		}

		cursor = entries[len(entries)-1].ID
	}
}

func (w *Worker) readOnce(ctx context.Context) error {
	entries, err := w.stream.ReadNew(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := w.processEntrySafe(ctx, entry); err != nil {
			// Not acknowledged: redelivered via pending recovery. One bad
			// entry never halts the loop.
			slog.ErrorContext(ctx, "entry processing failed",
				"error", err,
				"entry_id", entry.ID)
		}
	}

	return nil
}

func (w *Worker) processEntrySafe(ctx context.Context, entry stream.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in entry processing",
				"panic", r,
				"entry_id", entry.ID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessEntry(ctx, entry)
}

// ProcessEntry projects a single stream entry. Exported so the reclaimer can
// reuse it. A nil return means the entry was acknowledged (projected,
// filtered, or dropped on a precondition); an error leaves it pending.
func (w *Worker) ProcessEntry(ctx context.Context, entry stream.Entry) error {
	sc := logger.StartSpan(ctx, "worker.process_entry", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EntryID: logger.Ptr(entry.ID),
	})

	env, err := event.Decode(entry, time.Now().UTC(), w.cfg.NewID)
	if err != nil {
		// Redelivery cannot fix an unroutable entry; drop it.
		slog.WarnContext(ctx, "dropping undecodable entry",
			"error", err,
			"values", logger.Truncate(fmt.Sprint(entry.Values), 256))
		return w.ack(ctx, entry.ID)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventType:      logger.Ptr(string(env.Kind)),
		ConversationID: logger.Ptr(env.ConversationID),
	})

	if env.Agent != w.cfg.SourceAgent {
		// Foreign events are acknowledged without projection so the shared
		// stream drains.
		return w.ack(ctx, entry.ID)
	}

	start := time.Now()

	prev, err := w.loadConversation(ctx, env)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	next := w.engine.Project(prev, env)

	operation := notify.OperationUpdate
	if prev == nil {
		operation = notify.OperationCreate
	}

	if err := w.conversations.Upsert(ctx, next); err != nil {
		if errors.Is(err, store.ErrNoApplicationNumber) {
			slog.WarnContext(ctx, "dropping event with unresolvable application number")
			return w.ack(ctx, entry.ID)
		}
		sc.RecordError(err)
		return fmt.Errorf("persisting conversation: %w", err)
	}

	w.upsertCustomer(ctx, env)

	w.notifier.Notify(ctx, arangodb.CollectionConversations, operation, next)

	if w.recorder != nil {
		w.recorder.Write(ctx, audit.Record{
			EntryID:           entry.ID,
			EventType:         string(env.Kind),
			ConversationID:    env.ConversationID,
			ApplicationNumber: next.ApplicationNumber,
			Version:           next.Version,
			Duration:          time.Since(start),
		})
	}

	// Acknowledge only after successful persistence; this ordering is the
	// at-least-once delivery contract.
	return w.ack(ctx, entry.ID)
}

func (w *Worker) loadConversation(ctx context.Context, env event.Envelope) (*model.Conversation, error) {
	if appNo := env.ApplicationNumber(); appNo != "" {
		conv, err := w.conversations.FindByApplicationNumber(ctx, appNo)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return conv, err
	}

	conv, err := w.conversations.FindByConversationID(ctx, env.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return conv, err
}

// upsertCustomer runs the customer side effect of an application details
// event in its own failure domain: a customer write failure never fails the
// parent conversation upsert.
func (w *Worker) upsertCustomer(ctx context.Context, env event.Envelope) {
	if env.Kind != event.KindApplicationDetails {
		return
	}

	cust := projection.ExtractCustomer(env)
	if cust == nil || cust.CustomerID == "" {
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		CustomerID: logger.Ptr(cust.CustomerID),
	})

	if err := w.customers.Upsert(ctx, cust); err != nil {
		slog.ErrorContext(ctx, "customer upsert failed", "error", err)
		return
	}

	w.notifier.Notify(ctx, arangodb.CollectionCustomers, notify.OperationUpdate, cust)
}

func (w *Worker) ack(ctx context.Context, entryID string) error {
	if err := w.stream.Ack(ctx, entryID); err != nil {
		// The entry will be reprocessed from pending; projection replay is
		// safe under natural-key upsert.
		slog.WarnContext(ctx, "failed to acknowledge entry", "error", err)
	}
	return nil
}

func (w *Worker) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.cfg.Backoff):
	}
}

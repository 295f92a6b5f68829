package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rohansharp/billie-crm-sub000/common/logger"
	"github.com/rohansharp/billie-crm-sub000/core/db"
)

// Record is one applied-event audit row.
type Record struct {
	EntryID           string
	EventType         string
	ConversationID    string
	ApplicationNumber string
	Version           int64
	Duration          time.Duration
}

// execer is the slice of pgxpool.Pool the recorder needs. Narrowed for
// testability.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Recorder writes applied-event records to Postgres. Like notifications,
// auditing is best-effort and never part of the projection's durability
// contract: failures are logged and swallowed.
type Recorder struct {
	db execer
}

func NewRecorder(database *db.DB) *Recorder {
	return &Recorder{db: database.Pool()}
}

// newWithExecer exists for tests.
func newWithExecer(db execer) *Recorder {
	return &Recorder{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS projection_audit (
    id                 BIGSERIAL PRIMARY KEY,
    entry_id           TEXT        NOT NULL,
    event_type         TEXT        NOT NULL,
    conversation_id    TEXT        NOT NULL DEFAULT '',
    application_number TEXT        NOT NULL DEFAULT '',
    version            BIGINT      NOT NULL,
    duration_ms        BIGINT      NOT NULL,
    processed_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS projection_audit_application_number_idx
    ON projection_audit (application_number);
`

// EnsureSchema creates the audit table if it does not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return err
}

// Write records one applied event. Errors never propagate.
func (r *Recorder) Write(ctx context.Context, rec Record) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "crm.audit",
	})

	_, err := r.db.Exec(ctx,
		`INSERT INTO projection_audit
		    (entry_id, event_type, conversation_id, application_number, version, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.EntryID,
		rec.EventType,
		rec.ConversationID,
		rec.ApplicationNumber,
		rec.Version,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		slog.WarnContext(ctx, "failed to write audit record",
			"error", err,
			"entry_id", rec.EntryID)
	}
}

package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rohansharp/billie-crm-sub000/common/arangodb"
	"github.com/rohansharp/billie-crm-sub000/internal/model"
)

// ErrNotFound mirrors the document store's sentinel so callers depend only
// on this package.
var ErrNotFound = arangodb.ErrNotFound

// ErrNoApplicationNumber marks an aggregate that cannot be persisted because
// no application number could be derived from the event chain. The worker
// drops the event rather than retrying; redelivery would hit the same
// precondition.
var ErrNoApplicationNumber = errors.New("conversation has no application number")

// ConversationStore persists conversation aggregates with idempotent
// find-or-create-then-upsert semantics keyed by application number.
type ConversationStore struct {
	db arangodb.Client
}

func NewConversationStore(db arangodb.Client) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) FindByApplicationNumber(ctx context.Context, applicationNumber string) (*model.Conversation, error) {
	return s.find(ctx, map[string]any{"applicationNumber": applicationNumber})
}

func (s *ConversationStore) FindByConversationID(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return s.find(ctx, map[string]any{"conversationId": conversationID})
}

func (s *ConversationStore) find(ctx context.Context, filter map[string]any) (*model.Conversation, error) {
	raw, err := s.db.Find(ctx, arangodb.CollectionConversations, filter)
	if err != nil {
		return nil, err
	}

	doc, err := fromDocument[conversationDoc](raw)
	if err != nil {
		return nil, err
	}

	return doc.toModel(), nil
}

// Upsert writes the aggregate under its application number. Existing
// documents receive a partial update containing only populated fields; the
// full aggregate state flows through, so replaying an already-applied event
// overwrites rather than duplicating.
func (s *ConversationStore) Upsert(ctx context.Context, c *model.Conversation) error {
	if c.ApplicationNumber == "" {
		return ErrNoApplicationNumber
	}

	patch, err := toPatch(newConversationDoc(c))
	if err != nil {
		return err
	}

	_, err = s.db.Find(ctx, arangodb.CollectionConversations, map[string]any{
		"applicationNumber": c.ApplicationNumber,
	})
	if errors.Is(err, arangodb.ErrNotFound) {
		if createErr := s.db.Create(ctx, arangodb.CollectionConversations, c.ApplicationNumber, patch); createErr != nil {
			return createErr
		}
		slog.DebugContext(ctx, "conversation created",
			"application_number", c.ApplicationNumber,
			"version", c.Version)
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.db.Update(ctx, arangodb.CollectionConversations, c.ApplicationNumber, patch); err != nil {
		return err
	}

	slog.DebugContext(ctx, "conversation updated",
		"application_number", c.ApplicationNumber,
		"version", c.Version)
	return nil
}

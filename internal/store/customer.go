package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rohansharp/billie-crm-sub000/common/arangodb"
	"github.com/rohansharp/billie-crm-sub000/internal/model"
)

// ErrNoCustomerID marks a customer upsert with no resolvable key.
var ErrNoCustomerID = errors.New("customer has no customer id")

// CustomerStore persists customer aggregates keyed by customer id. Incoming
// fields are merged, never replaced, so an event supplying only a phone
// number cannot erase a previously stored address.
type CustomerStore struct {
	db arangodb.Client
}

func NewCustomerStore(db arangodb.Client) *CustomerStore {
	return &CustomerStore{db: db}
}

func (s *CustomerStore) FindByCustomerID(ctx context.Context, customerID string) (*model.Customer, error) {
	raw, err := s.db.Find(ctx, arangodb.CollectionCustomers, map[string]any{"customerId": customerID})
	if err != nil {
		return nil, err
	}
	return fromDocument[model.Customer](raw)
}

// Upsert merges the incoming customer into the stored aggregate, creating it
// on first reference.
func (s *CustomerStore) Upsert(ctx context.Context, incoming *model.Customer) error {
	if incoming == nil || incoming.CustomerID == "" {
		return ErrNoCustomerID
	}

	existing, err := s.FindByCustomerID(ctx, incoming.CustomerID)
	if errors.Is(err, arangodb.ErrNotFound) {
		incoming.Version = 1
		incoming.UpdatedAt = time.Now().UTC()

		patch, patchErr := toPatch(incoming)
		if patchErr != nil {
			return patchErr
		}
		if createErr := s.db.Create(ctx, arangodb.CollectionCustomers, incoming.CustomerID, patch); createErr != nil {
			return createErr
		}
		slog.DebugContext(ctx, "customer created", "customer_id", incoming.CustomerID)
		return nil
	}
	if err != nil {
		return err
	}

	existing.Merge(incoming)
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()

	patch, err := toPatch(existing)
	if err != nil {
		return err
	}
	if err := s.db.Update(ctx, arangodb.CollectionCustomers, existing.CustomerID, patch); err != nil {
		return err
	}

	slog.DebugContext(ctx, "customer updated",
		"customer_id", existing.CustomerID,
		"version", existing.Version)
	return nil
}

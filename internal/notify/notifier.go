package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rohansharp/billie-crm-sub000/common/logger"
)

// Operations reported on the change channel.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
)

// publisher is the slice of redis.Client the notifier needs. Narrowed for
// testability.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Notifier publishes post-commit change notifications so UI subscribers can
// refresh. Delivery is best-effort: failures are logged and swallowed, never
// affecting the durability of the projection itself.
type Notifier struct {
	client  publisher
	channel string
}

func New(client *redis.Client, channel string) *Notifier {
	return &Notifier{client: client, channel: channel}
}

// message is the wire shape subscribers receive.
type message struct {
	Collection string    `json:"collection"`
	Operation  string    `json:"operation"`
	Doc        any       `json:"doc"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notify publishes one change notification. It never returns an error.
func (n *Notifier) Notify(ctx context.Context, collection, operation string, doc any) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "crm.notify",
	})

	body, err := json.Marshal(message{
		Collection: collection,
		Operation:  operation,
		Doc:        doc,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to marshal change notification",
			"error", err,
			"collection", collection)
		return
	}

	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		slog.WarnContext(ctx, "failed to publish change notification",
			"error", err,
			"collection", collection,
			"channel", n.channel)
	}
}

// newWithPublisher exists for tests.
func newWithPublisher(client publisher, channel string) *Notifier {
	return &Notifier{client: client, channel: channel}
}

package arangodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/arangodb/shared"
	"github.com/arangodb/go-driver/v2/connection"
)

var ErrNotFound = errors.New("document not found")

// Collections owned by the projector. Both are lazily created; documents are
// only ever inserted or patched, never deleted.
const (
	CollectionConversations = "conversations"
	CollectionCustomers     = "customers"
)

// Client is the narrow document-store surface the projector uses. The CRM
// never issues raw queries beyond find-by-filter plus keyed create/update.
type Client interface {
	// Setup operations
	EnsureDatabase(ctx context.Context) error
	EnsureCollections(ctx context.Context) error

	// Document operations
	Find(ctx context.Context, collection string, filter map[string]any) (map[string]any, error)
	Create(ctx context.Context, collection, key string, doc map[string]any) error
	Update(ctx context.Context, collection, key string, patch map[string]any) error

	// Utility
	Close() error
}

type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("arangodb username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

type client struct {
	conn         connection.Connection
	arangoClient arangodb.Client
	db           arangodb.Database
	cfg          Config
}

func New(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arangodb config: %w", err)
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))

	auth := connection.NewBasicAuth(cfg.Username, cfg.Password)
	if err := conn.SetAuthentication(auth); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}

	arangoClient := arangodb.NewClient(conn)

	c := &client{
		conn:         conn,
		arangoClient: arangoClient,
		cfg:          cfg,
	}

	return c, nil
}

func (c *client) Close() error {
	return nil
}

func (c *client) EnsureDatabase(ctx context.Context) error {
	start := time.Now()

	exists, err := c.arangoClient.DatabaseExists(ctx, c.cfg.Database)
	if err != nil {
		return fmt.Errorf("check database exists: %w", err)
	}

	if !exists {
		_, err = c.arangoClient.CreateDatabase(ctx, c.cfg.Database, nil)
		if err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		slog.InfoContext(ctx, "arangodb database created",
			"database", c.cfg.Database,
			"duration_ms", time.Since(start).Milliseconds())
	}

	db, err := c.arangoClient.GetDatabase(ctx, c.cfg.Database, nil)
	if err != nil {
		return fmt.Errorf("get database: %w", err)
	}
	c.db = db

	return nil
}

func (c *client) EnsureCollections(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized, call EnsureDatabase first")
	}

	for _, name := range []string{CollectionConversations, CollectionCustomers} {
		exists, err := c.db.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check collection %s exists: %w", name, err)
		}

		if !exists {
			colType := arangodb.CollectionTypeDocument
			props := &arangodb.CreateCollectionPropertiesV2{Type: &colType}

			_, err = c.db.CreateCollectionV2(ctx, name, props)
			if err != nil {
				return fmt.Errorf("create collection %s: %w", name, err)
			}
			slog.InfoContext(ctx, "arangodb collection created", "collection", name)
		}
	}

	return nil
}

// Find returns the first document in the collection matching every field in
// the filter, or ErrNotFound. Filters are flat equality matches only.
func (c *client) Find(ctx context.Context, collection string, filter map[string]any) (map[string]any, error) {
	if c.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	start := time.Now()

	query := "FOR d IN @@collection"
	bindVars := map[string]any{
		"@collection": collection,
	}

	i := 0
	for field, value := range filter {
		query += fmt.Sprintf(" FILTER d.@field%d == @value%d", i, i)
		bindVars[fmt.Sprintf("field%d", i)] = field
		bindVars[fmt.Sprintf("value%d", i)] = value
		i++
	}
	query += " LIMIT 1 RETURN d"

	cursor, err := c.db.Query(ctx, query, &arangodb.QueryOptions{
		BindVars: bindVars,
	})
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	defer cursor.Close()

	if !cursor.HasMore() {
		return nil, ErrNotFound
	}

	var doc map[string]any
	if _, err := cursor.ReadDocument(ctx, &doc); err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	slog.DebugContext(ctx, "arangodb document found",
		"collection", collection,
		"duration_ms", time.Since(start).Milliseconds())

	return doc, nil
}

func (c *client) Create(ctx context.Context, collection, key string, doc map[string]any) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	col, err := c.db.GetCollection(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", collection, err)
	}

	payload := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		payload[k] = v
	}
	payload["_key"] = key

	if _, err := col.CreateDocument(ctx, payload); err != nil {
		return fmt.Errorf("create document in %s: %w", collection, err)
	}

	slog.DebugContext(ctx, "arangodb document created",
		"collection", collection,
		"key", key)

	return nil
}

func (c *client) Update(ctx context.Context, collection, key string, patch map[string]any) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	col, err := c.db.GetCollection(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", collection, err)
	}

	if _, err := col.UpdateDocument(ctx, key, patch); err != nil {
		if shared.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update document %s/%s: %w", collection, key, err)
	}

	slog.DebugContext(ctx, "arangodb document updated",
		"collection", collection,
		"key", key)

	return nil
}

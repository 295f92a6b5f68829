// Command emit appends a single event to the Billie event stream. It exists
// for manual testing against a local stack:
//
//	go run ./cmd/emit -type customer_utterance \
//	    -conversation C-123 \
//	    -field applicationNumber=AP-9000 \
//	    -field utterance="hi there"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rohansharp/billie-crm-sub000/core/config"
	"github.com/rohansharp/billie-crm-sub000/internal/stream"
)

type fieldFlags map[string]string

func (f fieldFlags) String() string { return fmt.Sprint(map[string]string(f)) }

func (f fieldFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("field must be key=value, got %q", value)
	}
	f[key] = val
	return nil
}

func main() {
	fields := fieldFlags{}
	eventType := flag.String("type", "", "event type (required)")
	agent := flag.String("agent", "", "producer agent (defaults to SOURCE_AGENT)")
	conversation := flag.String("conversation", "", "conversation id")
	flag.Var(fields, "field", "payload field as key=value (repeatable; values may be JSON)")
	flag.Parse()

	if *eventType == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Stream.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	client := stream.New(redisClient, stream.Config{
		Stream: cfg.Stream.Stream,
	})

	if *agent == "" {
		*agent = cfg.Stream.SourceAgent
	}

	values := map[string]any{
		"agent":     *agent,
		"type":      *eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if *conversation != "" {
		values["conversationId"] = *conversation
	}
	for key, val := range fields {
		values[key] = val
	}

	entryID, err := client.Append(ctx, values)
	if err != nil {
		slog.ErrorContext(ctx, "failed to append event", "error", err)
		os.Exit(1)
	}

	fmt.Println(entryID)
}

package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within
// a context. Fields flow through context enrichment, so business context
// (conversation id, application number, etc.) is included in every log
// statement without being threaded by hand.
type LogFields struct {
	EntryID           *string // Redis stream entry ID
	ConversationID    *string // Billie conversation/session identifier
	ApplicationNumber *string // Loan application number (conversation aggregate key)
	CustomerID        *string // Customer aggregate key
	EventType         *string // Event type (e.g. "customer_utterance")
	Component         string  // Component name (e.g. "crm.worker")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking
// precedence. Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.EntryID != nil {
		result.EntryID = new.EntryID
	}
	if new.ConversationID != nil {
		result.ConversationID = new.ConversationID
	}
	if new.ApplicationNumber != nil {
		result.ApplicationNumber = new.ApplicationNumber
	}
	if new.CustomerID != nil {
		result.CustomerID = new.CustomerID
	}
	if new.EventType != nil {
		result.EventType = new.EventType
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{EntryID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

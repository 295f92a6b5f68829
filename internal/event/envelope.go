package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rohansharp/billie-crm-sub000/internal/stream"
)

// Kind discriminates which projection handler an event routes to. Unknown
// kinds are not an error; the projection passes them through with only a
// version bump.
type Kind string

const (
	KindConversationStarted Kind = "conversation_started"
	KindCustomerUtterance   Kind = "customer_utterance"
	KindAssistantUtterance  Kind = "assistant_utterance"
	KindApplicationDetails  Kind = "application_details_changed"
	KindRiskAssessment      Kind = "risk_assessment_result"
	KindServiceability      Kind = "serviceability_assessment_result"
	KindFraudCheck          Kind = "fraud_check_result"
	KindNoticeboardUpdate   Kind = "noticeboard_update"
	KindFinalDecision       Kind = "final_decision"
)

// ErrMissingType marks an entry that cannot be routed to any handler.
// Redelivery cannot fix it, so the worker drops and acknowledges it.
var ErrMissingType = errors.New("entry has no type field")

// Reserved wire fields lifted out of the payload.
const (
	fieldAgent          = "agent"
	fieldType           = "type"
	fieldConversationID = "conversationId"
	fieldTimestamp      = "timestamp"
)

// Envelope is the typed view of one stream entry. It is transient; only the
// aggregates it projects into are persisted.
type Envelope struct {
	EntryID        string
	Agent          string
	Kind           Kind
	ConversationID string
	Timestamp      time.Time
	Payload        map[string]any
}

// Decode turns a raw stream entry into an Envelope. Every field value is
// tentatively JSON-decoded; on failure the raw string is kept verbatim, so
// structured payload fields become objects while scalars pass through
// untouched. A missing conversation id is synthesized with newID, and a
// missing or unparseable timestamp falls back to now.
func Decode(entry stream.Entry, now time.Time, newID func() string) (Envelope, error) {
	env := Envelope{
		EntryID:   entry.ID,
		Timestamp: now,
		Payload:   make(map[string]any),
	}

	for key, raw := range entry.Values {
		value := decodeValue(raw)

		switch key {
		case fieldAgent:
			env.Agent = stringify(value)
		case fieldType:
			env.Kind = Kind(stringify(value))
		case fieldConversationID:
			env.ConversationID = stringify(value)
		case fieldTimestamp:
			if ts, ok := parseTimestamp(value); ok {
				env.Timestamp = ts
			}
		default:
			env.Payload[key] = value
		}
	}

	if env.Kind == "" {
		return Envelope{}, ErrMissingType
	}

	if env.ConversationID == "" {
		env.ConversationID = newID()
	}

	return env, nil
}

// ApplicationNumber derives the loan application number from the payload.
// It is checked at the top level and inside the application sub-object;
// older producers nested it.
func (e Envelope) ApplicationNumber() string {
	if n := stringify(e.Payload["applicationNumber"]); n != "" {
		return n
	}
	if app, ok := e.Payload["application"].(map[string]any); ok {
		return stringify(app["applicationNumber"])
	}
	return ""
}

// PayloadString renders a payload field as a string. Free-text fields that
// happen to look like JSON scalars ("360", "true") decode to non-string
// values; callers that want the text back must not type-assert.
func (e Envelope) PayloadString(key string) string {
	return stringify(e.Payload[key])
}

// CustomerID derives the customer id from the payload, looking through the
// same historical locations as the embedded customer object.
func (e Envelope) CustomerID() string {
	if c := stringify(e.Payload["customerId"]); c != "" {
		return c
	}
	if cust, ok := e.Payload["customer"].(map[string]any); ok {
		if c := stringify(cust["customerId"]); c != "" {
			return c
		}
	}
	if app, ok := e.Payload["application"].(map[string]any); ok {
		if cust, ok := app["customer"].(map[string]any); ok {
			return stringify(cust["customerId"])
		}
	}
	return ""
}

func decodeValue(raw any) any {
	s, ok := raw.(string)
	if !ok {
		// Already-structured values (tests and non-string producers) cannot
		// round-trip through fmt.Sprint; keep them intact.
		return raw
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil || decoded == nil {
		// Not JSON, or the JSON literal null; the raw text carries more
		// information either way.
		return s
	}
	return decoded
}

// stringify renders scalar payload values as strings. Numbers that survived
// JSON decoding come back as float64; integral ones must not grow a decimal
// point (application numbers are digits on the wire).
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case float64:
		// Producer sends epoch milliseconds.
		if t > 0 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
	}
	return time.Time{}, false
}

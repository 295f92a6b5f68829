package projection

import (
	"strings"

	"github.com/rohansharp/billie-crm-sub000/internal/event"
	"github.com/rohansharp/billie-crm-sub000/internal/model"
)

// handler applies one event to a working copy of the aggregate. Handlers
// mutate next in place; Project owns cloning and version bookkeeping.
type handler func(next *model.Conversation, env event.Envelope)

// Engine projects events onto conversation aggregates. It is a pure
// transformation: the prior snapshot is never mutated, and the same
// (snapshot, event) pair always yields the same result.
type Engine struct {
	handlers map[event.Kind]handler
}

func NewEngine() *Engine {
	e := &Engine{}
	e.handlers = map[event.Kind]handler{
		event.KindConversationStarted: e.applyConversationStarted,
		event.KindCustomerUtterance:   e.applyCustomerUtterance,
		event.KindAssistantUtterance:  e.applyAssistantUtterance,
		event.KindApplicationDetails:  e.applyApplicationDetails,
		event.KindRiskAssessment:      e.applyRiskAssessment,
		event.KindServiceability:      e.applyServiceability,
		event.KindFraudCheck:          e.applyFraudCheck,
		event.KindNoticeboardUpdate:   e.applyNoticeboardUpdate,
		event.KindFinalDecision:       e.applyFinalDecision,
	}
	return e
}

// Project computes the next aggregate state from the prior snapshot and one
// event. A nil prev creates the aggregate lazily. Unknown event kinds pass
// through unchanged apart from the version bump, which every event gets
// exactly once.
func (e *Engine) Project(prev *model.Conversation, env event.Envelope) *model.Conversation {
	next := prev.Clone()
	if next == nil {
		next = &model.Conversation{Status: model.StatusActive}
	}

	if apply, ok := e.handlers[env.Kind]; ok {
		if next.ConversationID == "" {
			next.ConversationID = env.ConversationID
		}
		// The application number is immutable once set.
		if next.ApplicationNumber == "" {
			next.ApplicationNumber = env.ApplicationNumber()
		}
		if next.CustomerID == "" {
			next.CustomerID = env.CustomerID()
		}

		apply(next, env)
	}

	next.Version++
	next.UpdatedAt = env.Timestamp

	return next
}

func (e *Engine) applyConversationStarted(next *model.Conversation, env event.Envelope) {
	if next.StartTime.IsZero() {
		next.StartTime = env.Timestamp
	}
}

func (e *Engine) applyCustomerUtterance(next *model.Conversation, env event.Envelope) {
	appendUtterance(next, env, model.SenderCustomer)
}

func (e *Engine) applyAssistantUtterance(next *model.Conversation, env event.Envelope) {
	appendUtterance(next, env, model.SenderAssistant)
}

// appendUtterance records a message unless its text is blank after trimming.
// Blank utterances neither append nor advance lastUtteranceTime.
func appendUtterance(next *model.Conversation, env event.Envelope, sender string) {
	text := strings.TrimSpace(payloadString(env, "utterance"))
	if text == "" {
		return
	}

	next.Messages = append(next.Messages, model.Message{
		Sender:    sender,
		Utterance: text,
		Timestamp: env.Timestamp,
	})
	next.LastUtteranceTime = env.Timestamp
}

func (e *Engine) applyApplicationDetails(next *model.Conversation, env event.Envelope) {
	if cust := ExtractCustomer(env); cust != nil {
		if next.Customer == nil {
			next.Customer = &model.Customer{}
		}
		next.Customer.Merge(cust)
		if next.CustomerID == "" {
			next.CustomerID = cust.CustomerID
		}
	}

	fields := applicationFields(env)
	if len(fields) > 0 {
		next.Application = deepMerge(next.Application, fields, 0)
	}
}

// applicationFields collects the payload fields destined for the application
// sub-object: everything except the embedded customer, with a nested
// application object hoisted to the top level (older producers wrapped the
// fields).
func applicationFields(env event.Envelope) map[string]any {
	fields := make(map[string]any, len(env.Payload))
	for key, value := range env.Payload {
		if key == "customer" || key == "application" {
			continue
		}
		fields[key] = value
	}

	if nested, ok := env.Payload["application"].(map[string]any); ok {
		for key, value := range nested {
			if key == "customer" {
				continue
			}
			fields[key] = value
		}
	}

	return fields
}

func (e *Engine) applyRiskAssessment(next *model.Conversation, env event.Envelope) {
	next.Assessments.IdentityRisk = decodeAssessment(env)
}

func (e *Engine) applyServiceability(next *model.Conversation, env event.Envelope) {
	next.Assessments.Serviceability = decodeAssessment(env)
}

func (e *Engine) applyFraudCheck(next *model.Conversation, env event.Envelope) {
	next.Assessments.FraudCheck = decodeAssessment(env)
}

// decodeAssessment builds the last-write-wins assessment slot value.
func decodeAssessment(env event.Envelope) *model.Assessment {
	a := &model.Assessment{
		Outcome:   payloadString(env, "outcome"),
		Timestamp: env.Timestamp,
	}

	if score, ok := env.Payload["score"].(float64); ok {
		a.Score = &score
	}

	if raw, ok := env.Payload["reasons"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				a.Reasons = append(a.Reasons, s)
			}
		}
	}

	return a
}

func (e *Engine) applyNoticeboardUpdate(next *model.Conversation, env event.Envelope) {
	agentName := payloadString(env, "agentName")
	if agentName == "" {
		return
	}

	if next.Noticeboard == nil {
		next.Noticeboard = make(map[string]model.NoticeboardEntry)
	}

	entry, exists := next.Noticeboard[agentName]
	if exists {
		// The superseded write goes onto the history before being replaced.
		entry.Versions = append(entry.Versions, model.NoticeboardVersion{
			Content:   entry.Content,
			Timestamp: entry.Timestamp,
		})
	}

	entry.Content = env.Payload["content"]
	entry.Timestamp = env.Timestamp
	next.Noticeboard[agentName] = entry
}

func (e *Engine) applyFinalDecision(next *model.Conversation, env event.Envelope) {
	decision := payloadString(env, "decision")
	if decision == "" {
		return
	}

	next.FinalDecision = decision

	switch decision {
	case model.DecisionApproved:
		next.Status = model.StatusApproved
	case model.DecisionDeclined:
		next.Status = model.StatusDeclined
	}
	// Any other decision value leaves status untouched.
}

// ExtractCustomer pulls the embedded customer sub-object out of an event
// payload. It is checked at payload.customer and payload.application.customer
// for historical compatibility. Returns nil when no customer is present.
func ExtractCustomer(env event.Envelope) *model.Customer {
	raw, ok := env.Payload["customer"].(map[string]any)
	if !ok {
		if app, appOK := env.Payload["application"].(map[string]any); appOK {
			raw, ok = app["customer"].(map[string]any)
		}
	}
	if !ok {
		return nil
	}

	cust := &model.Customer{
		CustomerID:  mapString(raw, "customerId"),
		FirstName:   mapString(raw, "firstName"),
		LastName:    mapString(raw, "lastName"),
		Email:       mapString(raw, "email"),
		Phone:       mapString(raw, "phone"),
		DateOfBirth: mapString(raw, "dateOfBirth"),
	}

	if addr, ok := raw["residentialAddress"].(map[string]any); ok {
		cust.ResidentialAddress = &model.Address{
			Line1:    mapString(addr, "line1"),
			Line2:    mapString(addr, "line2"),
			Suburb:   mapString(addr, "suburb"),
			State:    mapString(addr, "state"),
			Postcode: mapString(addr, "postcode"),
			Country:  mapString(addr, "country"),
		}
	}

	return cust
}

func payloadString(env event.Envelope, key string) string {
	return env.PayloadString(key)
}

func mapString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

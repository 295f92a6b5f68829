package model

import "time"

// Status reflects where a conversation sits in its lifecycle. Terminal states
// (approved/declined) are only ever set by a final decision event.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusSoftEnd  Status = "soft_end"
	StatusHardEnd  Status = "hard_end"
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
)

// Decision values carried by final decision events.
const (
	DecisionApproved = "APPROVED"
	DecisionDeclined = "DECLINED"
)

// Message senders.
const (
	SenderCustomer  = "customer"
	SenderAssistant = "assistant"
)

// Message is one utterance in a conversation. Utterances with blank text are
// dropped before they ever reach a Conversation.
type Message struct {
	Sender    string    `json:"sender"`
	Utterance string    `json:"utterance"`
	Timestamp time.Time `json:"timestamp"`
}

// Assessment is the outcome of one automated check. Each named slot is
// last-write-wins; history is not kept.
type Assessment struct {
	Outcome   string    `json:"outcome,omitempty"`
	Score     *float64  `json:"score,omitempty"`
	Reasons   []string  `json:"reasons,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Assessments holds the fixed set of named assessment slots.
type Assessments struct {
	IdentityRisk   *Assessment `json:"identityRisk,omitempty"`
	Serviceability *Assessment `json:"serviceability,omitempty"`
	FraudCheck     *Assessment `json:"fraudCheck,omitempty"`
}

// Empty reports whether no assessment slot has been filled.
func (a Assessments) Empty() bool {
	return a.IdentityRisk == nil && a.Serviceability == nil && a.FraudCheck == nil
}

// NoticeboardVersion is a superseded noticeboard write.
type NoticeboardVersion struct {
	Content   any       `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NoticeboardEntry is the current posting for one agent. Overwriting an entry
// pushes the previous content/timestamp onto Versions, so Versions is an
// append-only history, never trimmed.
type NoticeboardEntry struct {
	Content   any                  `json:"content"`
	Timestamp time.Time            `json:"timestamp"`
	Versions  []NoticeboardVersion `json:"versions,omitempty"`
}

// Conversation is the projected read model for one loan application
// conversation. It is keyed by ApplicationNumber, which is immutable once
// set. The Noticeboard is a map in memory; the store adapter converts it to
// an ordered array at the persistence boundary.
type Conversation struct {
	ApplicationNumber string                      `json:"applicationNumber"`
	ConversationID    string                      `json:"conversationId,omitempty"`
	CustomerID        string                      `json:"customerId,omitempty"`
	Status            Status                      `json:"status,omitempty"`
	StartTime         time.Time                   `json:"startTime,omitzero"`
	LastUtteranceTime time.Time                   `json:"lastUtteranceTime,omitzero"`
	Messages          []Message                   `json:"messages,omitempty"`
	Assessments       Assessments                 `json:"assessments"`
	Noticeboard       map[string]NoticeboardEntry `json:"noticeboard,omitempty"`
	Application       map[string]any              `json:"application,omitempty"`
	Customer          *Customer                   `json:"customer,omitempty"`
	FinalDecision     string                      `json:"finalDecision,omitempty"`
	Version           int64                       `json:"version"`
	UpdatedAt         time.Time                   `json:"updatedAt"`
}

// Clone returns a deep copy. The projection engine never mutates the prior
// snapshot it is handed.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}

	out := *c

	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		copy(out.Messages, c.Messages)
	}

	if c.Assessments.IdentityRisk != nil {
		cp := *c.Assessments.IdentityRisk
		out.Assessments.IdentityRisk = &cp
	}
	if c.Assessments.Serviceability != nil {
		cp := *c.Assessments.Serviceability
		out.Assessments.Serviceability = &cp
	}
	if c.Assessments.FraudCheck != nil {
		cp := *c.Assessments.FraudCheck
		out.Assessments.FraudCheck = &cp
	}

	if c.Noticeboard != nil {
		out.Noticeboard = make(map[string]NoticeboardEntry, len(c.Noticeboard))
		for agent, entry := range c.Noticeboard {
			cp := entry
			if entry.Versions != nil {
				cp.Versions = make([]NoticeboardVersion, len(entry.Versions))
				copy(cp.Versions, entry.Versions)
			}
			out.Noticeboard[agent] = cp
		}
	}

	if c.Application != nil {
		out.Application = cloneMap(c.Application)
	}

	if c.Customer != nil {
		out.Customer = c.Customer.Clone()
	}

	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

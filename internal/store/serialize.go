package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rohansharp/billie-crm-sub000/internal/model"
)

// conversationDoc is the persisted shape of a conversation aggregate. It
// differs from the in-memory model in one way: the noticeboard is an array
// ordered by agent name, because the admin views render it as table rows.
type conversationDoc struct {
	ApplicationNumber string            `json:"applicationNumber"`
	ConversationID    string            `json:"conversationId,omitempty"`
	CustomerID        string            `json:"customerId,omitempty"`
	Status            model.Status      `json:"status,omitempty"`
	StartTime         time.Time         `json:"startTime,omitzero"`
	LastUtteranceTime time.Time         `json:"lastUtteranceTime,omitzero"`
	Messages          []model.Message   `json:"messages,omitempty"`
	Assessments       model.Assessments `json:"assessments,omitzero"`
	Noticeboard       []noticeboardDoc  `json:"noticeboard,omitempty"`
	Application       map[string]any    `json:"application,omitempty"`
	Customer          *model.Customer   `json:"customer,omitempty"`
	FinalDecision     string            `json:"finalDecision,omitempty"`
	Version           int64             `json:"version"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type noticeboardDoc struct {
	AgentName string                     `json:"agentName"`
	Content   any                        `json:"content"`
	Timestamp time.Time                  `json:"timestamp"`
	Versions  []model.NoticeboardVersion `json:"versions,omitempty"`
}

func newConversationDoc(c *model.Conversation) conversationDoc {
	doc := conversationDoc{
		ApplicationNumber: c.ApplicationNumber,
		ConversationID:    c.ConversationID,
		CustomerID:        c.CustomerID,
		Status:            c.Status,
		StartTime:         c.StartTime,
		LastUtteranceTime: c.LastUtteranceTime,
		Messages:          c.Messages,
		Assessments:       c.Assessments,
		Application:       c.Application,
		Customer:          c.Customer,
		FinalDecision:     c.FinalDecision,
		Version:           c.Version,
		UpdatedAt:         c.UpdatedAt,
	}

	if len(c.Noticeboard) > 0 {
		doc.Noticeboard = make([]noticeboardDoc, 0, len(c.Noticeboard))
		for agent, entry := range c.Noticeboard {
			doc.Noticeboard = append(doc.Noticeboard, noticeboardDoc{
				AgentName: agent,
				Content:   entry.Content,
				Timestamp: entry.Timestamp,
				Versions:  entry.Versions,
			})
		}
		sort.Slice(doc.Noticeboard, func(i, j int) bool {
			return doc.Noticeboard[i].AgentName < doc.Noticeboard[j].AgentName
		})
	}

	return doc
}

func (d conversationDoc) toModel() *model.Conversation {
	c := &model.Conversation{
		ApplicationNumber: d.ApplicationNumber,
		ConversationID:    d.ConversationID,
		CustomerID:        d.CustomerID,
		Status:            d.Status,
		StartTime:         d.StartTime,
		LastUtteranceTime: d.LastUtteranceTime,
		Messages:          d.Messages,
		Assessments:       d.Assessments,
		Application:       d.Application,
		Customer:          d.Customer,
		FinalDecision:     d.FinalDecision,
		Version:           d.Version,
		UpdatedAt:         d.UpdatedAt,
	}

	if len(d.Noticeboard) > 0 {
		c.Noticeboard = make(map[string]model.NoticeboardEntry, len(d.Noticeboard))
		for _, entry := range d.Noticeboard {
			c.Noticeboard[entry.AgentName] = model.NoticeboardEntry{
				Content:   entry.Content,
				Timestamp: entry.Timestamp,
				Versions:  entry.Versions,
			}
		}
	}

	return c
}

// toPatch renders a document as the flat map handed to the document store.
// Fields left empty on the aggregate are omitted by the JSON tags, so a
// partial update never clobbers unrelated fields with zero values.
func toPatch(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, fmt.Errorf("unmarshaling document: %w", err)
	}

	return patch, nil
}

func fromDocument[T any](doc map[string]any) (*T, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling stored document: %w", err)
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling stored document: %w", err)
	}

	return &out, nil
}

package projection_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rohansharp/billie-crm-sub000/internal/event"
	"github.com/rohansharp/billie-crm-sub000/internal/model"
	"github.com/rohansharp/billie-crm-sub000/internal/projection"
)

var _ = Describe("Engine", func() {
	var (
		engine *projection.Engine
		base   time.Time
	)

	BeforeEach(func() {
		engine = projection.NewEngine()
		base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	})

	envelope := func(kind event.Kind, payload map[string]any) event.Envelope {
		return event.Envelope{
			EntryID:        "1-0",
			Agent:          "billie",
			Kind:           kind,
			ConversationID: "C-1",
			Timestamp:      base,
			Payload:        payload,
		}
	}

	Describe("Project", func() {
		It("creates the aggregate lazily from a nil snapshot", func() {
			next := engine.Project(nil, envelope(event.KindConversationStarted, map[string]any{
				"applicationNumber": "AP-100",
			}))

			Expect(next).NotTo(BeNil())
			Expect(next.ConversationID).To(Equal("C-1"))
			Expect(next.ApplicationNumber).To(Equal("AP-100"))
			Expect(next.Status).To(Equal(model.StatusActive))
			Expect(next.Version).To(Equal(int64(1)))
			Expect(next.StartTime).To(Equal(base))
		})

		It("never mutates the prior snapshot", func() {
			prev := engine.Project(nil, envelope(event.KindConversationStarted, nil))
			prevVersion := prev.Version

			next := engine.Project(prev, envelope(event.KindCustomerUtterance, map[string]any{
				"utterance": "hello",
			}))

			Expect(prev.Version).To(Equal(prevVersion))
			Expect(prev.Messages).To(BeEmpty())
			Expect(next.Messages).To(HaveLen(1))
		})

		It("bumps the version exactly once per event, known kind or not", func() {
			var state *model.Conversation
			kinds := []event.Kind{
				event.KindConversationStarted,
				event.KindCustomerUtterance,
				event.Kind("totally_unknown"),
				event.KindFinalDecision,
			}

			for i, kind := range kinds {
				state = engine.Project(state, envelope(kind, map[string]any{"utterance": "hi"}))
				Expect(state.Version).To(Equal(int64(i + 1)))
			}
		})

		It("keeps the application number immutable once set", func() {
			state := engine.Project(nil, envelope(event.KindConversationStarted, map[string]any{
				"applicationNumber": "AP-1",
			}))
			state = engine.Project(state, envelope(event.KindApplicationDetails, map[string]any{
				"applicationNumber": "AP-2",
			}))

			Expect(state.ApplicationNumber).To(Equal("AP-1"))
		})

		It("passes unknown kinds through with only version and updatedAt changed", func() {
			prev := engine.Project(nil, envelope(event.KindCustomerUtterance, map[string]any{
				"utterance": "hi",
			}))
			later := base.Add(time.Minute)

			env := envelope(event.Kind("mystery"), map[string]any{"anything": "at all"})
			env.Timestamp = later
			next := engine.Project(prev, env)

			Expect(next.Version).To(Equal(prev.Version + 1))
			Expect(next.UpdatedAt).To(Equal(later))
			Expect(next.Messages).To(Equal(prev.Messages))
			Expect(next.Status).To(Equal(prev.Status))
		})

		It("does not adopt identity fields from unknown kinds", func() {
			prev := engine.Project(nil, envelope(event.KindCustomerUtterance, map[string]any{
				"utterance": "hi",
			}))
			Expect(prev.ApplicationNumber).To(BeEmpty())

			env := envelope(event.Kind("mystery"), map[string]any{
				"applicationNumber": "AP-X",
				"customerId":        "CU-X",
			})
			next := engine.Project(prev, env)

			Expect(next.ApplicationNumber).To(BeEmpty())
			Expect(next.CustomerID).To(BeEmpty())
			Expect(next.Version).To(Equal(prev.Version + 1))
		})

		It("is deterministic for the same snapshot and event", func() {
			prev := engine.Project(nil, envelope(event.KindConversationStarted, nil))
			env := envelope(event.KindCustomerUtterance, map[string]any{"utterance": "same"})

			a := engine.Project(prev, env)
			b := engine.Project(prev, env)

			Expect(a).To(Equal(b))
		})
	})

	Describe("utterances", func() {
		It("appends messages with the right sender and advances lastUtteranceTime", func() {
			state := engine.Project(nil, envelope(event.KindCustomerUtterance, map[string]any{
				"utterance": "I need a loan",
			}))

			reply := envelope(event.KindAssistantUtterance, map[string]any{
				"utterance": "Sure, let's start",
			})
			reply.Timestamp = base.Add(time.Second)
			state = engine.Project(state, reply)

			Expect(state.Messages).To(HaveLen(2))
			Expect(state.Messages[0].Sender).To(Equal(model.SenderCustomer))
			Expect(state.Messages[1].Sender).To(Equal(model.SenderAssistant))
			Expect(state.LastUtteranceTime).To(Equal(base.Add(time.Second)))
		})

		It("keeps utterances that decoded as JSON scalars", func() {
			// A customer typing "360" or "true" arrives as a number or bool
			// after wire decoding; the text must still be recorded.
			state := engine.Project(nil, envelope(event.KindCustomerUtterance, map[string]any{
				"utterance": float64(360),
			}))
			state = engine.Project(state, envelope(event.KindCustomerUtterance, map[string]any{
				"utterance": true,
			}))

			Expect(state.Messages).To(HaveLen(2))
			Expect(state.Messages[0].Utterance).To(Equal("360"))
			Expect(state.Messages[1].Utterance).To(Equal("true"))
			Expect(state.LastUtteranceTime).To(Equal(base))
		})

		It("drops blank utterances without touching lastUtteranceTime", func() {
			state := engine.Project(nil, envelope(event.KindCustomerUtterance, map[string]any{
				"utterance": "real",
			}))
			lastUtterance := state.LastUtteranceTime

			blank := envelope(event.KindCustomerUtterance, map[string]any{"utterance": "   "})
			blank.Timestamp = base.Add(time.Hour)
			state = engine.Project(state, blank)

			Expect(state.Messages).To(HaveLen(1))
			Expect(state.LastUtteranceTime).To(Equal(lastUtterance))
			Expect(state.Version).To(Equal(int64(2)))
		})
	})

	Describe("application details", func() {
		It("merges customer fields non-destructively", func() {
			state := engine.Project(nil, envelope(event.KindApplicationDetails, map[string]any{
				"customer": map[string]any{
					"customerId": "CU-1",
					"firstName":  "Maya",
					"email":      "maya@example.com",
				},
			}))

			state = engine.Project(state, envelope(event.KindApplicationDetails, map[string]any{
				"customer": map[string]any{
					"customerId": "CU-1",
					"lastName":   "Nguyen",
				},
			}))

			Expect(state.Customer).NotTo(BeNil())
			Expect(state.Customer.FirstName).To(Equal("Maya"))
			Expect(state.Customer.LastName).To(Equal("Nguyen"))
			Expect(state.Customer.Email).To(Equal("maya@example.com"))
			Expect(state.CustomerID).To(Equal("CU-1"))
		})

		It("hoists a nested application object and keeps unrelated keys", func() {
			state := engine.Project(nil, envelope(event.KindApplicationDetails, map[string]any{
				"loanAmount": float64(350000),
				"application": map[string]any{
					"applicationNumber": "AP-10",
					"loanTerm":          float64(360),
					"customer":          map[string]any{"customerId": "CU-2"},
				},
			}))

			Expect(state.Application).To(HaveKeyWithValue("loanAmount", float64(350000)))
			Expect(state.Application).To(HaveKeyWithValue("loanTerm", float64(360)))
			Expect(state.Application).NotTo(HaveKey("customer"))
			Expect(state.Application).NotTo(HaveKey("application"))
			Expect(state.ApplicationNumber).To(Equal("AP-10"))
			Expect(state.CustomerID).To(Equal("CU-2"))
		})

		It("deep-merges application fields across events", func() {
			state := engine.Project(nil, envelope(event.KindApplicationDetails, map[string]any{
				"property": map[string]any{"postcode": "2000", "type": "house"},
			}))
			state = engine.Project(state, envelope(event.KindApplicationDetails, map[string]any{
				"property": map[string]any{"postcode": "2010"},
			}))

			property := state.Application["property"].(map[string]any)
			Expect(property).To(HaveKeyWithValue("postcode", "2010"))
			Expect(property).To(HaveKeyWithValue("type", "house"))
		})
	})

	Describe("assessments", func() {
		It("fills the matching slot and last write wins", func() {
			state := engine.Project(nil, envelope(event.KindRiskAssessment, map[string]any{
				"outcome": "PASS",
				"score":   float64(0.92),
				"reasons": []any{"identity verified"},
			}))

			Expect(state.Assessments.IdentityRisk).NotTo(BeNil())
			Expect(state.Assessments.IdentityRisk.Outcome).To(Equal("PASS"))
			Expect(*state.Assessments.IdentityRisk.Score).To(Equal(0.92))
			Expect(state.Assessments.Serviceability).To(BeNil())

			redo := envelope(event.KindRiskAssessment, map[string]any{"outcome": "FAIL"})
			redo.Timestamp = base.Add(time.Minute)
			state = engine.Project(state, redo)

			Expect(state.Assessments.IdentityRisk.Outcome).To(Equal("FAIL"))
			Expect(state.Assessments.IdentityRisk.Score).To(BeNil())
			Expect(state.Assessments.IdentityRisk.Timestamp).To(Equal(base.Add(time.Minute)))
		})

		It("keeps the three slots independent", func() {
			state := engine.Project(nil, envelope(event.KindServiceability, map[string]any{"outcome": "PASS"}))
			state = engine.Project(state, envelope(event.KindFraudCheck, map[string]any{"outcome": "REFER"}))

			Expect(state.Assessments.IdentityRisk).To(BeNil())
			Expect(state.Assessments.Serviceability.Outcome).To(Equal("PASS"))
			Expect(state.Assessments.FraudCheck.Outcome).To(Equal("REFER"))
		})
	})

	Describe("noticeboard", func() {
		It("keeps N-1 prior versions after N updates to one agent", func() {
			const updates = 4
			var state *model.Conversation

			for i := 0; i < updates; i++ {
				env := envelope(event.KindNoticeboardUpdate, map[string]any{
					"agentName": "underwriter",
					"content":   fmt.Sprintf("note %d", i),
				})
				env.Timestamp = base.Add(time.Duration(i) * time.Minute)
				state = engine.Project(state, env)
			}

			entry := state.Noticeboard["underwriter"]
			Expect(entry.Content).To(Equal("note 3"))
			Expect(entry.Versions).To(HaveLen(updates - 1))
			Expect(entry.Versions[0].Content).To(Equal("note 0"))
			Expect(entry.Versions[2].Content).To(Equal("note 2"))
		})

		It("tracks agents independently", func() {
			state := engine.Project(nil, envelope(event.KindNoticeboardUpdate, map[string]any{
				"agentName": "underwriter", "content": "a",
			}))
			state = engine.Project(state, envelope(event.KindNoticeboardUpdate, map[string]any{
				"agentName": "fraud", "content": "b",
			}))

			Expect(state.Noticeboard).To(HaveLen(2))
			Expect(state.Noticeboard["underwriter"].Versions).To(BeEmpty())
			Expect(state.Noticeboard["fraud"].Versions).To(BeEmpty())
		})

		It("ignores updates without an agent name", func() {
			state := engine.Project(nil, envelope(event.KindNoticeboardUpdate, map[string]any{
				"content": "orphan",
			}))

			Expect(state.Noticeboard).To(BeEmpty())
			Expect(state.Version).To(Equal(int64(1)))
		})
	})

	Describe("final decision", func() {
		It("moves an active conversation to approved", func() {
			state := engine.Project(nil, envelope(event.KindConversationStarted, nil))
			Expect(state.Status).To(Equal(model.StatusActive))

			state = engine.Project(state, envelope(event.KindFinalDecision, map[string]any{
				"decision": model.DecisionApproved,
			}))

			Expect(state.Status).To(Equal(model.StatusApproved))
			Expect(state.FinalDecision).To(Equal(model.DecisionApproved))
		})

		It("records unrecognized decisions without changing status", func() {
			state := engine.Project(nil, envelope(event.KindConversationStarted, nil))
			state = engine.Project(state, envelope(event.KindFinalDecision, map[string]any{
				"decision": "WITHDRAWN",
			}))

			Expect(state.Status).To(Equal(model.StatusActive))
			Expect(state.FinalDecision).To(Equal("WITHDRAWN"))
		})
	})
})

var _ = Describe("ExtractCustomer", func() {
	It("reads the nested application.customer location", func() {
		env := event.Envelope{Payload: map[string]any{
			"application": map[string]any{
				"customer": map[string]any{
					"customerId": "CU-3",
					"firstName":  "Ari",
					"residentialAddress": map[string]any{
						"line1":    "1 Example St",
						"suburb":   "Newtown",
						"state":    "NSW",
						"postcode": "2042",
					},
				},
			},
		}}

		cust := projection.ExtractCustomer(env)
		Expect(cust).NotTo(BeNil())
		Expect(cust.CustomerID).To(Equal("CU-3"))
		Expect(cust.ResidentialAddress).NotTo(BeNil())
		Expect(cust.ResidentialAddress.Postcode).To(Equal("2042"))
	})

	It("returns nil when no customer object is present", func() {
		env := event.Envelope{Payload: map[string]any{"loanAmount": float64(1)}}
		Expect(projection.ExtractCustomer(env)).To(BeNil())
	})
})

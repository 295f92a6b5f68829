package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rohansharp/billie-crm-sub000/common/arangodb"
	"github.com/rohansharp/billie-crm-sub000/internal/model"
	"github.com/rohansharp/billie-crm-sub000/internal/notify"
	"github.com/rohansharp/billie-crm-sub000/internal/projection"
	"github.com/rohansharp/billie-crm-sub000/internal/store"
	"github.com/rohansharp/billie-crm-sub000/internal/stream"
	"github.com/rohansharp/billie-crm-sub000/internal/worker"
)

var _ = Describe("Worker", func() {
	var (
		streamMock    *mockStream
		conversations *mockConversationStore
		customers     *mockCustomerStore
		notifier      *mockNotifier
		recorder      *mockRecorder
		w             *worker.Worker
		ctx           context.Context
	)

	newWorker := func() *worker.Worker {
		return worker.New(streamMock, conversations, customers, projection.NewEngine(), notifier, recorder, worker.Config{
			SourceAgent: "billie",
			Backoff:     time.Millisecond,
			NewID:       func() string { return "SYN-1" },
		})
	}

	BeforeEach(func() {
		streamMock = &mockStream{}
		conversations = &mockConversationStore{
			findByApplicationFn: func(ctx context.Context, applicationNumber string) (*model.Conversation, error) {
				return nil, store.ErrNotFound
			},
			findByConversationFn: func(ctx context.Context, conversationID string) (*model.Conversation, error) {
				return nil, store.ErrNotFound
			},
		}
		customers = &mockCustomerStore{}
		notifier = &mockNotifier{}
		recorder = &mockRecorder{}
		ctx = context.Background()
		w = newWorker()
	})

	entry := func(values map[string]any) stream.Entry {
		return stream.Entry{ID: "100-0", Values: values}
	}

	Describe("ProcessEntry", func() {
		It("projects, persists, notifies, records, then acknowledges", func() {
			var order []string
			conversations.upsertFn = func(ctx context.Context, c *model.Conversation) error {
				order = append(order, "persist")
				return nil
			}
			streamMock.ackFn = func(ctx context.Context, entryID string) error {
				order = append(order, "ack")
				return nil
			}

			err := w.ProcessEntry(ctx, entry(map[string]any{
				"agent":             "billie",
				"type":              "conversation_started",
				"conversationId":    "C-1",
				"applicationNumber": "AP-1",
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(order).To(Equal([]string{"persist", "ack"}))
			Expect(conversations.upserted).To(HaveLen(1))
			Expect(conversations.upserted[0].ApplicationNumber).To(Equal("AP-1"))
			Expect(conversations.upserted[0].Version).To(Equal(int64(1)))

			Expect(notifier.published).To(HaveLen(1))
			Expect(notifier.published[0].collection).To(Equal(arangodb.CollectionConversations))
			Expect(notifier.published[0].operation).To(Equal(notify.OperationCreate))

			Expect(recorder.records).To(HaveLen(1))
			Expect(recorder.records[0].EntryID).To(Equal("100-0"))
			Expect(recorder.records[0].ApplicationNumber).To(Equal("AP-1"))
		})

		It("publishes an update operation when the aggregate already exists", func() {
			conversations.findByApplicationFn = func(ctx context.Context, applicationNumber string) (*model.Conversation, error) {
				return &model.Conversation{ApplicationNumber: "AP-1", Version: 4}, nil
			}

			err := w.ProcessEntry(ctx, entry(map[string]any{
				"agent":             "billie",
				"type":              "customer_utterance",
				"applicationNumber": "AP-1",
				"utterance":         "hi",
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(notifier.published[0].operation).To(Equal(notify.OperationUpdate))
			Expect(conversations.upserted[0].Version).To(Equal(int64(5)))
		})

		It("acknowledges foreign-agent entries without projecting", func() {
			err := w.ProcessEntry(ctx, entry(map[string]any{
				"agent": "someone-else",
				"type":  "customer_utterance",
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(streamMock.acked).To(Equal([]string{"100-0"}))
			Expect(conversations.upserted).To(BeEmpty())
			Expect(notifier.published).To(BeEmpty())
			Expect(recorder.records).To(BeEmpty())
		})

		It("acknowledges undecodable entries without projecting", func() {
			err := w.ProcessEntry(ctx, entry(map[string]any{"agent": "billie"}))

			Expect(err).NotTo(HaveOccurred())
			Expect(streamMock.acked).To(Equal([]string{"100-0"}))
			Expect(conversations.upserted).To(BeEmpty())
		})

		It("leaves the entry unacknowledged when persistence fails", func() {
			conversations.upsertFn = func(ctx context.Context, c *model.Conversation) error {
				return errors.New("arango down")
			}

			err := w.ProcessEntry(ctx, entry(map[string]any{
				"agent":             "billie",
				"type":              "conversation_started",
				"applicationNumber": "AP-1",
			}))

			Expect(err).To(HaveOccurred())
			Expect(streamMock.acked).To(BeEmpty())
			Expect(notifier.published).To(BeEmpty())
		})

		It("drops events whose application number cannot be resolved", func() {
			conversations.upsertFn = func(ctx context.Context, c *model.Conversation) error {
				return store.ErrNoApplicationNumber
			}

			err := w.ProcessEntry(ctx, entry(map[string]any{
				"agent": "billie",
				"type":  "customer_utterance",
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(streamMock.acked).To(Equal([]string{"100-0"}))
			Expect(notifier.published).To(BeEmpty())
		})

		It("still succeeds when acknowledgement fails", func() {
			streamMock.ackFn = func(ctx context.Context, entryID string) error {
				return errors.New("connection lost")
			}

			err := w.ProcessEntry(ctx, entry(map[string]any{
				"agent":             "billie",
				"type":              "conversation_started",
				"applicationNumber": "AP-1",
			}))

			Expect(err).NotTo(HaveOccurred())
		})

		It("loads by conversation id when no application number is present", func() {
			var lookedUp string
			conversations.findByConversationFn = func(ctx context.Context, conversationID string) (*model.Conversation, error) {
				lookedUp = conversationID
				return &model.Conversation{ApplicationNumber: "AP-9", ConversationID: conversationID}, nil
			}

			err := w.ProcessEntry(ctx, entry(map[string]any{
				"agent":          "billie",
				"type":           "customer_utterance",
				"conversationId": "C-7",
				"utterance":      "hi",
			}))

			Expect(err).NotTo(HaveOccurred())
			Expect(lookedUp).To(Equal("C-7"))
		})

		Context("application details events", func() {
			details := func() stream.Entry {
				return entry(map[string]any{
					"agent":             "billie",
					"type":              "application_details_changed",
					"applicationNumber": "AP-1",
					"customer": map[string]any{
						"customerId": "CU-1",
						"firstName":  "Maya",
					},
				})
			}

			It("upserts the customer and notifies on both collections", func() {
				Expect(w.ProcessEntry(ctx, details())).To(Succeed())

				Expect(customers.upserted).To(HaveLen(1))
				Expect(customers.upserted[0].CustomerID).To(Equal("CU-1"))

				collections := []string{notifier.published[0].collection, notifier.published[1].collection}
				Expect(collections).To(ConsistOf(arangodb.CollectionConversations, arangodb.CollectionCustomers))
			})

			It("isolates customer upsert failures from the conversation write", func() {
				customers.upsertFn = func(ctx context.Context, c *model.Customer) error {
					return errors.New("customer write failed")
				}

				Expect(w.ProcessEntry(ctx, details())).To(Succeed())

				Expect(streamMock.acked).To(Equal([]string{"100-0"}))
				Expect(notifier.published).To(HaveLen(1))
				Expect(notifier.published[0].collection).To(Equal(arangodb.CollectionConversations))
			})

			It("skips the customer side effect for other event kinds", func() {
				Expect(w.ProcessEntry(ctx, entry(map[string]any{
					"agent":             "billie",
					"type":              "customer_utterance",
					"applicationNumber": "AP-1",
					"utterance":         "hello",
					"customer":          map[string]any{"customerId": "CU-1"},
				}))).To(Succeed())

				Expect(customers.upserted).To(BeEmpty())
			})
		})
	})

	Describe("Run", func() {
		It("drains pending entries before reading new ones", func() {
			pending := []stream.Entry{
				{ID: "1-0", Values: map[string]any{"agent": "billie", "type": "conversation_started", "applicationNumber": "AP-1"}},
				{ID: "2-0", Values: map[string]any{"agent": "billie", "type": "conversation_started", "applicationNumber": "AP-2"}},
			}
			streamMock.readPendingFn = func(ctx context.Context, start string) ([]stream.Entry, error) {
				if start == "0" {
					return pending, nil
				}
				return nil, nil
			}
			streamMock.readNewFn = func(ctx context.Context) ([]stream.Entry, error) {
				// The pending backlog must be fully acknowledged before any
				// new read happens.
				Expect(streamMock.ackedIDs()).To(Equal([]string{"1-0", "2-0"}))
				time.Sleep(time.Millisecond)
				return nil, nil
			}

			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- w.Run(ctx)
			}()

			Eventually(streamMock.ackedIDs).Should(HaveLen(2))
			w.Stop()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("returns an error when the consumer group cannot be ensured", func() {
			streamMock.ensureGroupFn = func(ctx context.Context) error {
				return errors.New("redis unreachable")
			}

			Expect(w.Run(ctx)).To(MatchError(ContainSubstring("ensuring consumer group")))
		})

		It("attempts a persistently failing pending entry once and reaches the read loop", func() {
			// Real pending-list semantics: an unacknowledged entry is
			// re-delivered on every read from the same cursor. Only the
			// cursor advancing past it ends the recovery pass.
			streamMock.readPendingFn = func(ctx context.Context, start string) ([]stream.Entry, error) {
				if start == "0" {
					return []stream.Entry{
						{ID: "1-0", Values: map[string]any{"agent": "billie", "type": "conversation_started", "applicationNumber": "AP-1"}},
					}, nil
				}
				return nil, nil
			}
			conversations.upsertFn = func(ctx context.Context, c *model.Conversation) error {
				return errors.New("arango down")
			}
			var newReads atomic.Int32
			streamMock.readNewFn = func(ctx context.Context) ([]stream.Entry, error) {
				newReads.Add(1)
				time.Sleep(time.Millisecond)
				return nil, nil
			}

			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- w.Run(ctx)
			}()

			Eventually(newReads.Load).Should(BeNumerically(">=", 1))
			w.Stop()
			Eventually(done).Should(Receive(BeNil()))

			Expect(streamMock.ackedIDs()).To(BeEmpty())
			Expect(conversations.upserted).To(HaveLen(1))
		})

		It("stops recovery when the context is cancelled mid-backlog", func() {
			runCtx, cancel := context.WithCancel(ctx)
			var pendingReads atomic.Int32
			streamMock.readPendingFn = func(ctx context.Context, start string) ([]stream.Entry, error) {
				pendingReads.Add(1)
				// An ever-growing backlog; only cancellation ends the pass.
				return []stream.Entry{
					{ID: fmt.Sprintf("%d-0", pendingReads.Load()), Values: map[string]any{"agent": "other", "type": "noise"}},
				}, nil
			}

			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- w.Run(runCtx)
			}()

			Eventually(pendingReads.Load).Should(BeNumerically(">=", 1))
			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))
		})

		It("stops when the context is cancelled", func() {
			runCtx, cancel := context.WithCancel(ctx)
			streamMock.readNewFn = func(ctx context.Context) ([]stream.Entry, error) {
				time.Sleep(time.Millisecond)
				return nil, nil
			}

			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- w.Run(runCtx)
			}()

			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))
		})
	})
})

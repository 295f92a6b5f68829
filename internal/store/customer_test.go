package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rohansharp/billie-crm-sub000/common/arangodb"
	"github.com/rohansharp/billie-crm-sub000/internal/model"
	"github.com/rohansharp/billie-crm-sub000/internal/store"
)

var _ = Describe("CustomerStore", func() {
	var (
		db  *mockDB
		s   *store.CustomerStore
		ctx context.Context
	)

	BeforeEach(func() {
		db = &mockDB{}
		s = store.NewCustomerStore(db)
		ctx = context.Background()
	})

	Describe("Upsert", func() {
		It("rejects customers without an id", func() {
			Expect(s.Upsert(ctx, &model.Customer{FirstName: "Maya"})).To(MatchError(store.ErrNoCustomerID))
			Expect(s.Upsert(ctx, nil)).To(MatchError(store.ErrNoCustomerID))
		})

		It("creates a first-seen customer at version 1", func() {
			var createdKey string
			var createdDoc map[string]any

			db.findFn = func(ctx context.Context, collection string, filter map[string]any) (map[string]any, error) {
				Expect(collection).To(Equal(arangodb.CollectionCustomers))
				return nil, arangodb.ErrNotFound
			}
			db.createFn = func(ctx context.Context, collection, key string, doc map[string]any) error {
				createdKey = key
				createdDoc = doc
				return nil
			}

			Expect(s.Upsert(ctx, &model.Customer{CustomerID: "CU-1", FirstName: "Maya"})).To(Succeed())

			Expect(createdKey).To(Equal("CU-1"))
			Expect(createdDoc).To(HaveKeyWithValue("version", float64(1)))
			Expect(createdDoc).To(HaveKeyWithValue("firstName", "Maya"))
		})

		It("merges into the stored customer without erasing fields", func() {
			var patch map[string]any

			db.findFn = func(ctx context.Context, collection string, filter map[string]any) (map[string]any, error) {
				return map[string]any{
					"customerId": "CU-1",
					"firstName":  "Maya",
					"email":      "maya@example.com",
					"version":    float64(2),
				}, nil
			}
			db.updateFn = func(ctx context.Context, collection, key string, p map[string]any) error {
				Expect(key).To(Equal("CU-1"))
				patch = p
				return nil
			}

			incoming := &model.Customer{CustomerID: "CU-1", Phone: "0400000000"}
			Expect(s.Upsert(ctx, incoming)).To(Succeed())

			Expect(patch).To(HaveKeyWithValue("firstName", "Maya"))
			Expect(patch).To(HaveKeyWithValue("email", "maya@example.com"))
			Expect(patch).To(HaveKeyWithValue("phone", "0400000000"))
			Expect(patch).To(HaveKeyWithValue("version", float64(3)))
		})
	})

	Describe("FindByCustomerID", func() {
		It("filters on the customer id", func() {
			db.findFn = func(ctx context.Context, collection string, filter map[string]any) (map[string]any, error) {
				Expect(filter).To(HaveKeyWithValue("customerId", "CU-1"))
				return map[string]any{"customerId": "CU-1", "lastName": "Nguyen"}, nil
			}

			c, err := s.FindByCustomerID(ctx, "CU-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.LastName).To(Equal("Nguyen"))
		})
	})
})

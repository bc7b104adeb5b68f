package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/creetelo/admin_backend/baremetrics"
	"github.com/creetelo/admin_backend/utils"
)

// BillingDirectory is the slice of the billing platform the engine needs to
// build a MatchIndex. *baremetrics.Client satisfies it; tests substitute an
// httptest-backed client.
type BillingDirectory interface {
	ListSources(ctx context.Context) ([]baremetrics.Source, error)
	ListCustomers(ctx context.Context, sourceID string, page int) (*baremetrics.CustomersPage, error)
	PageDelay() time.Duration
}

// IndexedCustomer is one billing-platform customer as seen by the index,
// remembering which source it came from.
type IndexedCustomer struct {
	OID      string `json:"oid"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	SourceID string `json:"source_id"`
	Provider string `json:"provider"`
}

// MatchIndex is the normalized-email -> billing-customer lookup built once
// per reconciliation run. It is fully built before classification begins.
type MatchIndex struct {
	byEmail   map[string]IndexedCustomer
	sources   []baremetrics.Source
	fetched   int
	pageCount int
}

func (m *MatchIndex) Lookup(email string) (IndexedCustomer, bool) {
	customer, ok := m.byEmail[utils.NormalizeEmail(email)]
	return customer, ok
}

// Size is the number of distinct normalized emails indexed.
func (m *MatchIndex) Size() int {
	return len(m.byEmail)
}

// CustomersFetched is the raw number of customer records paged in, before
// email dedup.
func (m *MatchIndex) CustomersFetched() int {
	return m.fetched
}

func (m *MatchIndex) Sources() []baremetrics.Source {
	return m.sources
}

// BuildMatchIndex pages every configured source to completion. A fixed delay
// between pages respects upstream rate limits. onPage, when non-nil, is
// called after each page so the engine can surface progress.
func BuildMatchIndex(ctx context.Context, directory BillingDirectory, onPage func(customersFetched int)) (*MatchIndex, error) {
	sources, err := directory.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	index := &MatchIndex{
		byEmail: make(map[string]IndexedCustomer),
		sources: sources,
	}

	for _, source := range sources {
		page := 1
		for {
			customersPage, err := directory.ListCustomers(ctx, source.ID, page)
			if err != nil {
				return nil, fmt.Errorf("list customers source=%s page=%d: %w", source.ID, page, err)
			}
			index.pageCount++

			for _, customer := range customersPage.Customers {
				index.fetched++
				key := utils.NormalizeEmail(customer.Email)
				if key == "" {
					continue
				}
				// first occurrence wins so the snapshot is stable
				if _, exists := index.byEmail[key]; exists {
					continue
				}
				index.byEmail[key] = IndexedCustomer{
					OID:      customer.OID,
					Email:    customer.Email,
					Name:     customer.Name,
					SourceID: source.ID,
					Provider: source.Provider,
				}
			}

			if onPage != nil {
				onPage(index.fetched)
			}
			if !customersPage.Meta.Pagination.HasMore {
				break
			}
			page++

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(directory.PageDelay()):
			}
		}
	}

	return index, nil
}

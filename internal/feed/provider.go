// Package feed supplies raw ticket batches for an event. Providers include
// the upstream HTTP feed, PostgreSQL, a Redis read-through cache and an
// in-memory provider for tests and development.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ticketwhiz/listing-engine/internal/model"
)

// ErrInvalidQuery is returned for a query without an event.
var ErrInvalidQuery = errors.New("feed: event id is required")

// Query selects the listings to fetch.
type Query struct {
	EventID string `json:"event_id"`
	Seats   int    `json:"seats"` // 0 means any quantity
}

// Validate checks the query before any I/O.
func (q Query) Validate() error {
	if strings.TrimSpace(q.EventID) == "" {
		return ErrInvalidQuery
	}
	if q.Seats < 0 {
		return fmt.Errorf("feed: seats must not be negative, got %d", q.Seats)
	}
	return nil
}

// Provider fetches one batch of raw tickets. A failed fetch returns an
// error and no batch; callers keep their previous snapshot.
type Provider interface {
	Fetch(ctx context.Context, q Query) (*model.Batch, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, q Query) (*model.Batch, error)

// Fetch implements Provider.
func (f ProviderFunc) Fetch(ctx context.Context, q Query) (*model.Batch, error) {
	return f(ctx, q)
}

// Invalidator is implemented by providers that cache batches. A manual
// refresh drops the cached batch before fetching.
type Invalidator interface {
	Invalidate(ctx context.Context, q Query) error
}

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/tailscale/hujson"

	"github.com/ticketwhiz/listing-engine/internal/model"
	"github.com/ticketwhiz/listing-engine/internal/normalize"
)

// MemoryProvider serves batches held in memory. Used for testing and
// development; an unknown event yields an empty batch. Listings with fewer
// available tickets than the requested seats are left out.
type MemoryProvider struct {
	mu      sync.RWMutex
	batches map[string]model.Batch
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{batches: make(map[string]model.Batch)}
}

// Set replaces the listings for an event.
func (p *MemoryProvider) Set(eventID string, tickets []model.RawTicket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches[eventID] = model.Batch{Count: len(tickets), Tickets: slices.Clone(tickets)}
}

// LoadFile seeds the provider from a JSONC fixture mapping event ids to
// ticket lists in the feed's own shape.
func (p *MemoryProvider) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("feed: read seed file: %w", err)
	}
	data, err = hujson.Standardize(data)
	if err != nil {
		return 0, fmt.Errorf("feed: seed file %s: %w", path, err)
	}
	var events map[string][]model.RawTicket
	if err := json.Unmarshal(data, &events); err != nil {
		return 0, fmt.Errorf("feed: seed file %s: %w", path, err)
	}
	for id, tickets := range events {
		p.Set(id, tickets)
	}
	return len(events), nil
}

// Fetch implements Provider.
func (p *MemoryProvider) Fetch(_ context.Context, q Query) (*model.Batch, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.RawTicket, 0, len(p.batches[q.EventID].Tickets))
	for _, t := range p.batches[q.EventID].Tickets {
		if q.Seats > 0 && normalize.Count(t.AvailableTickets) < q.Seats {
			continue
		}
		out = append(out, t)
	}
	return &model.Batch{Count: len(out), Tickets: out}, nil
}

// Package merge combines normalized feed tickets with the facts the map
// widget reports about them, producing the single authoritative ticket
// collection that feeds the filter store.
//
// The Merger is the only ingestion point downstream state sees. It tracks a
// monotonically increasing refresh sequence so that a slow refresh which
// completes after a newer one can never overwrite the newer snapshot.
package merge

import (
	"log/slog"
	"sync"

	"github.com/ticketwhiz/listing-engine/internal/metrics"
	"github.com/ticketwhiz/listing-engine/internal/model"
	"github.com/ticketwhiz/listing-engine/internal/normalize"
)

// Sink receives every freshly merged snapshot (push, not pull).
type Sink interface {
	// SetMergedTickets receives the collection built from a new feed batch.
	SetMergedTickets(tickets []model.MergedTicket)
	// EnrichMergedTickets receives the same batch re-merged with new facts.
	EnrichMergedTickets(tickets []model.MergedTicket)
}

// Merge normalizes raws and joins them with facts by ticket identifier.
// Output order matches input order. When two raws resolve to the same
// identifier the first one wins, so identifiers are unique per snapshot.
func Merge(raws []model.RawTicket, facts map[string]model.MapFact) []model.MergedTicket {
	out := make([]model.MergedTicket, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))

	for _, raw := range raws {
		t := normalize.Normalize(raw)
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}

		mt := model.MergedTicket{
			Ticket:      t,
			SectionName: t.SectionLabel,
			Seq:         len(out),
		}
		if f, ok := facts[t.ID]; ok {
			enrich(&mt, f)
		}
		out = append(out, mt)
	}
	return out
}

// enrich applies a map fact; map-provided section info wins over the
// feed's own section label.
func enrich(mt *model.MergedTicket, f model.MapFact) {
	mt.Color = f.Color
	if f.Section != nil {
		mt.Section = cloneSection(f.Section)
		mt.SectionID = f.Section.ID
	}
	if f.SectionID != "" {
		mt.SectionID = f.SectionID
	}
	switch {
	case f.SectionName != "":
		mt.SectionName = f.SectionName
	case f.Section != nil && f.Section.Name != "":
		mt.SectionName = f.Section.Name
	}
}

func cloneSection(s *model.Section) *model.Section {
	c := *s
	if s.Level != nil {
		l := *s.Level
		c.Level = &l
	}
	return &c
}

// Merger owns the latest raw batch and the map fact table and republishes
// the merged collection whenever either changes.
type Merger struct {
	mu    sync.Mutex
	sink  Sink
	facts map[string]model.MapFact
	raws  []model.RawTicket

	started  uint64 // last sequence handed out by Begin
	applied  uint64 // sequence of the batch currently published
	hasBatch bool
}

// New creates a Merger publishing into sink.
func New(sink Sink) *Merger {
	return &Merger{
		sink:  sink,
		facts: make(map[string]model.MapFact),
	}
}

// Begin reserves the sequence number for a refresh about to start.
func (m *Merger) Begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return m.started
}

// Complete publishes the batch fetched by refresh seq. It returns false and
// discards the batch when a later refresh has already been published.
func (m *Merger) Complete(seq uint64, batch *model.Batch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq <= m.applied {
		metrics.RefreshesTotal.WithLabelValues("stale").Inc()
		slog.Debug("stale refresh discarded", "seq", seq, "applied", m.applied)
		return false
	}

	m.applied = seq
	m.raws = batch.Listings()
	m.hasBatch = true
	metrics.RefreshesTotal.WithLabelValues("applied").Inc()
	m.publish(true)
	return true
}

// Fail records a failed refresh. The previously published snapshot stays.
func (m *Merger) Fail(seq uint64, err error) {
	metrics.RefreshesTotal.WithLabelValues("failed").Inc()
	slog.Warn("ticket refresh failed, keeping last snapshot", "seq", seq, "err", err)
}

// UpdateFacts replaces the facts for the given tickets (last write wins)
// and republishes against the latest batch.
func (m *Merger) UpdateFacts(facts []model.MapFact) {
	if len(facts) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range facts {
		if f.TicketID == "" {
			continue
		}
		m.facts[f.TicketID] = f
	}
	if m.hasBatch {
		m.publish(false)
	}
}

// Applied returns the sequence of the published batch (0 before the first).
func (m *Merger) Applied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// publish must be called with mu held so snapshots reach the sink in order.
func (m *Merger) publish(batch bool) {
	merged := Merge(m.raws, m.facts)
	metrics.SnapshotSize.Observe(float64(len(merged)))
	if batch {
		m.sink.SetMergedTickets(merged)
		return
	}
	m.sink.EnrichMergedTickets(merged)
}

// Package filter owns the shopper's filter state and every aggregate derived
// from it: the filtered and sorted list, best-deal flags, the price
// histogram, section options and counts.
//
// Filter state is two-phase. The draft slice is freely edited by the filter
// UI without any visible effect; only ApplyDraft (or one of the quick-action
// mutators that write straight to the applied slice) changes what the list
// and the map show.
package filter

import (
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ticketwhiz/listing-engine/internal/model"
)

// Origin tells subscribers where an applied-filter change came from, so the
// map bridge can avoid echoing the map's own writes back to it.
type Origin int

const (
	// OriginUI is a change made through the filter UI.
	OriginUI Origin = iota
	// OriginMap is a change made by a map widget interaction.
	OriginMap
	// OriginFeed is a change forced by new global price bounds.
	OriginFeed
)

func (o Origin) String() string {
	switch o {
	case OriginMap:
		return "map"
	case OriginFeed:
		return "feed"
	default:
		return "ui"
	}
}

// Change is delivered to subscribers whenever the applied filters change.
type Change struct {
	Applied model.Filters
	Bounds  model.PriceRange
	Reset   bool
	Origin  Origin
}

// View is a consistent snapshot of all selectors.
type View struct {
	Tickets       []model.Listing         `json:"tickets"`
	Histogram     []model.HistogramBucket `json:"histogram"`
	Sections      []model.SectionOption   `json:"sections"`
	Counts        model.TicketCounts      `json:"counts"`
	Bounds        model.PriceRange        `json:"price_bounds"`
	Draft         model.Filters           `json:"draft"`
	Applied       model.Filters           `json:"applied"`
	ActiveFilters int                     `json:"active_filters"`
}

// derived is the memoized output of the selectors for one (tickets,
// applied) generation.
type derived struct {
	listings  []model.Listing
	counts    model.TicketCounts
	histogram []model.HistogramBucket
	sections  []model.SectionOption
}

// Store holds the merged ticket collection and both filter slices. All
// mutation goes through its methods; all reads go through its selectors.
//
// Subscribers are invoked synchronously while the store lock is held so
// changes are observed in order. They must not call back into the Store.
type Store struct {
	mu      sync.Mutex
	tickets []model.MergedTicket
	bounds  model.PriceRange
	draft   model.Filters
	applied model.Filters
	memo    *derived
	subs    []func(Change)
}

// NewStore creates an empty store with default filters.
func NewStore() *Store {
	bounds := model.PriceRange{Min: decimal.Zero, Max: decimal.Zero}
	return &Store{
		bounds:  bounds,
		draft:   model.DefaultFilters(bounds),
		applied: model.DefaultFilters(bounds),
	}
}

// Subscribe registers fn for applied-filter changes.
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// --- Mutators ---

// SetMergedTickets replaces the backing collection with a fresh feed
// snapshot. Subscribers are always notified, so the map lays out the new
// tickets even when the price bounds did not move. When the bounds do move,
// both filter slices are re-fitted: a range that spanned the old bounds
// tracks the new ones, a narrowed range is clamped into them.
func (s *Store) SetMergedTickets(tickets []model.MergedTicket) {
	s.replaceTickets(tickets, true)
}

// EnrichMergedTickets replaces the collection after the map reported new
// facts about the same snapshot. Subscribers hear about it only when a
// refit moved the applied range, so the map's own reports are not answered
// with a fresh layout request.
func (s *Store) EnrichMergedTickets(tickets []model.MergedTicket) {
	s.replaceTickets(tickets, false)
}

func (s *Store) replaceTickets(tickets []model.MergedTicket, snapshot bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tickets = slices.Clone(tickets)
	s.memo = nil

	refitted := false
	if next := Bounds(s.tickets); !next.Equal(s.bounds) {
		prev := s.bounds
		s.bounds = next
		s.draft.PriceRange = refit(s.draft.PriceRange, prev, next)

		fitted := refit(s.applied.PriceRange, prev, next)
		if !fitted.Equal(s.applied.PriceRange) {
			s.applied.PriceRange = fitted
			refitted = true
		}
	}
	if snapshot || refitted {
		s.notify(Change{Origin: OriginFeed})
	}
}

// SetDraftFilter shallow-merges patch into the draft slice. The live list
// and the map are unaffected until ApplyDraft.
func (s *Store) SetDraftFilter(patch model.FilterPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.draft = patch.ApplyTo(s.draft)
	s.draft.PriceRange = s.draft.PriceRange.ClampTo(s.bounds)
	return nil
}

// SetAppliedFilter is the quick-action path: it writes patch straight to
// the applied slice, bypassing the draft stage. The same fields are copied
// into the draft so a later ApplyDraft does not revert them.
func (s *Store) SetAppliedFilter(patch model.FilterPatch) error {
	return s.setApplied(patch, OriginUI)
}

// ToggleVenueLevel adds name to the applied venue levels, or removes it if
// already present.
func (s *Store) ToggleVenueLevel(name string, origin Origin) {
	if name == "" {
		return
	}
	s.updateApplied(origin, func(f model.Filters) (model.FilterPatch, bool) {
		return venuePatch(f.VenueLevels, name, !f.HasVenueLevel(name))
	})
}

// SetVenueLevelSelected mirrors an explicit selected/deselected state for
// one venue level. It is a no-op when the state already matches.
func (s *Store) SetVenueLevelSelected(name string, selected bool, origin Origin) {
	if name == "" {
		return
	}
	s.updateApplied(origin, func(f model.Filters) (model.FilterPatch, bool) {
		return venuePatch(f.VenueLevels, name, selected)
	})
}

// ClearVenueLevels empties the applied venue levels.
func (s *Store) ClearVenueLevels(origin Origin) {
	empty := []string{}
	_ = s.setApplied(model.FilterPatch{VenueLevels: &empty}, origin)
}

func (s *Store) setApplied(patch model.FilterPatch, origin Origin) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(patch, origin)
	return nil
}

// updateApplied derives a patch from the current applied slice and applies
// it in the same critical section, so concurrent writers are not lost.
func (s *Store) updateApplied(origin Origin, build func(model.Filters) (model.FilterPatch, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	patch, ok := build(s.applied)
	if !ok {
		return
	}
	s.applyLocked(patch, origin)
}

// applyLocked must be called with mu held.
func (s *Store) applyLocked(patch model.FilterPatch, origin Origin) {
	next := patch.ApplyTo(s.applied)
	next.PriceRange = next.PriceRange.ClampTo(s.bounds)
	s.draft = patch.ApplyTo(s.draft)
	s.draft.PriceRange = s.draft.PriceRange.ClampTo(s.bounds)

	if filtersEqual(next, s.applied) {
		return
	}
	s.applied = next
	s.memo = nil
	s.notify(Change{Origin: origin})
}

// venuePatch selects or deselects name in current. ok is false when the
// selection already matches.
func venuePatch(current []string, name string, selected bool) (model.FilterPatch, bool) {
	has := slices.Contains(current, name)
	var next []string
	switch {
	case selected && !has:
		next = append(slices.Clone(current), name)
	case !selected && has:
		next = slices.DeleteFunc(slices.Clone(current), func(v string) bool { return v == name })
	default:
		return model.FilterPatch{}, false
	}
	return model.FilterPatch{VenueLevels: &next}, true
}

// ApplyDraft commits the whole draft slice to applied at once.
func (s *Store) ApplyDraft() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applied = s.draft.Clone()
	s.memo = nil
	s.notify(Change{Origin: OriginUI})
}

// ResetFilters restores both slices to defaults for the current bounds.
func (s *Store) ResetFilters() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.draft = model.DefaultFilters(s.bounds)
	s.applied = model.DefaultFilters(s.bounds)
	s.memo = nil
	s.notify(Change{Origin: OriginUI, Reset: true})
}

// notify must be called with mu held.
func (s *Store) notify(c Change) {
	c.Applied = s.applied.Clone()
	c.Bounds = s.bounds
	for _, fn := range s.subs {
		fn(c)
	}
}

// --- Selectors ---

// Draft returns a copy of the draft slice.
func (s *Store) Draft() model.Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Clone()
}

// Applied returns a copy of the applied slice.
func (s *Store) Applied() model.Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied.Clone()
}

// PriceBounds returns the global min/max all-in price over the merged set.
func (s *Store) PriceBounds() model.PriceRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// Tickets returns the unfiltered merged collection.
func (s *Store) Tickets() []model.MergedTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tickets)
}

// FilteredTickets returns the applied-filter view, deal-flagged and sorted.
func (s *Store) FilteredTickets() []model.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.derive().listings)
}

// TicketCounts returns total, filtered and filtered-deal counts.
func (s *Store) TicketCounts() model.TicketCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.derive().counts
}

// PriceHistogram returns the fixed-shape price histogram.
func (s *Store) PriceHistogram() []model.HistogramBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.derive().histogram)
}

// SectionOptions returns the distinct venue levels with display colors.
func (s *Store) SectionOptions() []model.SectionOption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.derive().sections)
}

// View returns every selector from the same generation.
func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.derive()
	return View{
		Tickets:       slices.Clone(d.listings),
		Histogram:     slices.Clone(d.histogram),
		Sections:      slices.Clone(d.sections),
		Counts:        d.counts,
		Bounds:        s.bounds,
		Draft:         s.draft.Clone(),
		Applied:       s.applied.Clone(),
		ActiveFilters: s.applied.ActiveCount(s.bounds),
	}
}

// derive must be called with mu held.
func (s *Store) derive() *derived {
	if s.memo != nil {
		return s.memo
	}
	listings := Apply(s.tickets, s.applied)
	deals := 0
	for _, l := range listings {
		if l.IsDeal() {
			deals++
		}
	}
	s.memo = &derived{
		listings: listings,
		counts: model.TicketCounts{
			Total:    len(s.tickets),
			Filtered: len(listings),
			Deals:    deals,
		},
		histogram: Histogram(s.tickets, s.bounds, s.applied.PriceRange),
		sections:  SectionOptions(s.tickets),
	}
	return s.memo
}

// refit moves a price range onto new bounds.
func refit(r, prev, next model.PriceRange) model.PriceRange {
	if r.Equal(prev) {
		return next
	}
	return r.ClampTo(next)
}

func filtersEqual(a, b model.Filters) bool {
	return a.PriceRange.Equal(b.PriceRange) &&
		slices.Equal(a.VenueLevels, b.VenueLevels) &&
		a.SeatSplit == b.SeatSplit &&
		a.SortOrder == b.SortOrder &&
		a.Quantity == b.Quantity &&
		a.DealsOnly == b.DealsOnly
}

package listing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ticketwhiz/listing-engine/internal/drawer"
	"github.com/ticketwhiz/listing-engine/internal/feed"
	"github.com/ticketwhiz/listing-engine/internal/filter"
	"github.com/ticketwhiz/listing-engine/internal/mapsync"
	"github.com/ticketwhiz/listing-engine/internal/merge"
	"github.com/ticketwhiz/listing-engine/internal/model"
)

// ErrUnknownTicket is returned when checkout names a ticket that is not in
// the current snapshot.
var ErrUnknownTicket = errors.New("listing: unknown ticket")

// Session is one shopper's view of one event: the merged tickets, both
// filter slices, the map bridge and the drawer. The poller and the bridge
// loop run until Close.
type Session struct {
	ID        string
	Query     feed.Query
	CreatedAt time.Time

	provider feed.Provider
	store    *filter.Store
	merger   *merge.Merger
	bridge   *mapsync.Bridge
	poller   *feed.Poller

	mu       sync.Mutex
	drawer   *drawer.Drawer
	checkout string

	cancel context.CancelFunc
	group  *errgroup.Group
}

// start launches the session's background loops.
func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.bridge.Run(gctx) })
	g.Go(func() error { return s.poller.Run(gctx) })
	s.cancel = cancel
	s.group = g
}

// Close stops the poller and the bridge and waits for in-flight fetches.
func (s *Session) Close() error {
	s.cancel()
	return s.group.Wait()
}

// Refresh fetches the feed once, outside the polling schedule. A caching
// provider drops its cached batch first so the fetch reaches the source.
func (s *Session) Refresh(ctx context.Context) bool {
	if inv, ok := s.provider.(feed.Invalidator); ok {
		if err := inv.Invalidate(ctx, s.Query); err != nil {
			slog.Warn("feed cache invalidation failed", "id", s.ID, "err", err)
		}
	}
	return s.poller.Refresh(ctx)
}

// View is the full read model of a session.
type View struct {
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id"`
	filter.View
	MapReady        bool            `json:"map_ready"`
	MapResetVisible bool            `json:"map_reset_visible"`
	Drawer          drawer.Snapshot `json:"drawer"`
	CheckoutTicket  string          `json:"checkout_ticket_id,omitempty"`
	Highlighted     string          `json:"highlighted_ticket_id,omitempty"`
}

// View snapshots the store, the bridge and the drawer.
func (s *Session) View() View {
	v := View{
		SessionID:       s.ID,
		EventID:         s.Query.EventID,
		View:            s.store.View(),
		MapReady:        s.bridge.Ready(),
		MapResetVisible: s.bridge.ResetVisible(),
		Highlighted:     s.bridge.Highlighted(),
	}
	s.mu.Lock()
	v.Drawer = s.drawer.Snapshot()
	v.CheckoutTicket = s.checkout
	s.mu.Unlock()
	return v
}

// ApplyDrawer feeds one gesture to the drawer.
func (s *Session) ApplyDrawer(ev drawer.Event) (drawer.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.drawer.Apply(ev); err != nil {
		return drawer.Snapshot{}, err
	}
	return s.drawer.Snapshot(), nil
}

// OpenCheckout selects a ticket for purchase, forces the drawer full and
// highlights the ticket on the map when the map placed it.
func (s *Session) OpenCheckout(ticketID string) (model.MergedTicket, error) {
	t, ok := s.ticket(ticketID)
	if !ok {
		return model.MergedTicket{}, ErrUnknownTicket
	}

	s.mu.Lock()
	s.checkout = ticketID
	s.drawer.OpenCheckout()
	s.mu.Unlock()

	s.bridge.Highlight(t)
	return t, nil
}

// CloseCheckout clears the selection, restores the remembered snap and
// drops the map highlight.
func (s *Session) CloseCheckout() drawer.Snapshot {
	s.mu.Lock()
	s.checkout = ""
	s.drawer.CloseCheckout()
	snap := s.drawer.Snapshot()
	s.mu.Unlock()

	s.bridge.ClearHighlight()
	return snap
}

// Highlight focuses a list row's ticket on the map, as hovering or
// selecting a row does. It reports false for a ticket the map has not
// placed.
func (s *Session) Highlight(ticketID string) (bool, error) {
	t, ok := s.ticket(ticketID)
	if !ok {
		return false, ErrUnknownTicket
	}
	return s.bridge.Highlight(t), nil
}

// ClearHighlight drops the map highlight.
func (s *Session) ClearHighlight() {
	s.bridge.ClearHighlight()
}

func (s *Session) ticket(id string) (model.MergedTicket, bool) {
	for _, t := range s.store.Tickets() {
		if t.ID == id {
			return t, true
		}
	}
	return model.MergedTicket{}, false
}

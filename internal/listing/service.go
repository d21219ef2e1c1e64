// Package listing exposes shopper sessions over HTTP: each session polls the
// ticket feed for one event, keeps the filter state, and bridges it to the
// venue map widget.
package listing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ticketwhiz/listing-engine/internal/drawer"
	"github.com/ticketwhiz/listing-engine/internal/feed"
	"github.com/ticketwhiz/listing-engine/internal/filter"
	"github.com/ticketwhiz/listing-engine/internal/mapsync"
	"github.com/ticketwhiz/listing-engine/internal/merge"
	"github.com/ticketwhiz/listing-engine/internal/metrics"
	"github.com/ticketwhiz/listing-engine/internal/model"
)

// Options tune every session the service opens.
type Options struct {
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	Viewport        drawer.Viewport
}

// Service owns the session registry.
type Service struct {
	provider feed.Provider
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService creates a service fetching through provider.
func NewService(provider feed.Provider, opts Options) *Service {
	return &Service{
		provider: provider,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Routes registers the session endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/sessions", s.CreateSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Delete("/", s.DeleteSession)
		r.Get("/view", s.GetView)
		r.Get("/tickets", s.GetTickets)
		r.Post("/refresh", s.Refresh)

		r.Patch("/filters/draft", s.PatchDraft)
		r.Patch("/filters/applied", s.PatchApplied)
		r.Post("/filters/apply", s.ApplyDraft)
		r.Post("/filters/reset", s.ResetFilters)

		r.Post("/drawer", s.DrawerEvent)
		r.Post("/checkout", s.OpenCheckout)
		r.Delete("/checkout", s.CloseCheckout)

		r.Get("/map/ws", s.MapWS)
		r.Post("/map/reset", s.MapReset)
		r.Post("/map/highlight", s.MapHighlight)
		r.Delete("/map/highlight", s.MapClearHighlight)
	})
}

// --- Request/Response types ---

// CreateSessionRequest is the JSON body for POST /sessions.
type CreateSessionRequest struct {
	EventID  string           `json:"event_id"`
	Seats    int              `json:"seats"`
	Viewport *drawer.Viewport `json:"viewport,omitempty"` // defaults to the configured phone size
}

// CheckoutRequest is the JSON body for POST /checkout.
type CheckoutRequest struct {
	TicketID string `json:"ticket_id"`
}

// HighlightResponse reports whether the map could focus the ticket.
type HighlightResponse struct {
	Highlighted bool `json:"highlighted"`
}

// CheckoutResponse is returned when checkout opens.
type CheckoutResponse struct {
	Ticket model.MergedTicket `json:"ticket"`
	Drawer drawer.Snapshot    `json:"drawer"`
}

// --- Session lifecycle ---

// Open creates and starts a session.
func (s *Service) Open(q feed.Query, vp drawer.Viewport) (*Session, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	dr, err := drawer.New(vp)
	if err != nil {
		return nil, err
	}

	st := filter.NewStore()
	m := merge.New(st)
	sess := &Session{
		ID:        uuid.New().String(),
		Query:     q,
		CreatedAt: time.Now().UTC(),
		provider:  s.provider,
		store:     st,
		merger:    m,
		bridge:    mapsync.New(st, m),
		poller:    feed.NewPoller(s.provider, m, q, s.opts.RefreshInterval, s.opts.FetchTimeout),
		drawer:    dr,
	}
	sess.start()

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()

	slog.Info("session opened", "id", sess.ID, "event_id", q.EventID, "seats", q.Seats)
	return sess, nil
}

// Get returns a live session.
func (s *Service) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Close stops and forgets a session.
func (s *Service) Close(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	if err := sess.Close(); err != nil {
		slog.Warn("session stopped with error", "id", id, "err", err)
	}
	metrics.ActiveSessions.Dec()
	slog.Info("session closed", "id", id)
	return true
}

// Shutdown closes every session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Close(id)
	}
}

// --- Handlers ---

// CreateSession handles POST /api/v1/sessions.
func (s *Service) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	vp := s.opts.Viewport
	if req.Viewport != nil {
		vp = *req.Viewport
	}
	sess, err := s.Open(feed.Query{EventID: req.EventID, Seats: req.Seats}, vp)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, sess.View())
}

// DeleteSession handles DELETE /api/v1/sessions/{sessionID}.
func (s *Service) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.Close(chi.URLParam(r, "sessionID")) {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetView handles GET /api/v1/sessions/{sessionID}/view.
func (s *Service) GetView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

// GetTickets handles GET /api/v1/sessions/{sessionID}/tickets.
func (s *Service) GetTickets(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": sess.store.FilteredTickets(),
		"counts":  sess.store.TicketCounts(),
	})
}

// Refresh handles POST /api/v1/sessions/{sessionID}/refresh.
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	applied := sess.Refresh(r.Context())
	slog.Debug("manual refresh", "id", sess.ID, "applied", applied)
	writeJSON(w, http.StatusOK, sess.View())
}

// PatchDraft handles PATCH .../filters/draft.
func (s *Service) PatchDraft(w http.ResponseWriter, r *http.Request) {
	s.patch(w, r, (*filter.Store).SetDraftFilter)
}

// PatchApplied handles PATCH .../filters/applied.
func (s *Service) PatchApplied(w http.ResponseWriter, r *http.Request) {
	s.patch(w, r, (*filter.Store).SetAppliedFilter)
}

func (s *Service) patch(w http.ResponseWriter, r *http.Request, set func(*filter.Store, model.FilterPatch) error) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var p model.FilterPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := set(sess.store, p); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

// ApplyDraft handles POST .../filters/apply.
func (s *Service) ApplyDraft(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.store.ApplyDraft()
	writeJSON(w, http.StatusOK, sess.View())
}

// ResetFilters handles POST .../filters/reset.
func (s *Service) ResetFilters(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.store.ResetFilters()
	writeJSON(w, http.StatusOK, sess.View())
}

// DrawerEvent handles POST .../drawer.
func (s *Service) DrawerEvent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var ev drawer.Event
	if err := decodeStrict(r, &ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	snap, err := sess.ApplyDrawer(ev)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// OpenCheckout handles POST .../checkout.
func (s *Service) OpenCheckout(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if err := decodeStrict(r, &req); err != nil || req.TicketID == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, err := sess.OpenCheckout(req.TicketID)
	switch {
	case errors.Is(err, ErrUnknownTicket):
		writeError(w, "ticket not found", http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("checkout opened", "id", sess.ID, "ticket_id", t.ID, "marketplace", t.Marketplace)
	writeJSON(w, http.StatusOK, CheckoutResponse{Ticket: t, Drawer: sess.View().Drawer})
}

// CloseCheckout handles DELETE .../checkout.
func (s *Service) CloseCheckout(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.CloseCheckout())
}

// MapWS handles GET .../map/ws, the map widget's connection.
func (s *Service) MapWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.bridge.ServeWS(w, r)
}

// MapReset handles POST .../map/reset, the list's "reset map" button.
func (s *Service) MapReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.bridge.Reset()
	writeJSON(w, http.StatusOK, sess.View())
}

// MapHighlight handles POST .../map/highlight, sent when a list row is
// hovered or selected. The body is a CheckoutRequest naming the ticket.
func (s *Service) MapHighlight(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if err := decodeStrict(r, &req); err != nil || req.TicketID == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	on, err := sess.Highlight(req.TicketID)
	if errors.Is(err, ErrUnknownTicket) {
		writeError(w, "ticket not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, HighlightResponse{Highlighted: on})
}

// MapClearHighlight handles DELETE .../map/highlight.
func (s *Service) MapClearHighlight(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.ClearHighlight()
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func (s *Service) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, ok := s.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, "session not found", http.StatusNotFound)
	}
	return sess, ok
}

func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

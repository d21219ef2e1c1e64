package listing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/ticketwhiz/listing-engine/internal/drawer"
	"github.com/ticketwhiz/listing-engine/internal/feed"
	"github.com/ticketwhiz/listing-engine/internal/listing"
	"github.com/ticketwhiz/listing-engine/internal/mapsync"
	"github.com/ticketwhiz/listing-engine/internal/model"
)

// viewResp is the subset of the view the tests look at.
type viewResp struct {
	SessionID string `json:"session_id"`
	Tickets   []struct {
		ID   string      `json:"id"`
		Deal *model.Deal `json:"deal"`
	} `json:"tickets"`
	Counts  model.TicketCounts `json:"counts"`
	Bounds  model.PriceRange   `json:"price_bounds"`
	Applied struct {
		PriceRange  model.PriceRange `json:"price_range"`
		VenueLevels []string         `json:"venue_levels"`
	} `json:"applied"`
	Draft struct {
		PriceRange model.PriceRange `json:"price_range"`
	} `json:"draft"`
	ActiveFilters  int             `json:"active_filters"`
	Drawer         drawer.Snapshot `json:"drawer"`
	CheckoutTicket string          `json:"checkout_ticket_id"`
	Highlighted    string          `json:"highlighted_ticket_id"`
	MapReady       bool            `json:"map_ready"`
}

func (v viewResp) ids() []string {
	out := make([]string, len(v.Tickets))
	for i, t := range v.Tickets {
		out[i] = t.ID
	}
	return out
}

// newTestEnv creates a Service over an in-memory feed and a chi router.
func newTestEnv(t *testing.T) (*listing.Service, chi.Router) {
	t.Helper()
	return newTestEnvWith(t, seededProvider())
}

func seededProvider() *feed.MemoryProvider {
	provider := feed.NewMemoryProvider()
	provider.Set("ev-1", []model.RawTicket{
		{TicketID: "a", Price: "50", AllInPrice: "50", SectionLevel: "Lower 101", AvailableTickets: "4", SeatSplits: []model.Flex{"2", "4"}},
		{TicketID: "b", Price: "120", AllInPrice: "120", SectionLevel: "Upper 301", AvailableTickets: "2", SeatSplits: []model.Flex{"2"}},
		{TicketID: "c", Price: "80", AllInPrice: "80", SectionLevel: "Lower 101", AvailableTickets: "4", SeatSplits: []model.Flex{"4"}},
	})
	return provider
}

func newTestEnvWith(t *testing.T, provider feed.Provider) (*listing.Service, chi.Router) {
	t.Helper()
	svc := listing.NewService(provider, listing.Options{
		RefreshInterval: time.Hour,
		FetchTimeout:    5 * time.Second,
		Viewport:        drawer.Viewport{Width: 375, Height: 800},
	})
	t.Cleanup(svc.Shutdown)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return svc, r
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) viewResp {
	t.Helper()
	var v viewResp
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

// openSession creates a session and forces one synchronous feed refresh so
// the tickets are in place.
func openSession(t *testing.T, router http.Handler) string {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/sessions", `{"event_id": "ev-1", "seats": 2}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id := decodeView(t, w).SessionID
	if id == "" {
		t.Fatal("no session id")
	}

	w = do(t, router, "POST", "/api/v1/sessions/"+id+"/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", w.Code)
	}
	if v := decodeView(t, w); v.Counts.Total != 3 {
		t.Fatalf("after refresh: total = %d, want 3", v.Counts.Total)
	}
	return id
}

func getView(t *testing.T, router http.Handler, id string) viewResp {
	t.Helper()
	w := do(t, router, "GET", "/api/v1/sessions/"+id+"/view", "")
	if w.Code != http.StatusOK {
		t.Fatalf("view: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return decodeView(t, w)
}

// --- Session lifecycle ---

func TestCreateSession_Invalid(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing event", `{"seats": 2}`},
		{"negative seats", `{"event_id": "ev-1", "seats": -1}`},
		{"unknown field", `{"event_id": "ev-1", "sets": 2}`},
		{"bad viewport", `{"event_id": "ev-1", "viewport": {"width": 0, "height": 800}}`},
		{"not json", `event=ev-1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/sessions", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSession_ViewAfterRefresh(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)

	v := getView(t, router, id)
	if diff := cmp.Diff([]string{"a", "c", "b"}, v.ids()); diff != "" {
		t.Errorf("tickets sorted by price (-want +got):\n%s", diff)
	}
	if !v.Bounds.Min.Equal(decimal.NewFromInt(50)) || !v.Bounds.Max.Equal(decimal.NewFromInt(120)) {
		t.Errorf("bounds = %v..%v", v.Bounds.Min, v.Bounds.Max)
	}
	if v.Tickets[0].Deal == nil || v.Tickets[0].Deal.Kind != model.DealLowestPrice {
		t.Errorf("cheapest ticket should carry the lowest price deal: %+v", v.Tickets[0].Deal)
	}
	if v.Tickets[1].Deal != nil {
		t.Errorf("second ticket in Lower 101 is not a deal: %+v", v.Tickets[1].Deal)
	}
	if v.Tickets[2].Deal == nil {
		t.Error("only ticket in Upper 301 should be best in section")
	}
	if v.Drawer.State != drawer.Collapsed || v.ActiveFilters != 0 {
		t.Errorf("drawer = %s, active filters = %d", v.Drawer.State, v.ActiveFilters)
	}
}

func TestDeleteSession(t *testing.T) {
	svc, router := newTestEnv(t)
	id := openSession(t, router)

	if w := do(t, router, "DELETE", "/api/v1/sessions/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if _, ok := svc.Get(id); ok {
		t.Error("session still registered")
	}
	if w := do(t, router, "GET", "/api/v1/sessions/"+id+"/view", ""); w.Code != http.StatusNotFound {
		t.Errorf("view after delete: expected 404, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", "/api/v1/sessions/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

func TestUnknownSession(t *testing.T) {
	_, router := newTestEnv(t)
	for _, path := range []string{"/view", "/tickets"} {
		w := do(t, router, "GET", "/api/v1/sessions/nope"+path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

// --- Filters ---

func TestDraftThenApply(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)
	base := "/api/v1/sessions/" + id

	w := do(t, router, "PATCH", base+"/filters/draft", `{"price_range": {"min": "0", "max": "100"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("draft: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	v := decodeView(t, w)
	if len(v.Tickets) != 3 {
		t.Errorf("draft edit changed the list: %v", v.ids())
	}
	// The draft is clamped into the global bounds.
	if !v.Draft.PriceRange.Min.Equal(decimal.NewFromInt(50)) || !v.Draft.PriceRange.Max.Equal(decimal.NewFromInt(100)) {
		t.Errorf("draft range = %v..%v", v.Draft.PriceRange.Min, v.Draft.PriceRange.Max)
	}

	v = decodeView(t, do(t, router, "POST", base+"/filters/apply", ""))
	if diff := cmp.Diff([]string{"a", "c"}, v.ids()); diff != "" {
		t.Errorf("applied list (-want +got):\n%s", diff)
	}
	if v.Counts.Total != 3 || v.Counts.Filtered != 2 || v.ActiveFilters != 1 {
		t.Errorf("counts = %+v, active = %d", v.Counts, v.ActiveFilters)
	}
}

func TestPatchApplied_QuickToggle(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)

	w := do(t, router, "PATCH", "/api/v1/sessions/"+id+"/filters/applied", `{"venue_levels": ["Upper 301"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if diff := cmp.Diff([]string{"b"}, decodeView(t, w).ids()); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}

	w = do(t, router, "GET", "/api/v1/sessions/"+id+"/tickets", "")
	var resp struct {
		Tickets []model.Listing    `json:"tickets"`
		Counts  model.TicketCounts `json:"counts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tickets) != 1 || resp.Tickets[0].ID != "b" || resp.Counts.Filtered != 1 {
		t.Errorf("tickets = %+v", resp)
	}
}

func TestPatch_Invalid(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)

	for _, body := range []string{
		`{"sort_order": "sideways"}`,
		`{"quantity": 0}`,
		`{"price_range": {"min": "90", "max": "10"}}`,
		`{"colour": "red"}`,
	} {
		for _, slice := range []string{"draft", "applied"} {
			w := do(t, router, "PATCH", "/api/v1/sessions/"+id+"/filters/"+slice, body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s %s: expected 400, got %d", slice, body, w.Code)
			}
		}
	}
	if v := getView(t, router, id); v.ActiveFilters != 0 {
		t.Errorf("rejected patches leaked into state: active = %d", v.ActiveFilters)
	}
}

func TestResetFilters(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)
	base := "/api/v1/sessions/" + id

	do(t, router, "PATCH", base+"/filters/applied", `{"venue_levels": ["Lower 101"], "deals_only": true}`)
	v := decodeView(t, do(t, router, "POST", base+"/filters/reset", ""))

	if len(v.Tickets) != 3 || v.ActiveFilters != 0 || len(v.Applied.VenueLevels) != 0 {
		t.Errorf("after reset: tickets = %v, active = %d, levels = %v", v.ids(), v.ActiveFilters, v.Applied.VenueLevels)
	}
	if !v.Applied.PriceRange.Equal(v.Bounds) {
		t.Errorf("applied range %v..%v not back to bounds", v.Applied.PriceRange.Min, v.Applied.PriceRange.Max)
	}
}

// --- Drawer and checkout ---

func TestDrawerEvents(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)
	path := "/api/v1/sessions/" + id + "/drawer"

	w := do(t, router, "POST", path, `{"type": "tap"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap drawer.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.State != drawer.Mid {
		t.Errorf("state after tap = %s, want mid", snap.State)
	}

	do(t, router, "POST", path, `{"type": "drag", "delta_y": -1000}`)
	w = do(t, router, "POST", path, `{"type": "release", "velocity_y": 0}`)
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.State != drawer.Full {
		t.Errorf("state after drag to top = %s, want full", snap.State)
	}

	for _, body := range []string{`{"type": "spin"}`, `{"type": "resize", "width": 0, "height": 0}`, `{"type": "tap", "force": 1}`} {
		if w := do(t, router, "POST", path, body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestCheckout(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)
	base := "/api/v1/sessions/" + id

	do(t, router, "POST", base+"/drawer", `{"type": "tap"}`)

	w := do(t, router, "POST", base+"/checkout", `{"ticket_id": "b"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp listing.CheckoutResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Ticket.ID != "b" || resp.Drawer.State != drawer.Full || !resp.Drawer.Checkout {
		t.Errorf("checkout = %+v", resp)
	}
	if v := getView(t, router, id); v.CheckoutTicket != "b" {
		t.Errorf("view checkout ticket = %q", v.CheckoutTicket)
	}

	// Taps are ignored while checkout is open.
	do(t, router, "POST", base+"/drawer", `{"type": "tap"}`)

	w = do(t, router, "DELETE", base+"/checkout", "")
	var snap drawer.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.State != drawer.Mid || snap.Checkout {
		t.Errorf("after close = %+v, want the remembered mid snap", snap)
	}
	if v := getView(t, router, id); v.CheckoutTicket != "" {
		t.Errorf("checkout ticket not cleared: %q", v.CheckoutTicket)
	}
}

func TestCheckout_Errors(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)

	if w := do(t, router, "POST", "/api/v1/sessions/"+id+"/checkout", `{"ticket_id": "zzz"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown ticket: expected 404, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/sessions/"+id+"/checkout", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing ticket: expected 400, got %d", w.Code)
	}
}

// invalidatingProvider counts cache drops in front of a real provider.
type invalidatingProvider struct {
	feed.Provider
	calls atomic.Int32
	err   error
}

func (p *invalidatingProvider) Invalidate(ctx context.Context, q feed.Query) error {
	p.calls.Add(1)
	return p.err
}

func TestRefresh_InvalidatesCache(t *testing.T) {
	provider := &invalidatingProvider{Provider: seededProvider()}
	_, router := newTestEnvWith(t, provider)

	// openSession posts one manual refresh; the background poll does not
	// touch the cache.
	openSession(t, router)
	if got := provider.calls.Load(); got != 1 {
		t.Errorf("invalidations = %d, want 1", got)
	}
}

func TestRefresh_InvalidationFailureStillFetches(t *testing.T) {
	provider := &invalidatingProvider{Provider: seededProvider(), err: errors.New("redis down")}
	_, router := newTestEnvWith(t, provider)

	openSession(t, router) // fails the test unless the refresh produced all three tickets
	if got := provider.calls.Load(); got != 1 {
		t.Errorf("invalidations = %d, want 1", got)
	}
}

// --- Map widget ---

func TestMapHighlight_Endpoint(t *testing.T) {
	_, router := newTestEnv(t)
	id := openSession(t, router)
	path := "/api/v1/sessions/" + id + "/map/highlight"

	// No map facts yet, so no ticket is on the map.
	w := do(t, router, "POST", path, `{"ticket_id": "a"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp listing.HighlightResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Highlighted {
		t.Error("off-map ticket reported as highlighted")
	}
	if v := getView(t, router, id); v.Highlighted != "" {
		t.Errorf("view highlighted = %q", v.Highlighted)
	}

	if w := do(t, router, "POST", path, `{"ticket_id": "zzz"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown ticket: expected 404, got %d", w.Code)
	}
	if w := do(t, router, "POST", path, `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing ticket: expected 400, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", path, ""); w.Code != http.StatusNoContent {
		t.Errorf("clear: expected 204, got %d", w.Code)
	}
}

// readUntil reads commands until one of type want arrives. Filter pushes
// from a late background poll may come first.
func readUntil(t *testing.T, conn *websocket.Conn, want mapsync.CommandType) mapsync.Command {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var cmd mapsync.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if cmd.Type == want {
			return cmd
		}
		if cmd.Type != mapsync.CommandFilter {
			t.Fatalf("unexpected command %+v while waiting for %s", cmd, want)
		}
	}
}

func TestMapWidget_CheckoutHighlightsTicket(t *testing.T) {
	_, router := newTestEnv(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	id := openSession(t, router)
	base := "/api/v1/sessions/" + id

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + base + "/map/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(mapsync.Event{Type: mapsync.EventReady}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, mapsync.CommandFilter)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "tickets_updated",
		"tickets": [{"tgID": "b", "ticket_section_id": "7",
			"section": {"id": 7, "canonicalName": "Upper 301", "centerX": 410, "centerY": 95}}]}`)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		w := do(t, router, "POST", base+"/map/highlight", `{"ticket_id": "b"}`)
		var resp listing.HighlightResponse
		json.NewDecoder(w.Body).Decode(&resp)
		if resp.Highlighted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("map facts never placed ticket b")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cmd := readUntil(t, conn, mapsync.CommandHighlight)
	want := &mapsync.Focus{TicketID: "b", SectionID: "7", CenterX: 410, CenterY: 95}
	if diff := cmp.Diff(want, cmd.Focus); diff != "" {
		t.Errorf("hover focus (-want +got):\n%s", diff)
	}

	// Checkout focuses the ticket too, and closing it clears the focus.
	if w := do(t, router, "POST", base+"/checkout", `{"ticket_id": "b"}`); w.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d", w.Code)
	}
	if cmd := readUntil(t, conn, mapsync.CommandHighlight); cmd.Focus == nil || cmd.Focus.TicketID != "b" {
		t.Errorf("checkout highlight = %+v", cmd)
	}
	if v := getView(t, router, id); v.Highlighted != "b" {
		t.Errorf("view highlighted = %q", v.Highlighted)
	}

	do(t, router, "DELETE", base+"/checkout", "")
	readUntil(t, conn, mapsync.CommandClearHighlight)
	if v := getView(t, router, id); v.Highlighted != "" {
		t.Errorf("highlight not cleared: %q", v.Highlighted)
	}
}


func TestMapWidget_RoundTrip(t *testing.T) {
	svc, router := newTestEnv(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	id := openSession(t, router)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/map/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(mapsync.Event{Type: mapsync.EventReady}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var cmd mapsync.Command
	if err := conn.ReadJSON(&cmd); err != nil {
		t.Fatalf("read command: %v", err)
	}
	if cmd.Type != mapsync.CommandFilter || cmd.MaxPrice == nil || !cmd.MaxPrice.Equal(decimal.NewFromInt(120)) {
		t.Errorf("first command = %+v", cmd)
	}

	// The widget reports what it laid out, then the shopper clicks a section.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "tickets_updated",
		"tickets": [{"tgID": "b", "tgColor": "#ff0000",
			"section": {"id": 7, "name": "301", "canonicalName": "Upper 301", "level": {"id": 3, "name": "Upper", "color": "#00f"}}}],
		"legend_selected": 1}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(mapsync.Event{Type: mapsync.EventSectionClick, Section: &mapsync.SectionRef{CanonicalName: "Upper 301"}}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		v := getView(t, router, id)
		if v.MapReady && slices.Equal(v.Applied.VenueLevels, []string{"Upper 301"}) && len(v.Tickets) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("map click never reached the list: %+v", v)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess, _ := svc.Get(id)
	v := sess.View()
	if !v.MapResetVisible {
		t.Error("legend selection should show the reset affordance")
	}
	if len(v.Tickets) != 1 || v.Tickets[0].Color != "#ff0000" || v.Tickets[0].Section == nil {
		t.Errorf("map facts not merged: %+v", v.Tickets)
	}

	// The list's reset button clears the map-driven selection.
	w := do(t, router, "POST", "/api/v1/sessions/"+id+"/map/reset", "")
	if got := decodeView(t, w); len(got.Applied.VenueLevels) != 0 || len(got.Tickets) != 3 {
		t.Errorf("after map reset: levels = %v, tickets = %v", got.Applied.VenueLevels, got.ids())
	}
}

func TestShutdown(t *testing.T) {
	svc, router := newTestEnv(t)
	a := openSession(t, router)
	b := openSession(t, router)

	svc.Shutdown()
	for _, id := range []string{a, b} {
		if _, ok := svc.Get(id); ok {
			t.Errorf("session %s survived shutdown", id)
		}
	}
}

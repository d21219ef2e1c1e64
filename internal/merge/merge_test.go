package merge

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ticketwhiz/listing-engine/internal/model"
)

// recordingSink keeps every snapshot it receives.
type recordingSink struct {
	mu        sync.Mutex
	snapshots [][]model.MergedTicket
}

func (s *recordingSink) SetMergedTickets(tickets []model.MergedTicket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, tickets)
}

func (s *recordingSink) EnrichMergedTickets(tickets []model.MergedTicket) {
	s.SetMergedTickets(tickets)
}

func (s *recordingSink) last(t *testing.T) []model.MergedTicket {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		t.Fatal("sink received no snapshot")
	}
	return s.snapshots[len(s.snapshots)-1]
}

func ids(tickets []model.MergedTicket) []string {
	out := make([]string, len(tickets))
	for i, t := range tickets {
		out[i] = t.ID
	}
	return out
}

func raw(id, section, price string) model.RawTicket {
	return model.RawTicket{
		TicketID:     model.Flex(id),
		SectionLevel: section,
		Price:        model.Flex(price),
		AllInPrice:   model.Flex(price),
	}
}

func TestMerge_PreservesInputOrder(t *testing.T) {
	raws := []model.RawTicket{raw("c", "C", "30"), raw("a", "A", "10"), raw("b", "B", "20")}

	got := Merge(raws, nil)

	if diff := cmp.Diff([]string{"c", "a", "b"}, ids(got)); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	for i, mt := range got {
		if mt.Seq != i {
			t.Errorf("ticket %s: seq = %d, want %d", mt.ID, mt.Seq, i)
		}
	}
}

func TestMerge_MapFactWins(t *testing.T) {
	facts := map[string]model.MapFact{
		"a": {
			TicketID:  "a",
			Color:     "#ff0000",
			SectionID: "sec-104",
			Section: &model.Section{
				ID:    "s104",
				Name:  "Section 104",
				Level: &model.Level{ID: "l1", Name: "Lower Level"},
			},
		},
	}

	got := Merge([]model.RawTicket{raw("a", "104", "50"), raw("b", "Upper 301", "40")}, facts)

	if got[0].SectionName != "Section 104" || got[0].Color != "#ff0000" || got[0].SectionID != "sec-104" {
		t.Errorf("fact not applied: %+v", got[0])
	}
	if !got[0].OnMap() {
		t.Error("ticket with fact should be on map")
	}
	if got[1].Section != nil || got[1].SectionName != "Upper 301" {
		t.Errorf("ticket without fact should fall back to raw label: %+v", got[1])
	}
	if got[1].OnMap() {
		t.Error("ticket without fact must not be on map")
	}

	// The merged copy must not alias the fact table.
	got[0].Section.Level.Name = "mutated"
	if facts["a"].Section.Level.Name != "Lower Level" {
		t.Error("merged section aliases the fact table")
	}
}

func TestMerge_DuplicateIdentifiersFirstWins(t *testing.T) {
	got := Merge([]model.RawTicket{raw("a", "A", "10"), raw("a", "B", "99")}, nil)
	if len(got) != 1 || got[0].SectionName != "A" {
		t.Fatalf("expected first duplicate to win, got %+v", got)
	}
}

func TestMerger_OutOfOrderCompletionDiscarded(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink)

	first := m.Begin()
	second := m.Begin()

	if !m.Complete(second, &model.Batch{Tickets: []model.RawTicket{raw("new", "B", "20")}}) {
		t.Fatal("newer refresh should be applied")
	}
	if m.Complete(first, &model.Batch{Tickets: []model.RawTicket{raw("old", "A", "10")}}) {
		t.Fatal("older refresh completing late must be discarded")
	}

	if diff := cmp.Diff([]string{"new"}, ids(sink.last(t))); diff != "" {
		t.Errorf("final snapshot (-want +got):\n%s", diff)
	}
	if len(sink.snapshots) != 1 {
		t.Errorf("expected exactly one publish, got %d", len(sink.snapshots))
	}
	if m.Applied() != second {
		t.Errorf("applied = %d, want %d", m.Applied(), second)
	}
}

func TestMerger_InOrderCompletionsBothApply(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink)

	first, second := m.Begin(), m.Begin()
	m.Complete(first, &model.Batch{Tickets: []model.RawTicket{raw("a", "A", "10")}})
	m.Complete(second, &model.Batch{Tickets: []model.RawTicket{raw("b", "B", "20")}})

	if len(sink.snapshots) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(sink.snapshots))
	}
	if diff := cmp.Diff([]string{"b"}, ids(sink.last(t))); diff != "" {
		t.Errorf("final snapshot (-want +got):\n%s", diff)
	}
}

func TestMerger_FailureKeepsSnapshot(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink)

	m.Complete(m.Begin(), &model.Batch{Tickets: []model.RawTicket{raw("a", "A", "10")}})
	m.Fail(m.Begin(), errors.New("upstream 502"))

	if len(sink.snapshots) != 1 {
		t.Fatalf("failure must not publish, got %d snapshots", len(sink.snapshots))
	}
	if diff := cmp.Diff([]string{"a"}, ids(sink.last(t))); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
}

func TestMerger_FactUpdateRepublishes(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink)

	// Facts arriving before any batch are kept but publish nothing.
	m.UpdateFacts([]model.MapFact{{TicketID: "a", Color: "blue"}})
	if len(sink.snapshots) != 0 {
		t.Fatalf("no batch yet, expected no publish")
	}

	m.Complete(m.Begin(), &model.Batch{Tickets: []model.RawTicket{raw("a", "A", "10")}})
	if got := sink.last(t)[0].Color; got != "blue" {
		t.Errorf("early fact not applied, color = %q", got)
	}

	m.UpdateFacts([]model.MapFact{{TicketID: "a", Color: "green"}})
	if got := sink.last(t)[0].Color; got != "green" {
		t.Errorf("last write should win, color = %q", got)
	}
	if len(sink.snapshots) != 2 {
		t.Errorf("expected republish on fact update, got %d snapshots", len(sink.snapshots))
	}
}

func TestMerger_PrefersMapTickets(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink)

	m.Complete(m.Begin(), &model.Batch{
		Tickets:    []model.RawTicket{raw("list", "A", "10")},
		MapTickets: []model.RawTicket{raw("map", "A", "10")},
	})

	if diff := cmp.Diff([]string{"map"}, ids(sink.last(t))); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
}

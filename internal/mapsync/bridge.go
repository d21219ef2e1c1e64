// Package mapsync bridges the filter store and the interactive venue map
// widget. Commands flow out to the widget and events flow in from it over
// two separate paths, and every applied-filter change carries its origin,
// so a change the map itself caused is never echoed back to the map.
package mapsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/ticketwhiz/listing-engine/internal/filter"
	"github.com/ticketwhiz/listing-engine/internal/metrics"
	"github.com/ticketwhiz/listing-engine/internal/model"
)

// ErrStopped is returned by Deliver once the bridge loop has exited.
var ErrStopped = errors.New("mapsync: bridge stopped")

// Widget is the map widget's command surface.
type Widget interface {
	Send(cmd Command) error
}

// FactSink receives the facts the widget reports about tickets.
type FactSink interface {
	UpdateFacts(facts []model.MapFact)
}

// Bridge owns the only reference to the map widget. Until the widget
// signals ready, outbound commands are dropped; on ready it receives the
// current applied filters and the current highlight, if any.
type Bridge struct {
	store   *filter.Store
	facts   FactSink
	events  chan Event
	wake    chan struct{}
	stopped chan struct{}

	mu           sync.Mutex
	widget       Widget
	ready        bool
	pending      []Command
	resetVisible bool
	focus        *Command
}

// New creates a bridge and subscribes it to store.
func New(store *filter.Store, facts FactSink) *Bridge {
	b := &Bridge{
		store:   store,
		facts:   facts,
		events:  make(chan Event, 64),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	store.Subscribe(b.onChange)
	return b
}

// Attach makes w the current widget. It is not considered ready until it
// sends EventReady.
func (b *Bridge) Attach(w Widget) {
	b.mu.Lock()
	prev := b.widget
	b.widget = w
	b.ready = false
	b.mu.Unlock()

	if prev != nil && prev != w {
		closeWidget(prev)
	}
}

// Detach forgets w if it is still the current widget.
func (b *Bridge) Detach(w Widget) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.widget == w {
		b.widget = nil
		b.ready = false
	}
}

// Ready reports whether a widget is attached and has signaled ready.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.widget != nil && b.ready
}

// ResetVisible reports whether the map currently has a selection worth
// offering a reset button for.
func (b *Bridge) ResetVisible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetVisible
}

// Highlight focuses t on the map. Tickets the widget has not placed on the
// canvas cannot be highlighted and report false.
func (b *Bridge) Highlight(t model.MergedTicket) bool {
	if !t.OnMap() {
		return false
	}
	cmd := highlightCommand(t)
	b.mu.Lock()
	b.focus = &cmd
	b.mu.Unlock()
	b.enqueue(cmd)
	return true
}

// ClearHighlight drops the current focus. Nothing is sent when no ticket
// is highlighted.
func (b *Bridge) ClearHighlight() {
	b.mu.Lock()
	had := b.focus != nil
	b.focus = nil
	b.mu.Unlock()
	if had {
		b.enqueue(Command{Type: CommandClearHighlight})
	}
}

// Highlighted returns the id of the focused ticket, or "".
func (b *Bridge) Highlighted() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.focus == nil {
		return ""
	}
	return b.focus.Focus.TicketID
}

// Deliver queues an inbound widget event for the Run loop.
func (b *Bridge) Deliver(ctx context.Context, ev Event) error {
	select {
	case b.events <- ev:
		return nil
	case <-b.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset asks the widget to clear its own selection, as the list's
// "reset map" button does, and clears the applied venue levels.
func (b *Bridge) Reset() {
	b.store.ClearVenueLevels(filter.OriginMap)
	b.enqueue(Command{Type: CommandReset})
	b.enqueue(Command{Type: CommandFilter})
	b.setResetVisible(false)
}

// Run processes inbound events and flushes outbound commands until ctx is
// done. It must be called exactly once.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		close(b.stopped)
		b.mu.Lock()
		w := b.widget
		b.widget, b.ready = nil, false
		b.mu.Unlock()
		if w != nil {
			closeWidget(w)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.events:
			b.handle(ev)
		case <-b.wake:
			b.flush()
		}
	}
}

// onChange runs under the store lock; it only queues.
func (b *Bridge) onChange(c filter.Change) {
	if c.Origin == filter.OriginMap {
		return
	}
	if c.Reset {
		b.enqueue(Command{Type: CommandReset})
	}
	b.enqueue(Command{Type: CommandFilter})
}

// enqueue coalesces pending commands: a reset drops everything queued
// before it, a filter replaces any queued filter and a highlight or clear
// replaces any queued highlight or clear. The focus survives a reset.
func (b *Bridge) enqueue(cmd Command) {
	b.mu.Lock()
	switch cmd.Type {
	case CommandReset:
		b.pending = append(b.pending[:0], cmd)
		if b.focus != nil {
			b.pending = append(b.pending, *b.focus)
		}
	case CommandHighlight, CommandClearHighlight:
		b.pending = slices.DeleteFunc(b.pending, isFocusCommand)
		b.pending = append(b.pending, cmd)
	default:
		b.pending = slices.DeleteFunc(b.pending, func(c Command) bool { return c.Type == cmd.Type })
		b.pending = append(b.pending, cmd)
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// flush sends the queued commands. Filter commands are built from the
// store's applied slice at send time, so the widget always gets the slice
// as it is now rather than as it was when the command was queued.
func (b *Bridge) flush() {
	b.mu.Lock()
	w, ready := b.widget, b.ready
	cmds := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(cmds) == 0 {
		return
	}
	if w == nil || !ready {
		slog.Debug("map widget not ready, dropping commands", "count", len(cmds))
		return
	}
	for _, cmd := range cmds {
		if cmd.Type == CommandFilter {
			cmd = filterCommand(b.store.Applied())
		}
		if err := w.Send(cmd); err != nil {
			slog.Warn("map widget command failed", "type", cmd.Type, "err", err)
			return
		}
		metrics.MapCommandsTotal.WithLabelValues(string(cmd.Type)).Inc()
	}
}

func (b *Bridge) handle(ev Event) {
	switch ev.Type {
	case EventReady:
		b.mu.Lock()
		b.ready = b.widget != nil
		focus := b.focus
		b.mu.Unlock()
		b.enqueue(Command{Type: CommandFilter})
		if focus != nil {
			b.enqueue(*focus)
		}

	case EventGone:
		b.mu.Lock()
		b.ready = false
		b.mu.Unlock()

	case EventTicketsUpdated:
		facts := make([]model.MapFact, 0, len(ev.Tickets))
		for _, t := range ev.Tickets {
			if f, ok := t.Fact(); ok {
				facts = append(facts, f)
			}
		}
		b.facts.UpdateFacts(facts)
		b.setResetVisible(ev.LegendSelected > 0 || ev.SelectionsInView > 0)

	case EventSectionClick, EventRowClick:
		b.sectionClick(ev)

	case EventReset:
		b.Reset()

	default:
		metrics.MapEventsTotal.WithLabelValues("unknown").Inc()
		slog.Debug("unknown map event", "type", ev.Type)
		return
	}
	metrics.MapEventsTotal.WithLabelValues(string(ev.Type)).Inc()
}

// sectionClick is the one inbound path that writes applied filters. The
// widget's own selected flag wins over a local toggle.
func (b *Bridge) sectionClick(ev Event) {
	if ev.ClearAll {
		b.store.ClearVenueLevels(filter.OriginMap)
		return
	}
	name := ev.Section.DisplayName()
	if name == "" {
		return
	}
	if ev.Selected != nil {
		b.store.SetVenueLevelSelected(name, *ev.Selected, filter.OriginMap)
		return
	}
	b.store.ToggleVenueLevel(name, filter.OriginMap)
}

func (b *Bridge) setResetVisible(v bool) {
	b.mu.Lock()
	b.resetVisible = v
	b.mu.Unlock()
}

func isFocusCommand(c Command) bool {
	return c.Type == CommandHighlight || c.Type == CommandClearHighlight
}

func closeWidget(w Widget) {
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}

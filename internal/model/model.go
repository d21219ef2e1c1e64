// Package model defines the core domain types shared across the listing engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Flex is a scalar the ticket feed or the map widget may send as a JSON
// string, a JSON number or null. It never fails to decode: anything that is
// not a string is kept as its literal text and left for the consumer to
// interpret (or default).
type Flex string

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*f = ""
			return nil
		}
		*f = Flex(strings.TrimSpace(s))
	default:
		*f = Flex(b)
	}
	return nil
}

// String returns the raw text.
func (f Flex) String() string { return string(f) }

// RawTicket is one listing as supplied by the ticket feed. Immutable once
// received; each refresh supersedes the previous batch wholesale.
type RawTicket struct {
	Price            Flex      `json:"price"`
	SectionLevel     string    `json:"section_level"`
	Row              Flex      `json:"row"`
	AvailableTickets Flex      `json:"available_tickets"`
	SiteName         string    `json:"site_name"`
	AllInPrice       Flex      `json:"all_in_price"`
	TicketLink       string    `json:"ticket_link"`
	ServiceCharge    Flex      `json:"service_charge,omitempty"`
	TicketID         Flex      `json:"ticket_id,omitempty"`
	TicketUUID       Flex      `json:"ticket_uuid,omitempty"`
	TicketTogether   Flex      `json:"ticket_together,omitempty"`
	SeatSplits       []Flex    `json:"seat_splits,omitempty"`
	Image            string    `json:"image,omitempty"`
	Rating           Flex      `json:"rating,omitempty"`
	Review           string    `json:"review,omitempty"`
	Geometry         *Geometry `json:"geometry,omitempty"`
}

// Batch is one response from the ticket feed.
type Batch struct {
	Count      int         `json:"count"`
	Tickets    []RawTicket `json:"tickets"`
	MapTickets []RawTicket `json:"ticketnetwork_map_tickets,omitempty"`
}

// Listings returns the tickets to merge. The map-ready list wins when the
// feed sends both.
func (b *Batch) Listings() []RawTicket {
	if b == nil {
		return nil
	}
	if len(b.MapTickets) > 0 {
		return b.MapTickets
	}
	return b.Tickets
}

// Geometry is the optional section center carried by the feed itself.
type Geometry struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
}

// Ticket is the canonical, normalized form of a RawTicket.
type Ticket struct {
	ID            string          `json:"id"`
	Price         decimal.Decimal `json:"price"`
	AllInPrice    decimal.Decimal `json:"all_in_price"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	SectionLabel  string          `json:"section_label"`
	Row           string          `json:"row"`
	Quantity      int             `json:"quantity"`
	Marketplace   string          `json:"marketplace"`
	CheckoutURL   string          `json:"checkout_url"`
	Together      string          `json:"together,omitempty"`
	SeatSplits    []int           `json:"seat_splits"`
	Image         string          `json:"image,omitempty"`
	Rating        decimal.Decimal `json:"rating"`
	Review        string          `json:"review,omitempty"`
	Geometry      *Geometry       `json:"geometry,omitempty"`
}

// HasSeatSplit reports whether n is one of the ticket's allowed splits.
func (t Ticket) HasSeatSplit(n int) bool {
	for _, s := range t.SeatSplits {
		if s == n {
			return true
		}
	}
	return false
}

// Level is the venue level a section belongs to.
type Level struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Section is the map widget's resolved identity for a ticket's section.
type Section struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	CanonicalName string  `json:"canonical_name,omitempty"`
	Code          string  `json:"code,omitempty"`
	CenterX       float64 `json:"center_x"`
	CenterY       float64 `json:"center_y"`
	Level         *Level  `json:"level,omitempty"`
}

// MapFact is what the map widget learned about one ticket while laying it
// out. Keyed by ticket identifier; replaced, never unset.
type MapFact struct {
	TicketID    string   `json:"ticket_id"`
	Color       string   `json:"color,omitempty"`
	SectionName string   `json:"section_name,omitempty"`
	Section     *Section `json:"section,omitempty"`
	SectionID   string   `json:"section_id,omitempty"`
}

// MergedTicket is the authoritative ticket record used everywhere
// downstream. Map enrichment is additive: a ticket without a MapFact has a
// nil Section and is still listed and counted.
type MergedTicket struct {
	Ticket
	Color       string   `json:"color,omitempty"`
	SectionName string   `json:"section_name"`
	Section     *Section `json:"section"`
	SectionID   string   `json:"section_id,omitempty"`
	Seq         int      `json:"seq"` // position in the merged snapshot
}

// OnMap reports whether the ticket can be highlighted on the map.
func (t MergedTicket) OnMap() bool { return t.Section != nil }

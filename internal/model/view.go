package model

import "github.com/shopspring/decimal"

// DealKind classifies a best-deal flag.
type DealKind string

const (
	// DealLowestPrice marks the cheapest ticket among all filtered tickets.
	DealLowestPrice DealKind = "lowest_price"
	// DealBestInSection marks the cheapest filtered ticket in its section.
	DealBestInSection DealKind = "best_in_section"
)

// Deal is the label attached to a best-deal ticket.
type Deal struct {
	Kind  DealKind `json:"kind"`
	Label string   `json:"label"`
	Color string   `json:"color"`
}

// Listing is one row of the filtered list: a merged ticket plus its deal
// flag under the current filters.
type Listing struct {
	MergedTicket
	Deal *Deal `json:"deal,omitempty"`
}

// IsDeal reports whether the listing carries a deal flag.
func (l Listing) IsDeal() bool { return l.Deal != nil }

// HistogramBucket is one of the fixed-width price buckets. Count is taken
// over the unfiltered set; only Active follows the applied price range.
type HistogramBucket struct {
	Start  decimal.Decimal `json:"start"`
	End    decimal.Decimal `json:"end"`
	Count  int             `json:"count"`
	Active bool            `json:"active"`
}

// SectionOption is a selectable venue level with its display color.
type SectionOption struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// TicketCounts feeds the listing-count and progress UI.
type TicketCounts struct {
	Total    int `json:"total"`
	Filtered int `json:"filtered"`
	Deals    int `json:"deals"`
}

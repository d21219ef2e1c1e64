package filter

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ticketwhiz/listing-engine/internal/model"
)

// Apply runs the filter pipeline over tickets: price range, venue level,
// seat split, deal flagging, the deals-only cut and finally the sort.
// tickets must be in merge order; the sort is stable so equal keys keep it.
func Apply(tickets []model.MergedTicket, f model.Filters) []model.Listing {
	base := make([]model.Listing, 0, len(tickets))
	for _, t := range tickets {
		if Match(t, f) {
			base = append(base, model.Listing{MergedTicket: t})
		}
	}

	out := ComputeDealFlags(base)
	if f.DealsOnly {
		out = slices.DeleteFunc(out, func(l model.Listing) bool { return !l.IsDeal() })
	}
	SortListings(out, f.SortOrder)
	return out
}

// Match reports whether t passes the price, venue-level and seat-split
// predicates. An empty venue-level selection matches everything.
func Match(t model.MergedTicket, f model.Filters) bool {
	if !f.PriceRange.Contains(t.AllInPrice) {
		return false
	}
	if len(f.VenueLevels) > 0 && !f.HasVenueLevel(t.SectionName) {
		return false
	}
	if n, ok := f.SeatSplit.Count(); ok && !t.HasSeatSplit(n) {
		return false
	}
	return true
}

// SortListings orders ls in place. Unknown orders fall back to price
// ascending.
func SortListings(ls []model.Listing, order model.SortOrder) {
	var less func(a, b model.Listing) int
	switch order {
	case model.SortPriceDesc:
		less = func(a, b model.Listing) int { return b.AllInPrice.Cmp(a.AllInPrice) }
	case model.SortRowAsc:
		less = func(a, b model.Listing) int { return CompareRows(a.Row, b.Row) }
	case model.SortRowDesc:
		less = func(a, b model.Listing) int { return CompareRows(b.Row, a.Row) }
	default:
		less = func(a, b model.Listing) int { return a.AllInPrice.Cmp(b.AllInPrice) }
	}
	slices.SortStableFunc(ls, less)
}

// CompareRows orders seat rows: numeric rows numerically and before
// lettered rows; lettered rows shortest first ("Z" < "AA"), then
// alphabetically ignoring case. Blank rows go last.
func CompareRows(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}

	an, aErr := strconv.Atoi(a)
	bn, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return cmp.Compare(an, bn)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	}

	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if len(a) != len(b) {
		return cmp.Compare(len(a), len(b))
	}
	return strings.Compare(a, b)
}

// Bounds returns the min/max all-in price over tickets, or [0, 0] for an
// empty set.
func Bounds(tickets []model.MergedTicket) model.PriceRange {
	if len(tickets) == 0 {
		return model.PriceRange{Min: decimal.Zero, Max: decimal.Zero}
	}
	lo, hi := tickets[0].AllInPrice, tickets[0].AllInPrice
	for _, t := range tickets[1:] {
		lo = decimal.Min(lo, t.AllInPrice)
		hi = decimal.Max(hi, t.AllInPrice)
	}
	return model.PriceRange{Min: lo, Max: hi}
}

// SectionOptions lists the distinct venue levels in first-seen order. The
// color is the first non-empty map color seen for that level, falling back
// to the level color the map reported.
func SectionOptions(tickets []model.MergedTicket) []model.SectionOption {
	out := make([]model.SectionOption, 0)
	index := make(map[string]int)

	for _, t := range tickets {
		if t.SectionName == "" {
			continue
		}
		color := t.Color
		if color == "" && t.Section != nil && t.Section.Level != nil {
			color = t.Section.Level.Color
		}
		i, ok := index[t.SectionName]
		if !ok {
			index[t.SectionName] = len(out)
			out = append(out, model.SectionOption{Name: t.SectionName, Color: color})
			continue
		}
		if out[i].Color == "" {
			out[i].Color = color
		}
	}
	return out
}

package filter

import (
	"github.com/ticketwhiz/listing-engine/internal/model"
)

// Deal labels and colors shown on flagged rows.
var (
	lowestPriceDeal = model.Deal{Kind: model.DealLowestPrice, Label: "Lowest Price", Color: "#16a34a"}
	bestInSection   = model.Deal{Kind: model.DealBestInSection, Label: "Best in Section", Color: "#2563eb"}
)

// ComputeDealFlags returns a copy of ls with deal flags set. Within each
// section the lowest all-in price is flagged, ties going to the ticket that
// came first in the merged snapshot, so each section has at most one flag.
// The overall cheapest of those is labeled lowest price. Tickets with no
// known price are never flagged.
func ComputeDealFlags(ls []model.Listing) []model.Listing {
	out := make([]model.Listing, len(ls))
	copy(out, ls)

	best := make(map[string]int) // section name -> index into out
	for i := range out {
		out[i].Deal = nil
		if !out[i].AllInPrice.IsPositive() {
			continue
		}
		j, ok := best[out[i].SectionName]
		if !ok || cheaper(out[i], out[j]) {
			best[out[i].SectionName] = i
		}
	}
	if len(best) == 0 {
		return out
	}

	lowest := -1
	for _, i := range best {
		if lowest < 0 || cheaper(out[i], out[lowest]) {
			lowest = i
		}
	}
	for _, i := range best {
		d := bestInSection
		if i == lowest {
			d = lowestPriceDeal
		}
		out[i].Deal = &d
	}
	return out
}

// cheaper orders by all-in price, then by merge position.
func cheaper(a, b model.Listing) bool {
	if c := a.AllInPrice.Cmp(b.AllInPrice); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

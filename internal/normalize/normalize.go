// Package normalize converts raw feed tickets into the canonical
// model.Ticket shape. Everything here is pure: malformed numeric input
// defaults to zero and nothing ever fails.
package normalize

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ticketwhiz/listing-engine/internal/model"
)

// ticketNamespace seeds deterministic ids for tickets the feed sent
// without ticket_uuid or ticket_id.
var ticketNamespace = uuid.MustParse("6f2b1c1e-5d7a-4c43-9a43-2f3f0c9d7e51")

// splitToken matches signed integers inside a seat-split entry such as
// "2", "2,4" or "2 or 4".
var splitToken = regexp.MustCompile(`-?\d+`)

// moneyNoise is stripped before parsing a price ("$1,250.00" -> "1250.00").
var moneyNoise = strings.NewReplacer("$", "", ",", "", " ", "")

// Normalize converts one raw ticket.
func Normalize(raw model.RawTicket) model.Ticket {
	price := Money(raw.Price)
	// A missing all-in price stays zero; it is not inferred from price.
	allIn := Money(raw.AllInPrice)

	var geom *model.Geometry
	if raw.Geometry != nil {
		g := *raw.Geometry
		geom = &g
	}

	return model.Ticket{
		ID:            ID(raw),
		Price:         price,
		AllInPrice:    allIn,
		ServiceCharge: Money(raw.ServiceCharge),
		SectionLabel:  strings.TrimSpace(raw.SectionLevel),
		Row:           strings.TrimSpace(raw.Row.String()),
		Quantity:      Count(raw.AvailableTickets),
		Marketplace:   strings.TrimSpace(raw.SiteName),
		CheckoutURL:   strings.TrimSpace(raw.TicketLink),
		Together:      raw.TicketTogether.String(),
		SeatSplits:    SeatSplits(raw.SeatSplits),
		Image:         raw.Image,
		Rating:        Money(raw.Rating),
		Review:        raw.Review,
		Geometry:      geom,
	}
}

// ID resolves the join key: ticket_uuid, then ticket_id, then a
// deterministic name-based UUID over the listing's visible fields.
func ID(raw model.RawTicket) string {
	if id := raw.TicketUUID.String(); id != "" {
		return id
	}
	if id := raw.TicketID.String(); id != "" {
		return id
	}
	key := strings.Join([]string{
		raw.SiteName,
		raw.SectionLevel,
		raw.Row.String(),
		raw.Price.String(),
		raw.AllInPrice.String(),
		raw.TicketLink,
	}, "\x1f")
	return uuid.NewSHA1(ticketNamespace, []byte(key)).String()
}

// Money parses a price-like value. Absent, malformed or negative input
// yields zero.
func Money(f model.Flex) decimal.Decimal {
	s := moneyNoise.Replace(f.String())
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil || v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// Count parses a non-negative integer count, truncating decimals.
func Count(f model.Flex) int {
	v := Money(f)
	if v.IsZero() {
		return 0
	}
	n := v.IntPart()
	if n > int64(^uint32(0)>>1) {
		return 0
	}
	return int(n)
}

// SeatSplits parses split entries into a sorted list of unique positive
// integers.
func SeatSplits(in []model.Flex) []int {
	out := make([]int, 0, len(in))
	for _, f := range in {
		for _, tok := range splitToken.FindAllString(f.String(), -1) {
			n, err := strconv.Atoi(tok)
			if err != nil || n <= 0 {
				continue
			}
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

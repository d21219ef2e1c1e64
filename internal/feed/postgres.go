package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ticketwhiz/listing-engine/internal/metrics"
	"github.com/ticketwhiz/listing-engine/internal/model"
)

// PostgresProvider reads listings from a `listings` table populated by the
// ingest job. Prices are stored as NUMERIC and read back as text so no
// precision is lost on the way to decimal.
type PostgresProvider struct {
	pool  *pgxpool.Pool
	limit int
}

// NewPostgresProvider creates a PostgreSQL-backed provider.
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool, limit: defaultPageLimit}
}

const listingsQuery = `
SELECT COALESCE(ticket_id, ''), COALESCE(ticket_uuid, ''),
       COALESCE(price::TEXT, ''), COALESCE(all_in_price::TEXT, ''),
       COALESCE(service_charge::TEXT, ''),
       COALESCE(section_level, ''), COALESCE("row", ''),
       COALESCE(available_tickets, 0), COALESCE(site_name, ''), COALESCE(ticket_link, ''),
       COALESCE(seat_splits, '{}'), COALESCE(ticket_together, ''),
       COALESCE(image, ''), COALESCE(rating::TEXT, ''), COALESCE(review, '')
FROM listings
WHERE event_id = $1 AND ($2 = 0 OR available_tickets >= $2)
ORDER BY all_in_price, ticket_id
LIMIT $3`

// Fetch implements Provider.
func (p *PostgresProvider) Fetch(ctx context.Context, q Query) (*model.Batch, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.FeedLatency.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
	}()

	rows, err := p.pool.Query(ctx, listingsQuery, q.EventID, q.Seats, p.limit)
	if err != nil {
		return nil, fmt.Errorf("feed: query listings for %s: %w", q.EventID, err)
	}
	defer rows.Close()

	var tickets []model.RawTicket
	for rows.Next() {
		var (
			t                                model.RawTicket
			id, uuid, price, allIn, fee, row string
			together, rating                 string
			available                        int
			splits                           []string
		)
		if err := rows.Scan(
			&id, &uuid, &price, &allIn, &fee,
			&t.SectionLevel, &row,
			&available, &t.SiteName, &t.TicketLink,
			&splits, &together,
			&t.Image, &rating, &t.Review,
		); err != nil {
			return nil, fmt.Errorf("feed: scan listing: %w", err)
		}
		t.TicketID = model.Flex(id)
		t.TicketUUID = model.Flex(uuid)
		t.Price = model.Flex(price)
		t.AllInPrice = model.Flex(allIn)
		t.ServiceCharge = model.Flex(fee)
		t.Row = model.Flex(row)
		t.AvailableTickets = model.Flex(strconv.Itoa(available))
		t.TicketTogether = model.Flex(together)
		t.Rating = model.Flex(rating)
		t.SeatSplits = make([]model.Flex, len(splits))
		for i, s := range splits {
			t.SeatSplits[i] = model.Flex(s)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("feed: read listings for %s: %w", q.EventID, err)
	}

	return &model.Batch{Count: len(tickets), Tickets: tickets}, nil
}

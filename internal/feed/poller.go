package feed

import (
	"context"
	"sync"
	"time"

	"github.com/ticketwhiz/listing-engine/internal/model"
)

// Refresher is the sequencing contract of merge.Merger.
type Refresher interface {
	Begin() uint64
	Complete(seq uint64, batch *model.Batch) bool
	Fail(seq uint64, err error)
}

// Poller refreshes one query on a fixed interval. Each tick starts an
// independent fetch, so a slow fetch never delays the next one; the
// Refresher decides which completions are stale.
type Poller struct {
	provider Provider
	target   Refresher
	query    Query
	interval time.Duration
	timeout  time.Duration
}

// NewPoller creates a poller. timeout bounds each individual fetch.
func NewPoller(p Provider, target Refresher, q Query, interval, timeout time.Duration) *Poller {
	return &Poller{
		provider: p,
		target:   target,
		query:    q,
		interval: interval,
		timeout:  timeout,
	}
}

// Run fetches immediately, then every interval, until ctx is done. It
// waits for in-flight fetches before returning.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	start := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Refresh(ctx)
		}()
	}

	start()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start()
		}
	}
}

// Refresh runs one fetch synchronously and hands the result to the
// Refresher. It reports whether the batch was applied.
func (p *Poller) Refresh(ctx context.Context) bool {
	seq := p.target.Begin()

	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	batch, err := p.provider.Fetch(fctx, p.query)
	if err != nil {
		p.target.Fail(seq, err)
		return false
	}
	return p.target.Complete(seq, batch)
}

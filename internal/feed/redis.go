package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ticketwhiz/listing-engine/internal/metrics"
	"github.com/ticketwhiz/listing-engine/internal/model"
)

// CachedProvider wraps a primary provider with a Redis read-through cache,
// so that many sessions polling the same event share one upstream fetch
// per TTL window. Cache errors degrade to a direct primary fetch.
type CachedProvider struct {
	primary Provider
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedProvider creates a cached wrapper around primary.
func NewCachedProvider(primary Provider, rdb *redis.Client, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Fetch implements Provider.
func (p *CachedProvider) Fetch(ctx context.Context, q Query) (*model.Batch, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	// Try cache.
	data, err := p.rdb.Get(ctx, batchKey(q)).Bytes()
	switch {
	case err == nil:
		var b model.Batch
		if json.Unmarshal(data, &b) == nil {
			metrics.FeedCacheTotal.WithLabelValues("hit").Inc()
			return &b, nil
		}
	case !errors.Is(err, redis.Nil):
		slog.Debug("feed cache read failed", "key", batchKey(q), "err", err)
	}
	metrics.FeedCacheTotal.WithLabelValues("miss").Inc()

	// Cache miss: read from primary.
	b, err := p.primary.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(b); err == nil {
		p.rdb.Set(ctx, batchKey(q), data, p.ttl)
	}
	return b, nil
}

// Invalidate drops the cached batch for q. It implements Invalidator.
func (p *CachedProvider) Invalidate(ctx context.Context, q Query) error {
	return p.rdb.Del(ctx, batchKey(q)).Err()
}

func batchKey(q Query) string { return fmt.Sprintf("feed:%s:%d", q.EventID, q.Seats) }

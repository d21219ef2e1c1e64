package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ticketwhiz/listing-engine/internal/metrics"
	"github.com/ticketwhiz/listing-engine/internal/model"
)

const (
	defaultPageLimit   = 100
	defaultMaxAttempts = 3
	defaultRetryBase   = 200 * time.Millisecond
	defaultRetryCap    = 1200 * time.Millisecond
)

// APIError is returned when the upstream feed answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Status     string
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feed: upstream %s: %s", e.Status, e.Body)
}

// HTTPOptions tunes an HTTPProvider. Zero values pick defaults.
type HTTPOptions struct {
	Client      *http.Client
	RatePerSec  float64 // upstream requests per second across all sessions
	Burst       int
	MaxAttempts int
}

// HTTPProvider fetches listings from the real-time ticket feed.
type HTTPProvider struct {
	client      *http.Client
	baseURL     string
	limiter     *rate.Limiter
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
}

// NewHTTPProvider creates a provider for the feed at baseURL.
func NewHTTPProvider(baseURL string, opts HTTPOptions) *HTTPProvider {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 12 * time.Second}
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = defaultMaxAttempts
	}
	return &HTTPProvider{
		client:      client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		limiter:     rate.NewLimiter(limit, burst),
		maxAttempts: attempts,
		retryBase:   defaultRetryBase,
		retryCap:    defaultRetryCap,
	}
}

// Fetch implements Provider.
func (p *HTTPProvider) Fetch(ctx context.Context, q Query) (*model.Batch, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.FeedLatency.WithLabelValues("http").Observe(time.Since(start).Seconds())
	}()

	var batch model.Batch
	if err := p.getJSON(ctx, p.endpoint(q), &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (p *HTTPProvider) endpoint(q Query) string {
	v := url.Values{}
	v.Set("seats", strconv.Itoa(q.Seats))
	v.Set("event_id", q.EventID)
	v.Set("page", "1")
	v.Set("limit", strconv.Itoa(defaultPageLimit))
	v.Set("starting_price", "0")
	return p.baseURL + "/real-time-test/?" + v.Encode()
}

func (p *HTTPProvider) getJSON(ctx context.Context, endpoint string, out any) error {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("feed: rate limit wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("feed: create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		res, err := p.client.Do(req)
		if err != nil {
			if retryableNetErr(err) && attempt < p.maxAttempts {
				if werr := p.waitRetry(ctx, attempt); werr != nil {
					return werr
				}
				continue
			}
			return fmt.Errorf("feed: request failed: %w", err)
		}

		if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
			snippet, _ := io.ReadAll(io.LimitReader(res.Body, 8<<10))
			_ = res.Body.Close()

			apiErr := &APIError{
				StatusCode: res.StatusCode,
				Status:     res.Status,
				Endpoint:   endpoint,
				Body:       strings.TrimSpace(string(snippet)),
			}
			if retryableStatus(res.StatusCode) && attempt < p.maxAttempts {
				if werr := p.waitRetry(ctx, attempt); werr != nil {
					return werr
				}
				continue
			}
			return apiErr
		}

		err = json.NewDecoder(res.Body).Decode(out)
		_ = res.Body.Close()
		if err != nil {
			return fmt.Errorf("feed: decode response from %s: %w", endpoint, err)
		}
		return nil
	}
	return errors.New("feed: request failed after retries")
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func retryableNetErr(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (p *HTTPProvider) waitRetry(ctx context.Context, attempt int) error {
	delay := p.retryBase << (attempt - 1)
	if delay > p.retryCap {
		delay = p.retryCap
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

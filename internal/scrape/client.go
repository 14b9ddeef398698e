package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/resilience"
)

// breaker stops calling a failing scrape service for a cooldown after
// threshold consecutive failures inside window.
type breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	openUntil   time.Time
	threshold   int
	window      time.Duration
	cooldown    time.Duration
	now         func() time.Time
}

func newBreaker(threshold int, window, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, window: window, cooldown: cooldown, now: time.Now}
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if now.Sub(b.lastFailure) > b.window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	if b.failures >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
		zap.L().Warn("scrape: service circuit opened",
			zap.Int("failures", b.failures),
			zap.Duration("cooldown", b.cooldown),
		)
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// HTTPClient calls a remote scrape service's POST /scrape-product-page.
type HTTPClient struct {
	baseURL    string
	key        string
	http       *http.Client
	maxRetries int
	retry      *resilience.RetryConfig
	breaker    *breaker
}

// NewHTTPClient creates a client for the service at baseURL. key is sent
// as a bearer token when set.
func NewHTTPClient(baseURL, key string, timeout time.Duration, maxRetries int) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		http:       &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		breaker:    newBreaker(3, 30*time.Second, 60*time.Second),
	}
}

type scrapeRequest struct {
	URL         string          `json:"url"`
	ScrapeRules json.RawMessage `json:"scrape_rules,omitempty"`
}

type scrapeResponse struct {
	Products []map[string]any `json:"products"`
	Error    string           `json:"error"`
}

// ScrapeProducts implements the scrape client used by scraper sources.
func (c *HTTPClient) ScrapeProducts(ctx context.Context, pageURL string, rules json.RawMessage) ([]map[string]any, error) {
	if c.breaker.open() {
		return nil, apperr.Upstream("scrape service unavailable (circuit open)", nil)
	}
	body, err := json.Marshal(scrapeRequest{URL: pageURL, ScrapeRules: rules})
	if err != nil {
		return nil, eris.Wrap(err, "scrape: encode request")
	}
	endpoint := c.baseURL + "/scrape-product-page"

	retry := resilience.ForFetch(c.maxRetries, endpoint)
	if c.retry != nil {
		attempts := retry.MaxAttempts
		retry = *c.retry
		retry.MaxAttempts = attempts
	}

	out, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*scrapeResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "scrape: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		if c.key != "" {
			req.Header.Set("Authorization", "Bearer "+c.key)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "scrape: POST %s", endpoint), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "scrape: read response"), 0)
		}
		var sr scrapeResponse
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		decodeErr := dec.Decode(&sr)

		if err := resilience.CheckResponse(endpoint, resp); err != nil {
			if sr.Error != "" {
				return nil, eris.Wrap(err, sr.Error)
			}
			return nil, err
		}
		if decodeErr != nil {
			return nil, eris.Wrap(decodeErr, "scrape: decode response")
		}
		return &sr, nil
	})
	if err != nil {
		if resilience.IsTransient(err) {
			c.breaker.failure()
		}
		return nil, apperr.Upstream("scrape service failed", err)
	}
	c.breaker.success()
	if out.Products == nil {
		out.Products = []map[string]any{}
	}
	return out.Products, nil
}

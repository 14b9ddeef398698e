package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/padlock-insure/padlock-ingest/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// RatePerHost is the initial per-host request rate. Zero disables limiting.
	RatePerHost rate.Limit
	// Retry overrides the backoff schedule; MaxAttempts is always derived
	// from MaxRetries.
	Retry *resilience.RetryConfig
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(min(a.currentRate*1.2, a.maxRate))
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(max(a.currentRate*0.5, a.minRate))
	zap.L().Warn("fetcher: reducing host rate after 429", zap.Float64("new_rate", float64(a.currentRate)))
}

func (a *AdaptiveLimiter) setLocked(r rate.Limit) {
	a.currentRate = r
	a.limiter.SetLimit(r)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher performs provider requests with per-host rate limiting and
// transient-error retry.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "padlock-ingest/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// limiterFor returns the host's limiter, creating it on first use. It
// returns nil when rate limiting is disabled.
func (f *HTTPFetcher) limiterFor(u *url.URL) *AdaptiveLimiter {
	if f.opts.RatePerHost <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[u.Host]
	if !ok {
		burst := int(f.opts.RatePerHost)
		if burst < 1 {
			burst = 1
		}
		lim = NewAdaptiveLimiter(f.opts.RatePerHost, burst)
		f.limiters[u.Host] = lim
	}
	return lim
}

// Open performs req and returns the response body on 2xx. Transient
// failures (network errors, 408/429/5xx) are retried.
func (f *HTTPFetcher) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "http: parse url %q", req.URL)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	lim := f.limiterFor(u)

	retry := resilience.ForFetch(f.opts.MaxRetries, req.URL)
	if f.opts.Retry != nil {
		attempts := retry.MaxAttempts
		retry = *f.opts.Retry
		retry.MaxAttempts = attempts
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*http.Response, error) {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "http: rate limiter wait")
			}
		}

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
		if err != nil {
			return nil, eris.Wrap(err, "http: create request")
		}
		httpReq.Header.Set("User-Agent", f.opts.UserAgent)
		httpReq.Header.Set("Accept", "application/json, text/csv, */*")
		if len(req.Body) > 0 {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
		if req.Username != "" {
			httpReq.SetBasicAuth(req.Username, req.Password)
		}

		resp, err := f.client.Do(httpReq)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "http: %s %s", method, req.URL), 0)
		}
		if err := resilience.CheckResponse(req.URL, resp); err != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests && lim != nil {
				lim.OnRateLimit()
			}
			return nil, err
		}
		if lim != nil {
			lim.OnSuccess()
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

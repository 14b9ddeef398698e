package scrape

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/resilience"
)

func fastClient(url string, maxRetries int) *HTTPClient {
	c := NewHTTPClient(url, "svc-key", 5*time.Second, maxRetries)
	c.retry = &resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 1}
	return c
}

func TestHTTPClient_ScrapeProducts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/scrape-product-page", r.URL.Path)
		assert.Equal(t, "Bearer svc-key", r.Header.Get("Authorization"))

		var req scrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, pageURL, req.URL)
		assert.JSONEq(t, `{"max_products":2}`, string(req.ScrapeRules))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"products":[{"product_name":"Home Shield","premium_amount":12.5}]}`))
	}))
	defer srv.Close()

	products, err := fastClient(srv.URL+"/", 0).ScrapeProducts(context.Background(), pageURL, json.RawMessage(`{"max_products":2}`))
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, json.Number("12.5"), products[0]["premium_amount"])
}

func TestHTTPClient_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"products":[]}`))
	}))
	defer srv.Close()

	products, err := fastClient(srv.URL, 2).ScrapeProducts(context.Background(), pageURL, nil)
	require.NoError(t, err)
	assert.Empty(t, products)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"url must be an absolute http(s) URL"}`))
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL, 3).ScrapeProducts(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
	assert.Contains(t, err.Error(), "absolute http(s) URL")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := fastClient(srv.URL, 0)
	for range 3 {
		_, err := c.ScrapeProducts(context.Background(), pageURL, nil)
		require.Error(t, err)
	}
	_, err := c.ScrapeProducts(context.Background(), pageURL, nil)
	assert.ErrorContains(t, err, "circuit open")
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreaker_WindowAndCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(2, 10*time.Second, time.Minute)
	b.now = func() time.Time { return now }

	b.failure()
	now = now.Add(20 * time.Second)
	b.failure()
	assert.False(t, b.open(), "failures outside the window do not accumulate")

	b.failure()
	assert.True(t, b.open())

	now = now.Add(2 * time.Minute)
	assert.False(t, b.open())

	b.success()
	b.failure()
	assert.False(t, b.open())
}

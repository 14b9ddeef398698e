package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/consistency"
	"github.com/padlock-insure/padlock-ingest/internal/dashboard"
	"github.com/padlock-insure/padlock-ingest/internal/ingest"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
	"github.com/padlock-insure/padlock-ingest/internal/productingest"
)

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := New(Deps{}, config.ServerConfig{}, config.WebhookConfig{}).Handler()
	rr := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode(t, rr)["status"])
}

func TestCORS_AnyOrigin(t *testing.T) {
	h := New(Deps{}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/data-ingestion", nil)
	req.Header.Set("Origin", "https://admin.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type,x-api-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(rr.Header().Get("Access-Control-Allow-Headers")), "x-api-key")
}

func TestDataIngestion_StartIngestion(t *testing.T) {
	ing := &mockIngestion{}
	ing.On("StartIngestion", mock.Anything, "src-1", model.JobType("")).Return(&ingest.Result{
		JobID: "job-1", Status: model.JobStatusCompleted, Stats: model.JobStats{ProductsFound: 1, ProductsNew: 1},
	}, nil)
	h := New(Deps{Ingestion: ing}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	rr := do(t, h, http.MethodPost, "/data-ingestion", `{"action":"start_ingestion","data_source_id":"src-1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, map[string]any{
		"products_found": 1.0, "products_new": 1.0, "products_updated": 0.0,
		"products_duplicates": 0.0, "products_errors": 0.0,
	}, body["stats"])
	ing.AssertExpectations(t)
}

func TestDataIngestion_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		res    *ingest.Result
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name:   "not active",
			err:    apperr.SourceNotActive("src-1", "paused"),
			status: http.StatusForbidden,
			check: func(t *testing.T, body map[string]any) {
				assert.Contains(t, body["error"], "not active")
				assert.Equal(t, "source_not_active", body["details"].(map[string]any)["code"])
			},
		},
		{
			name:   "not found",
			err:    apperr.NotFound("data source", "src-1"),
			status: http.StatusNotFound,
		},
		{
			name:   "fetch failed",
			err:    apperr.Upstream("source fetch failed", errors.New("https://x returned status 404")),
			res:    &ingest.Result{JobID: "job-9", Status: model.JobStatusFailed},
			status: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				assert.Contains(t, body["error"], "returned status 404")
				assert.Equal(t, "job-9", body["details"].(map[string]any)["job_id"])
			},
		},
		{
			name:   "internal",
			err:    errors.New("sqlite: disk I/O error"),
			status: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "internal server error", body["error"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &mockIngestion{}
			ing.On("StartIngestion", mock.Anything, "src-1", model.JobTypeManual).Return(tt.res, tt.err)
			h := New(Deps{Ingestion: ing}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

			rr := do(t, h, http.MethodPost, "/data-ingestion",
				`{"action":"start_ingestion","data_source_id":"src-1","job_type":"manual"}`, nil)
			assert.Equal(t, tt.status, rr.Code)
			if tt.check != nil {
				tt.check(t, decode(t, rr))
			}
		})
	}
}

func TestDataIngestion_Validation(t *testing.T) {
	ing := &mockIngestion{}
	h := New(Deps{Ingestion: ing}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	cases := map[string]string{
		"empty body":     "",
		"bad json":       `{"action":`,
		"unknown action": `{"action":"drop_tables"}`,
		"missing source": `{"action":"start_ingestion"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/data-ingestion", body, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.NotEmpty(t, decode(t, rr)["error"])
		})
	}
	ing.AssertNotCalled(t, "StartIngestion", mock.Anything, mock.Anything, mock.Anything)
}

func TestDataIngestion_OtherActions(t *testing.T) {
	ing := &mockIngestion{}
	ing.On("GetJobStatus", mock.Anything, "job-1").Return(&ingest.JobStatus{
		Job:  &model.IngestionJob{ID: "job-1", Status: model.JobStatusRunning},
		Logs: []model.IngestionLog{{Message: "fetched 3 records", Level: model.LogLevelInfo}},
	}, nil)
	ing.On("ListSources", mock.Anything).Return(nil, nil)
	ing.On("CancelJob", mock.Anything, "job-2").Return(&ingest.CancelResult{
		Status: model.JobStatusCompleted, Message: "Job is completed; only running jobs can be cancelled",
	}, nil)
	h := New(Deps{Ingestion: ing}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	rr := do(t, h, http.MethodPost, "/data-ingestion", `{"action":"get_job_status","job_id":"job-1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "running", body["job"].(map[string]any)["status"])
	assert.Len(t, body["logs"], 1)

	rr = do(t, h, http.MethodPost, "/data-ingestion", `{"action":"list_sources"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{}, decode(t, rr)["sources"])

	rr = do(t, h, http.MethodPost, "/data-ingestion", `{"action":"cancel_job","job_id":"job-2"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode(t, rr)
	assert.Equal(t, false, body["cancelled"])
	assert.Contains(t, body["message"], "only running jobs")
}

func TestAPIKey(t *testing.T) {
	ing := &mockIngestion{}
	ing.On("ListSources", mock.Anything).Return([]model.DataSource{}, nil)
	h := New(Deps{Ingestion: ing}, config.ServerConfig{APIKey: "k3y"}, config.WebhookConfig{}).Handler()
	body := `{"action":"list_sources"}`

	rr := do(t, h, http.MethodPost, "/data-ingestion", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "missing API key", decode(t, rr)["error"])

	rr = do(t, h, http.MethodPost, "/data-ingestion", body, map[string]string{"X-Api-Key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodPost, "/data-ingestion", body, map[string]string{"X-Api-Key": "k3y"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodPost, "/data-ingestion", body, map[string]string{"Authorization": "Bearer k3y"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code, "health is public")
}

func TestRateLimit(t *testing.T) {
	ing := &mockIngestion{}
	ing.On("ListSources", mock.Anything).Return([]model.DataSource{}, nil)
	s := New(Deps{Ingestion: ing}, config.ServerConfig{RateLimitRPS: 1, RateLimitBurst: 2}, config.WebhookConfig{})
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.limiter.now = func() time.Time { return frozen }
	h := s.Handler()

	body := `{"action":"list_sources"}`
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/data-ingestion", body, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/data-ingestion", body, nil).Code)
	rr := do(t, h, http.MethodPost, "/data-ingestion", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	rr = do(t, h, http.MethodPost, "/data-ingestion", body, map[string]string{"X-Real-IP": "203.0.113.7"})
	assert.Equal(t, http.StatusOK, rr.Code, "separate bucket per client")

	frozen = frozen.Add(2 * time.Second)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/data-ingestion", body, nil).Code)
}

func TestRateLimit_IgnoresUnverifiedKeys(t *testing.T) {
	ing := &mockIngestion{}
	ing.On("ListSources", mock.Anything).Return([]model.DataSource{}, nil)
	s := New(Deps{Ingestion: ing}, config.ServerConfig{APIKey: "k3y", RateLimitRPS: 1, RateLimitBurst: 1}, config.WebhookConfig{})
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.limiter.now = func() time.Time { return frozen }
	h := s.Handler()

	limited := 0
	for i := range 50 {
		rr := do(t, h, http.MethodPost, "/data-ingestion", `{"action":"list_sources"}`,
			map[string]string{"X-Api-Key": fmt.Sprintf("bogus-%d", i)})
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 49, limited)
	assert.Len(t, s.limiter.clients, 1)
}

func TestClientLimiter_CapsClients(t *testing.T) {
	l := newClientLimiter(1, 1)
	l.maxClients = 3
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		assert.True(t, l.allow(ip))
		now = now.Add(time.Second)
	}
	assert.True(t, l.allow("10.0.0.4"))
	assert.Len(t, l.clients, 3)
	assert.NotContains(t, l.clients, "10.0.0.1", "oldest client evicted")

	now = now.Add(limiterIdle + time.Minute)
	assert.True(t, l.allow("10.0.0.5"))
	assert.Len(t, l.clients, 1, "idle clients dropped")
}

func TestProductIngest_Secret(t *testing.T) {
	pi := &mockProductIngest{}
	pi.On("Ingest", mock.Anything, mock.MatchedBy(func(r productingest.Request) bool {
		return r.SourceURL == "https://acme.example/p" && r.ProductData["product_name"] == "Home Shield"
	})).Return(&productingest.Response{Success: true, Action: productingest.ActionCreated,
		Product: &model.ProductCatalogEntry{ID: "p1", ProductName: "Home Shield"}}, nil)
	body := `{"source_url":"https://acme.example/p","product_data":{"product_name":"Home Shield"}}`

	open := New(Deps{ProductIngest: pi}, config.ServerConfig{}, config.WebhookConfig{}).Handler()
	rr := do(t, open, http.MethodPost, "/ai-product-ingest", body, map[string]string{"X-Webhook-Secret": "anything"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "no secret configured")

	h := New(Deps{ProductIngest: pi}, config.ServerConfig{APIKey: "k3y"}, config.WebhookConfig{Secret: "s3cret"}).Handler()
	rr = do(t, h, http.MethodPost, "/ai-product-ingest", body, map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = do(t, h, http.MethodPost, "/ai-product-ingest", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodPost, "/ai-product-ingest", body, map[string]string{"X-Webhook-Secret": "s3cret"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode(t, rr)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "created", resp["action"])
	pi.AssertNumberOfCalls(t, "Ingest", 1)
}

func TestNormalizeProduct(t *testing.T) {
	n := &mockNormalizer{}
	premium := 12.5
	n.On("Normalize", mock.Anything, normalize.RawRecord{"name": "Home Shield"}, map[string]string(nil)).
		Return(&normalize.NormalizedProduct{ProductName: "Home Shield", PremiumAmount: &premium}, nil)
	n.On("Normalize", mock.Anything, normalize.RawRecord{"premium": "5"}, map[string]string(nil)).
		Return(nil, apperr.Validation("record has no external_id or product_name", map[string]string{"product_name": "required"}))
	h := New(Deps{Normalizer: n}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	rr := do(t, h, http.MethodPost, "/normalize-product", `{"product":{"name":"Home Shield"}}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "Home Shield", body["product_name"])
	assert.Equal(t, 12.5, body["premium_amount"])

	rr = do(t, h, http.MethodPost, "/normalize-product", `{"product":{"premium":"5"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "required", decode(t, rr)["details"].(map[string]any)["product_name"])

	rr = do(t, h, http.MethodPost, "/normalize-product", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDetectDuplicates(t *testing.T) {
	d := &mockDuplicates{}
	d.On("DetectDuplicates", mock.Anything, "p1").Return([]model.DuplicateDetection{
		{ProductID: "p1", DuplicateProductID: "p2", SimilarityScore: 93.5, MatchingFields: []string{"product_name"}},
	}, nil)
	d.On("DetectDuplicates", mock.Anything, "p9").Return(nil, apperr.NotFound("product", "p9"))
	h := New(Deps{Duplicates: d}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	rr := do(t, h, http.MethodPost, "/detect-duplicates", `{"product_id":"p1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["duplicates"], 1)

	rr = do(t, h, http.MethodPost, "/detect-duplicates", `{"product_id":"p9"}`, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/detect-duplicates", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestScrapeProductPage(t *testing.T) {
	sc := &mockScraper{}
	sc.On("ScrapeProducts", mock.Anything, "https://acme.example", json.RawMessage(`{"max_products":2}`)).
		Return([]map[string]any{{"product_name": "Home Shield"}}, nil)
	sc.On("ScrapeProducts", mock.Anything, "https://blocked.example", json.RawMessage(nil)).
		Return(nil, apperr.Upstream("page is blocked (captcha)", nil))
	h := New(Deps{Scraper: sc}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	rr := do(t, h, http.MethodPost, "/scrape-product-page", `{"url":"https://acme.example","scrape_rules":{"max_products":2}}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []any{map[string]any{"product_name": "Home Shield"}}, decode(t, rr)["products"])

	rr = do(t, h, http.MethodPost, "/scrape-product-page", `{"url":"https://blocked.example"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, decode(t, rr)["error"], "captcha")
}

func TestConsistencyCheck(t *testing.T) {
	c := &mockConsistency{}
	c.On("RunConsistencyCheck", mock.Anything).Return(&consistency.Summary{ProductsChecked: 4, AlertsRaised: 1}, nil)
	h := New(Deps{Consistency: c}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	rr := do(t, h, http.MethodPost, "/consistency-check", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, 4.0, body["products_checked"])
	assert.Equal(t, 1.0, body["alerts_raised"])
}

type staticSnapshot struct {
	snap *dashboard.Snapshot
}

func (s staticSnapshot) Snapshot(context.Context) (*dashboard.Snapshot, error) {
	return s.snap, nil
}

func TestDashboard(t *testing.T) {
	now := time.Now().UTC()
	snap := &dashboard.Snapshot{
		Sources:     []model.DataSource{{ID: "s1", Status: model.SourceStatusError}},
		CollectedAt: now,
	}
	h := New(Deps{
		Dashboard: staticSnapshot{snap: snap},
		Evaluator: dashboard.NewEvaluator(config.DashboardConfig{}, time.Hour),
	}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	rr := do(t, h, http.MethodGet, "/dashboard", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Len(t, body["sources"], 1)
	warnings := body["warnings"].([]any)
	require.Len(t, warnings, 1)
	assert.Equal(t, "source_error", warnings[0].(map[string]any)["type"])
}

func TestUnconfiguredAndUnknownRoutes(t *testing.T) {
	h := New(Deps{}, config.ServerConfig{}, config.WebhookConfig{}).Handler()

	rr := do(t, h, http.MethodPost, "/data-ingestion", `{"action":"list_sources"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = do(t, h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotEmpty(t, decode(t, rr)["error"])

	rr = do(t, h, http.MethodGet, "/data-ingestion", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestDecodeBody_TooLarge(t *testing.T) {
	ing := &mockIngestion{}
	h := New(Deps{Ingestion: ing}, config.ServerConfig{}, config.WebhookConfig{}).Handler()
	big := `{"action":"list_sources","pad":"` + string(bytes.Repeat([]byte("x"), maxBodyBytes)) + `"}`
	rr := do(t, h, http.MethodPost, "/data-ingestion", big, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "request body too large", decode(t, rr)["error"])
}

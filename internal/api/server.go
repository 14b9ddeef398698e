// Package api exposes the ingestion pipeline over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/consistency"
	"github.com/padlock-insure/padlock-ingest/internal/dashboard"
	"github.com/padlock-insure/padlock-ingest/internal/ingest"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/productingest"
)

// Ingestion runs and inspects ingestion jobs.
type Ingestion interface {
	StartIngestion(ctx context.Context, sourceID string, jobType model.JobType) (*ingest.Result, error)
	GetJobStatus(ctx context.Context, jobID string) (*ingest.JobStatus, error)
	CancelJob(ctx context.Context, jobID string) (*ingest.CancelResult, error)
	ListSources(ctx context.Context) ([]model.DataSource, error)
}

// ProductIngest handles webhook product submissions.
type ProductIngest interface {
	Ingest(ctx context.Context, req productingest.Request) (*productingest.Response, error)
}

// ConsistencyRunner re-checks the whole catalog.
type ConsistencyRunner interface {
	RunConsistencyCheck(ctx context.Context) (*consistency.Summary, error)
}

// SnapshotSource reads the dashboard.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*dashboard.Snapshot, error)
}

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the routes. A nil dependency makes its
// routes answer 503.
type Deps struct {
	Ingestion     Ingestion
	ProductIngest ProductIngest
	Normalizer    ingest.Normalizer
	Duplicates    ingest.DuplicateDetector
	Scraper       ingest.ScrapeClient
	Consistency   ConsistencyRunner
	Dashboard     SnapshotSource
	Evaluator     *dashboard.Evaluator
	Health        Pinger
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	deps    Deps
	cfg     config.ServerConfig
	webhook config.WebhookConfig
	limiter *clientLimiter
}

// New creates a Server.
func New(deps Deps, cfg config.ServerConfig, webhook config.WebhookConfig) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{deps: deps, cfg: cfg, webhook: webhook}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitRPS) + 1
		}
		s.limiter = newClientLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", "X-Webhook-Secret", "X-Client-Info", "Apikey"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		r.With(s.requireWebhookSecret).Post("/ai-product-ingest", s.handleProductIngest)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Post("/data-ingestion", s.handleDataIngestion)
			r.Post("/normalize-product", s.handleNormalize)
			r.Post("/detect-duplicates", s.handleDetectDuplicates)
			r.Post("/scrape-product-page", s.handleScrape)
			r.Post("/consistency-check", s.handleConsistencyCheck)
			r.Get("/dashboard", s.handleDashboard)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperr.NotFound("route", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// requireAPIKey accepts "Authorization: Bearer <key>" or "x-api-key". With
// no key configured every request passes.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			writeError(w, r, apperr.Unauthorized("missing API key"))
			return
		}
		if !secureEqual(key, s.cfg.APIKey) {
			writeError(w, r, apperr.Unauthorized("invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireWebhookSecret rejects every request when no secret is configured.
func (s *Server) requireWebhookSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Webhook-Secret")
		if s.webhook.Secret == "" || got == "" || !secureEqual(got, s.webhook.Secret) {
			writeError(w, r, apperr.Unauthorized("invalid webhook secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, apperr.RateLimited("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller by IP. RealIP has already resolved
// proxy headers. Credentials are not used: the limiter runs before they
// are checked.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host
}

// clientLimiter keeps one token bucket per client. Idle buckets are
// dropped after limiterIdle and the map never holds more than
// maxLimiterClients; past that the least recently seen client is evicted.
type clientLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxClients int
	clients    map[string]*clientBucket
	now        func() time.Time
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	limiterIdle       = 10 * time.Minute
	maxLimiterClients = 10000
)

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		limit:      limit,
		burst:      burst,
		maxClients: maxLimiterClients,
		clients:    map[string]*clientBucket{},
		now:        time.Now,
	}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.evict(now)
		}
		b = &clientBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// evict drops idle buckets, then the oldest one if the map is still full.
func (l *clientLimiter) evict(now time.Time) {
	var oldest string
	var oldestSeen time.Time
	for k, c := range l.clients {
		if now.Sub(c.seen) > limiterIdle {
			delete(l.clients, k)
			continue
		}
		if oldest == "" || c.seen.Before(oldestSeen) {
			oldest, oldestSeen = k, c.seen
		}
	}
	if len(l.clients) >= l.maxClients && oldest != "" {
		delete(l.clients, oldest)
	}
}

// unavailable answers 503 for a route whose service is not configured.
func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: what + " is not configured"})
}

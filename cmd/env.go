package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/padlock-insure/padlock-ingest/internal/consistency"
	"github.com/padlock-insure/padlock-ingest/internal/dashboard"
	"github.com/padlock-insure/padlock-ingest/internal/dedup"
	"github.com/padlock-insure/padlock-ingest/internal/fetcher"
	"github.com/padlock-insure/padlock-ingest/internal/ingest"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
	"github.com/padlock-insure/padlock-ingest/internal/productingest"
	"github.com/padlock-insure/padlock-ingest/internal/registry"
	"github.com/padlock-insure/padlock-ingest/internal/scrape"
	"github.com/padlock-insure/padlock-ingest/internal/store"
	"github.com/padlock-insure/padlock-ingest/pkg/anthropic"
)

// maxPayloadBytes bounds a single JSON payload fetched from a source.
const maxPayloadBytes = 64 << 20

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "padlock.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store after validating mode.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// appEnv holds the wired services shared by serve and the ingest commands.
type appEnv struct {
	Store         store.Store
	Registry      *registry.Registry
	Runner        *ingest.Runner
	Normalizer    *normalize.Normalizer
	Duplicates    *dedup.Detector
	Consistency   *consistency.Checker
	Scraper       ingest.ScrapeClient
	ProductIngest *productingest.Service
	Collector     *dashboard.Collector
	Evaluator     *dashboard.Evaluator
}

// Close releases the store.
func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// initEnv wires every pipeline service on top of a migrated store.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}

	var ai anthropic.Client
	if cfg.Anthropic.Key != "" {
		ai = anthropic.NewClient(cfg.Anthropic.Key, anthropic.Options{MaxRetries: 2})
	}
	normAI := ai
	if !cfg.Normalize.AIEnabled {
		normAI = nil
	}

	checker, err := consistency.New(st, cfg.Consistency)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	fetchTimeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	router := fetcher.NewRouter(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:   cfg.Fetch.UserAgent,
			Timeout:     fetchTimeout,
			MaxRetries:  cfg.Fetch.MaxRetries,
			RatePerHost: rate.Limit(cfg.Fetch.RateLimitRPS),
		}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: fetchTimeout}),
	)

	scrapeTimeout := time.Duration(cfg.Scrape.TimeoutSecs) * time.Second
	service := scrape.NewService(
		scrape.NewHTTPPageFetcher(scrapeTimeout, cfg.Scrape.MaxPageBytes, ""),
		ai, cfg.Anthropic, cfg.Scrape,
	)
	var scraper ingest.ScrapeClient = service
	if cfg.Scrape.ServiceURL != "" {
		scraper = scrape.NewHTTPClient(cfg.Scrape.ServiceURL, cfg.Scrape.ServiceKey, scrapeTimeout, cfg.Fetch.MaxRetries)
	}

	reg := registry.New(st)
	norm := normalize.New(cfg.Normalize, cfg.Anthropic, normAI)
	detector := dedup.New(st, cfg.Dedup)

	runner := ingest.New(ingest.Deps{
		Store:       st,
		Registry:    reg,
		Fetcher:     router,
		Scraper:     scraper,
		Normalizer:  norm,
		Duplicates:  detector,
		Consistency: checker,
	}, cfg.Ingest, maxPayloadBytes)

	products := productingest.New(productingest.Deps{
		Store:       st,
		Registry:    reg,
		Extractor:   service,
		Normalizer:  norm,
		Duplicates:  detector,
		Consistency: checker,
	}, cfg.Webhook)

	stuckAfter := time.Duration(cfg.Ingest.StaleAfterMinutes) * time.Minute

	return &appEnv{
		Store:         st,
		Registry:      reg,
		Runner:        runner,
		Normalizer:    norm,
		Duplicates:    detector,
		Consistency:   checker,
		Scraper:       scraper,
		ProductIngest: products,
		Collector:     dashboard.NewCollector(st, cfg.Dashboard.RecentJobs),
		Evaluator:     dashboard.NewEvaluator(cfg.Dashboard, stuckAfter),
	}, nil
}

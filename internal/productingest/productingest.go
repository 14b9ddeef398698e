// Package productingest handles single-product submissions from the AI
// ingest webhook. Each product is upserted under one pseudo-source keyed by
// insurer and product name.
package productingest

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/ingest"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
	"github.com/padlock-insure/padlock-ingest/internal/registry"
	"github.com/padlock-insure/padlock-ingest/internal/scrape"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

// Extractor pulls one product out of a web page.
type Extractor interface {
	ExtractProduct(ctx context.Context, pageURL string) (map[string]any, error)
}

// Request is the webhook body. ProductData skips extraction when present.
type Request struct {
	SourceURL   string         `json:"source_url"`
	ProductData map[string]any `json:"product_data,omitempty"`
}

// Action values reported in a Response.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// Response is the outcome of one ingest.
type Response struct {
	Success       bool                       `json:"success"`
	Action        string                     `json:"action"`
	Product       *model.ProductCatalogEntry `json:"product"`
	ExtractedData map[string]any             `json:"extracted_data"`
	Duplicates    int                        `json:"duplicates"`
	Alerts        []string                   `json:"alerts,omitempty"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store       store.Store
	Registry    *registry.Registry
	Extractor   Extractor
	Normalizer  ingest.Normalizer
	Duplicates  ingest.DuplicateDetector
	Consistency ingest.ConsistencyEvaluator
}

// Service upserts webhook products.
type Service struct {
	deps     Deps
	sourceID string
}

// New creates a Service that files products under cfg.SourceID.
func New(deps Deps, cfg config.WebhookConfig) *Service {
	id := cfg.SourceID
	if id == "" {
		id = "ai-product-ingest"
	}
	return &Service{deps: deps, sourceID: id}
}

// SourceID returns the pseudo-source products are stored under.
func (s *Service) SourceID() string {
	return s.sourceID
}

// Ingest extracts (unless product_data is given), normalizes and upserts
// one product. Duplicate detection runs only when the product is new.
func (s *Service) Ingest(ctx context.Context, req Request) (*Response, error) {
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	if scrape.ValidatePageURL(req.SourceURL) != nil {
		return nil, apperr.Validation("source_url must be an absolute http(s) URL", map[string]string{
			"source_url": "required",
		})
	}

	data := make(map[string]any, len(req.ProductData)+1)
	for k, v := range req.ProductData {
		data[k] = v
	}
	if len(data) == 0 {
		if s.deps.Extractor == nil {
			return nil, apperr.Upstream("product extraction is not configured", nil)
		}
		extracted, err := s.deps.Extractor.ExtractProduct(ctx, req.SourceURL)
		if err != nil {
			return nil, err
		}
		data = extracted
	}
	if _, ok := data["source_url"]; !ok {
		data["source_url"] = req.SourceURL
	}

	product, err := s.deps.Normalizer.Normalize(ctx, normalize.RawRecord(data), nil)
	if err != nil {
		return nil, err
	}
	if product.ProductName == "" {
		return nil, apperr.Validation("product has no product_name", map[string]string{
			normalize.FieldProductName: "required",
		})
	}

	src, err := s.deps.Registry.EnsureSource(ctx, &model.DataSource{
		ID:            s.sourceID,
		Name:          "AI product ingest",
		ProviderName:  "webhook",
		SourceType:    model.SourceTypeScraper,
		Configuration: []byte(`{}`),
	})
	if err != nil {
		return nil, eris.Wrap(err, "productingest: ensure source")
	}

	entry := product.ToEntry(src.ID)
	entry.ExternalID = normalize.ProductKey(product.InsurerName, product.ProductName)
	isNew, err := s.deps.Store.UpsertProduct(ctx, entry)
	if err != nil {
		return nil, eris.Wrap(err, "productingest: upsert product")
	}

	res := &Response{Success: true, Action: ActionUpdated, Product: entry, ExtractedData: data}
	log := zap.L().With(zap.String("product_id", entry.ID), zap.String("external_id", entry.ExternalID))
	if isNew {
		res.Action = ActionCreated
		if s.deps.Duplicates != nil {
			dups, err := s.deps.Duplicates.DetectDuplicates(ctx, entry.ID)
			if err != nil {
				log.Warn("productingest: duplicate check failed", zap.Error(err))
			}
			res.Duplicates = len(dups)
		}
	}
	if s.deps.Consistency != nil {
		ev, err := s.deps.Consistency.Evaluate(ctx, entry)
		if err != nil {
			log.Warn("productingest: consistency check failed", zap.Error(err))
		} else {
			res.Alerts = ev.Fired
		}
	}

	log.Info("productingest: product stored",
		zap.String("action", res.Action),
		zap.String("source_url", req.SourceURL),
		zap.Int("duplicates", res.Duplicates),
	)
	return res, nil
}

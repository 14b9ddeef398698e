// Package scrape turns insurer product pages into raw product records.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/pkg/anthropic"
)

// maxPromptChars bounds the page text sent to the model.
const maxPromptChars = 60000

// Rules are the per-source scrape_rules.
type Rules struct {
	Instructions string `json:"instructions,omitempty"`
	MaxProducts  int    `json:"max_products,omitempty"`
}

// ParseRules decodes scrape_rules. An empty blob yields zero Rules.
func ParseRules(raw json.RawMessage) (Rules, error) {
	var r Rules
	if len(raw) == 0 || string(raw) == "null" {
		return r, nil
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, apperr.Validation("scrape_rules must be a JSON object", map[string]string{"scrape_rules": err.Error()})
	}
	return r, nil
}

const productsPrompt = `You extract insurance products from the text of an insurer or comparison web page.
Return ONLY a JSON array, no prose. Each element is one product:
{"insurer_name": string, "product_name": string, "policy_type": string,
 "premium": string exactly as shown including currency symbol, "premium_frequency": string,
 "coverage_summary": string, "coverage_limits": object, "benefits": [string],
 "exclusions": [string], "add_ons": [string], "availability_regions": [string],
 "contact_info": object, "valid_from": string, "valid_until": string}
Omit fields the page does not state. Never invent prices or insurers.
Return [] when the page lists no products.`

const productPrompt = `You extract one insurance product from the text of its product page.
Return ONLY a JSON object, no prose, with any of these fields the page states:
{"insurer_name", "product_name", "policy_type", "premium" (as shown, with currency symbol),
 "premium_frequency", "coverage_summary", "coverage_limits", "benefits", "exclusions",
 "add_ons", "availability_regions", "contact_info", "valid_from", "valid_until"}
Never invent prices or insurers.`

// Service scrapes pages in-process and extracts products with the model.
type Service struct {
	pages       PageFetcher
	ai          anthropic.Client
	aiCfg       config.AnthropicConfig
	maxProducts int
}

// NewService creates a Service. A nil ai client makes every extraction fail
// with an upstream error.
func NewService(pages PageFetcher, ai anthropic.Client, aiCfg config.AnthropicConfig, cfg config.ScrapeConfig) *Service {
	if aiCfg.Model == "" {
		aiCfg.Model = "claude-haiku-4-5-20251001"
	}
	if aiCfg.MaxTokens == 0 {
		aiCfg.MaxTokens = 4096
	}
	maxProducts := cfg.MaxProducts
	if maxProducts <= 0 {
		maxProducts = 50
	}
	return &Service{pages: pages, ai: ai, aiCfg: aiCfg, maxProducts: maxProducts}
}

// ScrapeProducts fetches pageURL and returns every product the model finds
// on it. Each record carries the page URL as source_url.
func (s *Service) ScrapeProducts(ctx context.Context, pageURL string, rawRules json.RawMessage) ([]map[string]any, error) {
	rules, err := ParseRules(rawRules)
	if err != nil {
		return nil, err
	}
	page, err := s.pages.FetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	limit := s.maxProducts
	if rules.MaxProducts > 0 && rules.MaxProducts < limit {
		limit = rules.MaxProducts
	}
	system := productsPrompt + fmt.Sprintf("\nReturn at most %d products.", limit)
	if rules.Instructions != "" {
		system += "\nSite-specific instructions: " + rules.Instructions
	}

	text, err := s.complete(ctx, system, page, "scrape_products")
	if err != nil {
		return nil, err
	}
	var products []map[string]any
	if err := anthropic.DecodeJSON(text, &products); err != nil {
		return nil, apperr.Upstream("model returned unreadable products", eris.Wrap(err, "scrape: parse products"))
	}
	if len(products) > limit {
		products = products[:limit]
	}
	for _, p := range products {
		if _, ok := p["source_url"]; !ok {
			p["source_url"] = pageURL
		}
	}

	zap.L().Info("scrape: products extracted",
		zap.String("url", pageURL),
		zap.Int("products", len(products)),
	)
	return products, nil
}

// ExtractProduct fetches pageURL and extracts the single product it describes.
func (s *Service) ExtractProduct(ctx context.Context, pageURL string) (map[string]any, error) {
	page, err := s.pages.FetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	text, err := s.complete(ctx, productPrompt, page, "extract_product")
	if err != nil {
		return nil, err
	}
	var product map[string]any
	if err := anthropic.DecodeJSON(text, &product); err != nil || product == nil {
		return nil, apperr.Upstream("model returned an unreadable product", eris.Wrap(err, "scrape: parse product"))
	}
	product["source_url"] = pageURL
	return product, nil
}

func (s *Service) complete(ctx context.Context, system string, page *Page, purpose string) (string, error) {
	if s.ai == nil {
		return "", apperr.Upstream("product extraction is not configured", nil)
	}
	body := page.Text
	if len(body) > maxPromptChars {
		body = body[:maxPromptChars]
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "URL: %s\n", page.URL)
	if page.Title != "" {
		fmt.Fprintf(&msg, "Title: %s\n", page.Title)
	}
	msg.WriteString("\n")
	msg.WriteString(body)

	text, err := anthropic.Extract(ctx, s.ai, anthropic.Prompt{
		Model:     s.aiCfg.Model,
		MaxTokens: s.aiCfg.MaxTokens,
		System:    system,
		Input:     msg.String(),
		Purpose:   purpose,
	})
	if err != nil {
		return "", apperr.Upstream("product extraction failed", eris.Wrap(err, "scrape: ai request"))
	}
	return text, nil
}

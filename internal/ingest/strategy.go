package ingest

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/fetcher"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
)

// Fetched is the output of one source fetch.
type Fetched struct {
	Records  []normalize.RawRecord
	Warnings []string
}

// Strategy fetches raw records for one source type.
type Strategy interface {
	Fetch(ctx context.Context, src *model.DataSource, cfg model.SourceConfig) (*Fetched, error)
}

// ScrapeClient extracts product records from a web page.
type ScrapeClient interface {
	ScrapeProducts(ctx context.Context, pageURL string, rules json.RawMessage) ([]map[string]any, error)
}

// envelopeKeys lists, per source type, the object keys that may wrap the
// record array in a JSON response.
var envelopeKeys = map[model.SourceType][]string{
	model.SourceTypeAPI:        {"products", "data", "items", "results"},
	model.SourceTypeFeed:       {"items", "entries", "products", "data"},
	model.SourceTypeAggregator: {"offers", "results", "products", "data"},
	model.SourceTypeRegulator:  {"records", "register", "products", "data", "results"},
}

// httpStrategy serves every source type fetched from a URL. Types differ
// only in the envelope keys tried and whether nested objects are flattened.
type httpStrategy struct {
	fetch    fetcher.Fetcher
	envelope []string
	flatten  bool
	maxBytes int64
}

func (s *httpStrategy) Fetch(ctx context.Context, src *model.DataSource, cfg model.SourceConfig) (*Fetched, error) {
	endpoint := cfg.Endpoint()
	if endpoint == "" {
		return nil, apperr.Validation("source has no endpoint configured", map[string]string{"configuration": "api_endpoint or feed_url is required"})
	}
	req := buildRequest(endpoint, cfg)

	var recs []fetcher.Record
	var err error
	switch detectFormat(cfg.Format, endpoint) {
	case "csv":
		recs, err = s.fetchCSV(ctx, req, cfg.Delimiter)
	case "xlsx":
		recs, err = s.fetchXLSX(ctx, req, cfg.Sheet)
	default:
		var body []byte
		body, err = fetcher.ReadAll(ctx, s.fetch, req, s.maxBytes)
		if err == nil {
			recs, err = fetcher.DecodeRecords(body, cfg.ResultsPath, s.envelope)
		}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: fetch source %s", src.ID)
	}

	out := &Fetched{Records: make([]normalize.RawRecord, 0, len(recs))}
	for _, r := range recs {
		if s.flatten {
			r = fetcher.Flatten(r)
		}
		out.Records = append(out.Records, normalize.RawRecord(r))
	}
	return out, nil
}

func (s *httpStrategy) fetchCSV(ctx context.Context, req fetcher.Request, delimiter string) ([]fetcher.Record, error) {
	body, err := s.fetch.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	var opts fetcher.CSVOptions
	if d := []rune(delimiter); len(d) > 0 {
		opts.Delimiter = d[0]
		if delimiter == `\t` {
			opts.Delimiter = '\t'
		}
	}
	return fetcher.ReadCSVRecords(ctx, body, opts)
}

func (s *httpStrategy) fetchXLSX(ctx context.Context, req fetcher.Request, sheet string) ([]fetcher.Record, error) {
	file, cleanup, err := fetcher.ToTempFile(ctx, s.fetch, req, "feed.xlsx")
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return fetcher.XLSXRecords(file, fetcher.XLSXOptions{SheetName: sheet})
}

// detectFormat returns the configured format, else one implied by the URL
// extension, else json.
func detectFormat(format, endpoint string) string {
	if f := strings.ToLower(strings.TrimSpace(format)); f != "" {
		return f
	}
	p := endpoint
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".csv", ".txt":
		return "csv"
	case ".xlsx":
		return "xlsx"
	}
	return "json"
}

// buildRequest applies method, headers and credentials from cfg. An api_key
// goes in auth_header (default Authorization) with auth_scheme (default
// Bearer when the header is Authorization).
func buildRequest(endpoint string, cfg model.SourceConfig) fetcher.Request {
	req := fetcher.Request{
		URL:      endpoint,
		Method:   strings.ToUpper(cfg.Method),
		Headers:  map[string]string{},
		Username: cfg.Username,
		Password: cfg.Password,
	}
	for k, v := range cfg.Headers {
		req.Headers[k] = v
	}
	if cfg.APIKey != "" {
		header := cfg.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		scheme := cfg.AuthScheme
		if scheme == "" && strings.EqualFold(header, "Authorization") {
			scheme = "Bearer"
		}
		value := cfg.APIKey
		if scheme != "" {
			value = scheme + " " + cfg.APIKey
		}
		req.Headers[header] = value
	}
	return req
}

// scraperStrategy asks the scrape service for each configured page. It
// fails only when every page fails.
type scraperStrategy struct {
	client ScrapeClient
}

func (s *scraperStrategy) Fetch(ctx context.Context, src *model.DataSource, cfg model.SourceConfig) (*Fetched, error) {
	if s.client == nil {
		return nil, eris.New("ingest: no scrape client configured")
	}
	targets := cfg.ScrapeTargets()
	if len(targets) == 0 {
		return nil, apperr.Validation("scraper source has no urls configured", map[string]string{"configuration": "urls is required"})
	}

	out := &Fetched{}
	var lastErr error
	ok := 0
	for _, target := range targets {
		products, err := s.client.ScrapeProducts(ctx, target, cfg.ScrapeRules)
		if err != nil {
			lastErr = err
			out.Warnings = append(out.Warnings, "scrape "+target+": "+err.Error())
			continue
		}
		ok++
		for _, p := range products {
			out.Records = append(out.Records, normalize.RawRecord(p))
		}
	}
	if ok == 0 {
		return nil, eris.Wrapf(lastErr, "ingest: scrape source %s", src.ID)
	}
	return out, nil
}

package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// SourceType identifies how a data source is fetched.
type SourceType string

const (
	SourceTypeAPI        SourceType = "api"
	SourceTypeScraper    SourceType = "scraper"
	SourceTypeFeed       SourceType = "feed"
	SourceTypeAggregator SourceType = "aggregator"
	SourceTypeRegulator  SourceType = "regulator"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeAPI, SourceTypeScraper, SourceTypeFeed, SourceTypeAggregator, SourceTypeRegulator:
		return true
	}
	return false
}

// SourceStatus is the lifecycle state of a data source.
type SourceStatus string

const (
	SourceStatusActive SourceStatus = "active"
	SourceStatusPaused SourceStatus = "paused"
	SourceStatusError  SourceStatus = "error"
	// SourceStatusSyncing marks a source held by a running ingestion.
	SourceStatusSyncing SourceStatus = "syncing"
)

// Valid reports whether s is a known source status.
func (s SourceStatus) Valid() bool {
	switch s {
	case SourceStatusActive, SourceStatusPaused, SourceStatusError, SourceStatusSyncing:
		return true
	}
	return false
}

// DataSource is a configured external feed, API, or scraper target.
type DataSource struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ProviderName  string          `json:"provider_name"`
	SourceType    SourceType      `json:"source_type"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	Status        SourceStatus    `json:"status"`
	LastSyncAt    *time.Time      `json:"last_sync_at,omitempty"`
	ErrorCount    int             `json:"error_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SourceConfig is the typed view of DataSource.Configuration.
type SourceConfig struct {
	APIEndpoint     string            `json:"api_endpoint,omitempty"`
	FeedURL         string            `json:"feed_url,omitempty"`
	URLs            []string          `json:"urls,omitempty"`
	ScrapeRules     json.RawMessage   `json:"scrape_rules,omitempty"`
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	APIKey          string            `json:"api_key,omitempty"`
	AuthHeader      string            `json:"auth_header,omitempty"`
	AuthScheme      string            `json:"auth_scheme,omitempty"`
	Username        string            `json:"username,omitempty"`
	Password        string            `json:"password,omitempty"`
	ResultsPath     string            `json:"results_path,omitempty"`
	Format          string            `json:"format,omitempty"`
	Delimiter       string            `json:"delimiter,omitempty"`
	Sheet           string            `json:"sheet,omitempty"`
	FieldMapping    map[string]string `json:"field_mapping,omitempty"`
	ExternalIDField string            `json:"external_id_field,omitempty"`
}

// Config decodes the opaque configuration blob. An empty blob yields a
// zero SourceConfig.
func (d *DataSource) Config() (SourceConfig, error) {
	var cfg SourceConfig
	if len(d.Configuration) == 0 || string(d.Configuration) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(d.Configuration, &cfg); err != nil {
		return cfg, eris.Wrapf(err, "model: decode configuration for source %s", d.ID)
	}
	return cfg, nil
}

// Endpoint returns the primary URL the source is fetched from.
func (c SourceConfig) Endpoint() string {
	if c.APIEndpoint != "" {
		return c.APIEndpoint
	}
	if c.FeedURL != "" {
		return c.FeedURL
	}
	if len(c.URLs) > 0 {
		return c.URLs[0]
	}
	return ""
}

// ScrapeTargets returns every URL a scraper source should visit.
func (c SourceConfig) ScrapeTargets() []string {
	if len(c.URLs) > 0 {
		return c.URLs
	}
	if ep := c.Endpoint(); ep != "" {
		return []string{ep}
	}
	return nil
}

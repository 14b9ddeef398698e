// Package registry holds data source configuration and the status rules a
// source must satisfy before it can be ingested.
package registry

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

// Registry reads and administers data sources.
type Registry struct {
	store store.Store
}

// New creates a Registry backed by st.
func New(st store.Store) *Registry {
	return &Registry{store: st}
}

// ListSources returns sources matching filter, ordered by name.
func (r *Registry) ListSources(ctx context.Context, filter store.SourceFilter) ([]model.DataSource, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("invalid source status filter", map[string]string{"status": string(filter.Status)})
	}
	if filter.SourceType != "" && !filter.SourceType.Valid() {
		return nil, apperr.Validation("invalid source type filter", map[string]string{"source_type": string(filter.SourceType)})
	}
	sources, err := r.store.ListSources(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "registry: list sources")
	}
	if sources == nil {
		sources = []model.DataSource{}
	}
	return sources, nil
}

// GetSource returns the source with the given id or apperr.NotFound.
func (r *Registry) GetSource(ctx context.Context, id string) (*model.DataSource, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("data_source_id is required", map[string]string{"data_source_id": "required"})
	}
	return r.store.GetSource(ctx, id)
}

// RequireActive returns the source if it may start an ingestion. Any other
// status yields a source_not_active error.
func (r *Registry) RequireActive(ctx context.Context, id string) (*model.DataSource, error) {
	src, err := r.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Status != model.SourceStatusActive {
		return nil, apperr.SourceNotActive(src.ID, string(src.Status))
	}
	return src, nil
}

// CreateSource validates and stores a new source. Status defaults to active.
func (r *Registry) CreateSource(ctx context.Context, src *model.DataSource) error {
	if err := Validate(src); err != nil {
		return err
	}
	if err := r.store.CreateSource(ctx, src); err != nil {
		return err
	}
	zap.L().Info("registry: source created",
		zap.String("source_id", src.ID),
		zap.String("source_type", string(src.SourceType)),
	)
	return nil
}

// SetStatus pauses, activates or marks a source as errored. The syncing
// state belongs to the job runner and cannot be set by hand, and a source
// that is currently syncing cannot be changed.
func (r *Registry) SetStatus(ctx context.Context, id string, status model.SourceStatus) (*model.DataSource, error) {
	if !status.Valid() || status == model.SourceStatusSyncing {
		return nil, apperr.Validation("invalid source status", map[string]string{"status": string(status)})
	}
	src, err := r.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Status == model.SourceStatusSyncing {
		return nil, apperr.Conflict("data source " + id + " is syncing")
	}
	if err := r.store.SetSourceStatus(ctx, id, status); err != nil {
		return nil, err
	}
	zap.L().Info("registry: source status changed",
		zap.String("source_id", id),
		zap.String("from", string(src.Status)),
		zap.String("to", string(status)),
	)
	return r.store.GetSource(ctx, id)
}

// EnsureSource returns the source with src.ID, creating it when absent.
// Concurrent creators converge on the same row.
func (r *Registry) EnsureSource(ctx context.Context, src *model.DataSource) (*model.DataSource, error) {
	existing, err := r.store.GetSource(ctx, src.ID)
	if err == nil {
		return existing, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	if err := r.CreateSource(ctx, src); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			return r.store.GetSource(ctx, src.ID)
		}
		return nil, err
	}
	return src, nil
}

// Validate checks the fields a source needs before it can be stored.
func Validate(src *model.DataSource) error {
	fields := map[string]string{}
	if strings.TrimSpace(src.Name) == "" {
		fields["name"] = "required"
	}
	if !src.SourceType.Valid() {
		fields["source_type"] = "must be one of api, scraper, feed, aggregator, regulator"
	}
	if src.Status != "" && (!src.Status.Valid() || src.Status == model.SourceStatusSyncing) {
		fields["status"] = "must be active, paused or error"
	}
	switch cfg, err := src.Config(); {
	case len(src.Configuration) > 0 && !json.Valid(src.Configuration):
		fields["configuration"] = "must be valid JSON"
	case err != nil:
		fields["configuration"] = "must be a JSON object"
	case src.SourceType.Valid() && src.SourceType != model.SourceTypeScraper && cfg.Endpoint() == "":
		// Scrapers may be created empty and given urls later.
		fields["configuration"] = "api_endpoint or feed_url is required"
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid data source", fields)
	}
	return nil
}

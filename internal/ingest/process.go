package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
)

type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopInterrupted
)

// recordMapping merges field_mapping with external_id_field.
func recordMapping(cfg model.SourceConfig) map[string]string {
	mapping := make(map[string]string, len(cfg.FieldMapping)+1)
	for k, v := range cfg.FieldMapping {
		mapping[k] = v
	}
	if cfg.ExternalIDField != "" {
		mapping[cfg.ExternalIDField] = normalize.FieldExternalID
	}
	return mapping
}

// process handles records one at a time. A failing record is logged and
// counted; it never stops the batch. bg carries bookkeeping writes.
func (r *Runner) process(ctx, bg context.Context, jl *jobLog, jobID string, src *model.DataSource,
	cfg model.SourceConfig, records []normalize.RawRecord) (model.JobStats, stopReason) {
	stats := model.JobStats{ProductsFound: len(records)}
	mapping := recordMapping(cfg)

	for i, raw := range records {
		if ctx.Err() != nil {
			return stats, stopInterrupted
		}
		if i > 0 && i%r.cfg.CancelCheckEvery == 0 && r.cancelled(bg, jobID, jl) {
			return stats, stopCancelled
		}

		outcome, err := r.processRecord(ctx, jl, src, raw, mapping)
		if err != nil {
			stats.ProductsErrors++
			jl.error(bg, "record failed", map[string]any{"index": i, "error": err.Error()})
			continue
		}
		if outcome.isNew {
			stats.ProductsNew++
		} else {
			stats.ProductsUpdated++
		}
		if outcome.duplicates > 0 {
			stats.ProductsDuplicates++
		}

		action := "product updated"
		if outcome.isNew {
			action = "product created"
		}
		jl.info(bg, action, map[string]any{
			"index":       i,
			"product_id":  outcome.productID,
			"external_id": outcome.externalID,
			"duplicates":  outcome.duplicates,
			"alerts":      outcome.alerts,
		})
	}
	return stats, stopNone
}

func (r *Runner) cancelled(ctx context.Context, jobID string, jl *jobLog) bool {
	job, err := r.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		jl.log.Warn("ingest: cancel check", zap.Error(err))
		return false
	}
	return job.Status == model.JobStatusCancelled
}

type recordOutcome struct {
	productID  string
	externalID string
	isNew      bool
	duplicates int
	alerts     []string
}

// processRecord normalizes and upserts one record, then runs duplicate
// detection (new products only) and the consistency rules. Failures after
// the upsert are logged as warnings since the product is already stored.
func (r *Runner) processRecord(ctx context.Context, jl *jobLog, src *model.DataSource,
	raw normalize.RawRecord, mapping map[string]string) (*recordOutcome, error) {
	product, err := r.deps.Normalizer.Normalize(ctx, raw, mapping)
	if err != nil {
		return nil, err
	}
	entry := product.ToEntry(src.ID)
	isNew, err := r.deps.Store.UpsertProduct(ctx, entry)
	if err != nil {
		return nil, err
	}

	out := &recordOutcome{productID: entry.ID, externalID: entry.ExternalID, isNew: isNew}
	if isNew && r.deps.Duplicates != nil {
		dups, err := r.deps.Duplicates.DetectDuplicates(ctx, entry.ID)
		if err != nil {
			jl.warn(ctx, "duplicate check failed", map[string]any{"product_id": entry.ID, "error": err.Error()})
		}
		out.duplicates = len(dups)
	}
	if r.deps.Consistency != nil {
		ev, err := r.deps.Consistency.Evaluate(ctx, entry)
		if err != nil {
			jl.warn(ctx, "consistency check failed", map[string]any{"product_id": entry.ID, "error": err.Error()})
		} else {
			out.alerts = ev.Fired
		}
	}
	return out, nil
}

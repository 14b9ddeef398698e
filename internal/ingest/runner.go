// Package ingest runs ingestion jobs: fetch a source, normalize each record,
// upsert it into the catalog and run the post-insert checks.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/consistency"
	"github.com/padlock-insure/padlock-ingest/internal/fetcher"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
	"github.com/padlock-insure/padlock-ingest/internal/registry"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

// Normalizer maps a raw record onto the catalog schema.
type Normalizer interface {
	Normalize(ctx context.Context, raw normalize.RawRecord, mapping map[string]string) (*normalize.NormalizedProduct, error)
}

// DuplicateDetector flags likely duplicates of a newly inserted product.
type DuplicateDetector interface {
	DetectDuplicates(ctx context.Context, productID string) ([]model.DuplicateDetection, error)
}

// ConsistencyEvaluator applies the consistency rules to a product.
type ConsistencyEvaluator interface {
	Evaluate(ctx context.Context, p *model.ProductCatalogEntry) (*consistency.Evaluation, error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store       store.Store
	Registry    *registry.Registry
	Fetcher     fetcher.Fetcher
	Scraper     ScrapeClient
	Normalizer  Normalizer
	Duplicates  DuplicateDetector
	Consistency ConsistencyEvaluator
}

// Runner executes ingestion jobs. Each StartIngestion call runs one job to
// completion on the caller's goroutine.
type Runner struct {
	deps       Deps
	cfg        config.IngestConfig
	strategies map[model.SourceType]Strategy
	now        func() time.Time
}

// New creates a Runner. maxBytes bounds a single JSON payload; zero means
// unlimited.
func New(deps Deps, cfg config.IngestConfig, maxBytes int64) *Runner {
	if cfg.MaxSourceErrors <= 0 {
		cfg.MaxSourceErrors = 5
	}
	if cfg.CancelCheckEvery <= 0 {
		cfg.CancelCheckEvery = 25
	}
	if cfg.StatusLogLimit <= 0 {
		cfg.StatusLogLimit = 50
	}
	if cfg.StaleAfterMinutes <= 0 {
		cfg.StaleAfterMinutes = 60
	}

	strategies := map[model.SourceType]Strategy{
		model.SourceTypeScraper: &scraperStrategy{client: deps.Scraper},
	}
	for t, keys := range envelopeKeys {
		strategies[t] = &httpStrategy{
			fetch:    deps.Fetcher,
			envelope: keys,
			flatten:  t == model.SourceTypeAggregator,
			maxBytes: maxBytes,
		}
	}

	return &Runner{
		deps:       deps,
		cfg:        cfg,
		strategies: strategies,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Result summarizes a finished job.
type Result struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
	Stats  model.JobStats  `json:"stats"`
	Error  string          `json:"error,omitempty"`
}

// StartIngestion runs one ingestion job for sourceID. A source that is not
// active yields apperr.SourceNotActive and no job. A fetch failure marks the
// job failed and returns the Result together with an upstream error.
func (r *Runner) StartIngestion(ctx context.Context, sourceID string, jobType model.JobType) (*Result, error) {
	if jobType == "" {
		jobType = model.JobTypeManual
	}
	if !jobType.Valid() {
		return nil, apperr.Validation("invalid job_type", map[string]string{"job_type": string(jobType)})
	}

	src, err := r.deps.Registry.RequireActive(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	srcCfg, err := src.Config()
	if err != nil {
		return nil, apperr.Validation("source configuration is not valid JSON", map[string]string{"configuration": err.Error()})
	}
	strategy, ok := r.strategies[src.SourceType]
	if !ok {
		return nil, apperr.Validation("unsupported source type", map[string]string{"source_type": string(src.SourceType)})
	}

	acquired, err := r.deps.Store.AcquireSource(ctx, src.ID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: acquire source")
	}
	if !acquired {
		current, getErr := r.deps.Store.GetSource(ctx, src.ID)
		status := string(model.SourceStatusSyncing)
		if getErr == nil {
			status = string(current.Status)
		}
		return nil, apperr.SourceNotActive(src.ID, status)
	}

	// Bookkeeping writes outlive a cancelled request so the job and the
	// source lock never stay stranded.
	bg := context.WithoutCancel(ctx)
	outcome := store.SyncOutcome{Success: true, MaxErrors: r.cfg.MaxSourceErrors}
	defer func() {
		if relErr := r.deps.Store.ReleaseSource(bg, src.ID, outcome); relErr != nil {
			zap.L().Error("ingest: release source", zap.String("source_id", src.ID), zap.Error(relErr))
		}
	}()

	job, err := r.deps.Store.CreateJob(ctx, src.ID, jobType)
	if err != nil {
		outcome = store.SyncOutcome{Error: err.Error(), MaxErrors: r.cfg.MaxSourceErrors}
		return nil, eris.Wrap(err, "ingest: create job")
	}
	started := r.now()
	if _, err := r.deps.Store.TransitionJob(ctx, job.ID, model.JobStatusPending, model.JobStatusRunning,
		model.JobUpdate{StartedAt: &started}); err != nil {
		outcome = store.SyncOutcome{Error: err.Error(), MaxErrors: r.cfg.MaxSourceErrors}
		return nil, eris.Wrap(err, "ingest: start job")
	}

	jl := &jobLog{store: r.deps.Store, jobID: job.ID, log: zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("source_id", src.ID),
		zap.String("source_type", string(src.SourceType)),
	)}
	jl.info(bg, "ingestion started", map[string]any{"job_type": jobType, "source_name": src.Name})

	fetched, err := strategy.Fetch(ctx, src, srcCfg)
	if err != nil {
		msg := err.Error()
		jl.error(bg, "fetch failed", map[string]any{"error": msg})
		outcome = store.SyncOutcome{Error: msg, MaxErrors: r.cfg.MaxSourceErrors}
		res := r.finish(bg, jl, job.ID, model.JobStatusFailed, model.JobStats{}, msg)
		return res, apperr.Upstream("source fetch failed", err)
	}
	for _, w := range fetched.Warnings {
		jl.warn(bg, w, nil)
	}
	jl.info(bg, fmt.Sprintf("fetched %d records", len(fetched.Records)), map[string]any{"count": len(fetched.Records)})

	stats, stop := r.process(ctx, bg, jl, job.ID, src, srcCfg, fetched.Records)
	switch stop {
	case stopCancelled:
		outcome = store.SyncOutcome{UnlockOnly: true}
		if err := r.deps.Store.UpdateJobStats(bg, job.ID, stats); err != nil {
			jl.log.Warn("ingest: save stats after cancel", zap.Error(err))
		}
		jl.info(bg, "ingestion cancelled", statsDetails(stats))
		return &Result{JobID: job.ID, Status: model.JobStatusCancelled, Stats: stats}, nil
	case stopInterrupted:
		msg := "ingestion interrupted: " + context.Cause(ctx).Error()
		outcome = store.SyncOutcome{Error: msg, MaxErrors: r.cfg.MaxSourceErrors}
		return r.finish(bg, jl, job.ID, model.JobStatusFailed, stats, msg), eris.Wrap(ctx.Err(), "ingest: interrupted")
	}

	res := r.finish(bg, jl, job.ID, model.JobStatusCompleted, stats, "")
	if res.Status == model.JobStatusCancelled {
		outcome = store.SyncOutcome{UnlockOnly: true}
	}
	return res, nil
}

// finish writes the terminal transition with the final stats in one update.
func (r *Runner) finish(ctx context.Context, jl *jobLog, jobID string, status model.JobStatus, stats model.JobStats, errMsg string) *Result {
	done := r.now()
	upd := model.JobUpdate{CompletedAt: &done, Stats: &stats}
	if errMsg != "" {
		upd.ErrorMessage = &errMsg
	}
	moved, err := r.deps.Store.TransitionJob(ctx, jobID, model.JobStatusRunning, status, upd)
	switch {
	case err != nil:
		jl.log.Error("ingest: terminal transition", zap.String("status", string(status)), zap.Error(err))
	case !moved:
		// Cancelled between the last check and now; keep the cancel.
		jl.log.Info("ingest: job left running state before completion")
		if err := r.deps.Store.UpdateJobStats(ctx, jobID, stats); err != nil {
			jl.log.Warn("ingest: save stats", zap.Error(err))
		}
		if job, getErr := r.deps.Store.GetJob(ctx, jobID); getErr == nil {
			status = job.Status
		}
	}

	details := statsDetails(stats)
	if status == model.JobStatusCompleted {
		jl.info(ctx, "ingestion completed", details)
	} else if errMsg != "" {
		details["error"] = errMsg
		jl.error(ctx, "ingestion failed", details)
	}
	jl.log.Info("ingest: job finished", zap.String("status", string(status)),
		zap.Int("found", stats.ProductsFound),
		zap.Int("new", stats.ProductsNew),
		zap.Int("updated", stats.ProductsUpdated),
		zap.Int("duplicates", stats.ProductsDuplicates),
		zap.Int("errors", stats.ProductsErrors),
	)
	return &Result{JobID: jobID, Status: status, Stats: stats, Error: errMsg}
}

func statsDetails(s model.JobStats) map[string]any {
	return map[string]any{
		"products_found":      s.ProductsFound,
		"products_new":        s.ProductsNew,
		"products_updated":    s.ProductsUpdated,
		"products_duplicates": s.ProductsDuplicates,
		"products_errors":     s.ProductsErrors,
	}
}

// JobStatus is a job with its most recent log entries, newest first.
type JobStatus struct {
	Job  *model.IngestionJob  `json:"job"`
	Logs []model.IngestionLog `json:"logs"`
}

// GetJobStatus returns the job and its latest logs.
func (r *Runner) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	if jobID == "" {
		return nil, apperr.Validation("job_id is required", map[string]string{"job_id": "required"})
	}
	job, err := r.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logs, err := r.deps.Store.ListLogs(ctx, jobID, r.cfg.StatusLogLimit)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: logs for job %s", jobID)
	}
	if logs == nil {
		logs = []model.IngestionLog{}
	}
	return &JobStatus{Job: job, Logs: logs}, nil
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Cancelled bool            `json:"cancelled"`
	Status    model.JobStatus `json:"status"`
	Message   string          `json:"message"`
}

// CancelJob moves a running job to cancelled. For a job in any other state
// it changes nothing and says so. The running job notices at its next
// cancel check.
func (r *Runner) CancelJob(ctx context.Context, jobID string) (*CancelResult, error) {
	if jobID == "" {
		return nil, apperr.Validation("job_id is required", map[string]string{"job_id": "required"})
	}
	now := r.now()
	moved, err := r.deps.Store.TransitionJob(ctx, jobID, model.JobStatusRunning, model.JobStatusCancelled,
		model.JobUpdate{CompletedAt: &now})
	if err != nil {
		return nil, err
	}
	if moved {
		jl := &jobLog{store: r.deps.Store, jobID: jobID, log: zap.L().With(zap.String("job_id", jobID))}
		jl.warn(ctx, "cancel requested", nil)
		return &CancelResult{Cancelled: true, Status: model.JobStatusCancelled, Message: "Job cancelled"}, nil
	}

	job, err := r.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &CancelResult{
		Status:  job.Status,
		Message: fmt.Sprintf("Job is %s; only running jobs can be cancelled", job.Status),
	}, nil
}

// RecoverStranded fails jobs that have been running longer than olderThan
// and releases their sources. olderThan <= 0 uses the configured default.
func (r *Runner) RecoverStranded(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		olderThan = time.Duration(r.cfg.StaleAfterMinutes) * time.Minute
	}
	jobs, err := r.deps.Store.ListJobs(ctx, store.JobFilter{
		Status:        model.JobStatusRunning,
		StartedBefore: r.now().Add(-olderThan),
		Limit:         1000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list stranded jobs")
	}

	recovered := []string{}
	for _, job := range jobs {
		msg := fmt.Sprintf("stranded: running for more than %s", olderThan)
		now := r.now()
		moved, err := r.deps.Store.TransitionJob(ctx, job.ID, model.JobStatusRunning, model.JobStatusFailed,
			model.JobUpdate{CompletedAt: &now, ErrorMessage: &msg})
		if err != nil {
			return recovered, eris.Wrapf(err, "ingest: recover job %s", job.ID)
		}
		if !moved {
			continue
		}
		jl := &jobLog{store: r.deps.Store, jobID: job.ID, log: zap.L().With(zap.String("job_id", job.ID))}
		jl.error(ctx, "job recovered as failed", map[string]any{"reason": msg})

		if err := r.deps.Store.ReleaseSource(ctx, job.DataSourceID, store.SyncOutcome{
			Error: msg, MaxErrors: r.cfg.MaxSourceErrors,
		}); err != nil {
			jl.log.Warn("ingest: source was not locked", zap.String("source_id", job.DataSourceID), zap.Error(err))
		}
		recovered = append(recovered, job.ID)
	}
	if len(recovered) > 0 {
		zap.L().Warn("ingest: recovered stranded jobs", zap.Strings("job_ids", recovered))
	}
	return recovered, nil
}

// ListSources returns every configured source.
func (r *Runner) ListSources(ctx context.Context) ([]model.DataSource, error) {
	return r.deps.Registry.ListSources(ctx, store.SourceFilter{})
}

// jobLog writes ingestion log rows and mirrors them to zap. Write failures
// are logged and otherwise ignored.
type jobLog struct {
	store store.Store
	jobID string
	log   *zap.Logger
}

func (l *jobLog) write(ctx context.Context, level model.LogLevel, msg string, details map[string]any) {
	entry := &model.IngestionLog{JobID: l.jobID, Level: level, Message: msg}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			entry.Details = b
		}
	}
	if err := l.store.AppendLog(ctx, entry); err != nil {
		l.log.Warn("ingest: append log", zap.String("message", msg), zap.Error(err))
	}
}

func (l *jobLog) info(ctx context.Context, msg string, details map[string]any) {
	l.log.Debug(msg, zap.Any("details", details))
	l.write(ctx, model.LogLevelInfo, msg, details)
}

func (l *jobLog) warn(ctx context.Context, msg string, details map[string]any) {
	l.log.Warn(msg, zap.Any("details", details))
	l.write(ctx, model.LogLevelWarn, msg, details)
}

func (l *jobLog) error(ctx context.Context, msg string, details map[string]any) {
	l.log.Error(msg, zap.Any("details", details))
	l.write(ctx, model.LogLevelError, msg, details)
}

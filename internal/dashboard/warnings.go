package dashboard

import (
	"fmt"
	"sort"
	"time"

	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/model"
)

// WarningType identifies the kind of operator warning.
type WarningType string

const (
	WarningFailureRate WarningType = "job_failure_rate"
	WarningSourceError WarningType = "source_error"
	WarningStaleSync   WarningType = "stale_sync"
	WarningStuckJob    WarningType = "stuck_job"
)

// minFinishedJobs is the sample size below which the failure rate is not
// reported.
const minFinishedJobs = 5

// Warning is a condition an operator should look at.
type Warning struct {
	Type      WarningType    `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Evaluator turns a Snapshot into warnings.
type Evaluator struct {
	cfg        config.DashboardConfig
	stuckAfter time.Duration
}

// NewEvaluator creates an Evaluator. Jobs running longer than stuckAfter
// are reported as stuck.
func NewEvaluator(cfg config.DashboardConfig, stuckAfter time.Duration) *Evaluator {
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.StaleSyncHours <= 0 {
		cfg.StaleSyncHours = 48
	}
	if stuckAfter <= 0 {
		stuckAfter = time.Hour
	}
	return &Evaluator{cfg: cfg, stuckAfter: stuckAfter}
}

// Evaluate checks snap against the thresholds. Times are measured from
// snap.CollectedAt.
func (e *Evaluator) Evaluate(snap *Snapshot) []Warning {
	warnings := []Warning{}
	now := snap.CollectedAt

	finished := snap.Jobs.Completed + snap.Jobs.Failed
	if finished >= minFinishedJobs && snap.Jobs.FailureRate > e.cfg.FailureRateThreshold {
		warnings = append(warnings, Warning{
			Type:     WarningFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.Jobs.FailureRate*100, e.cfg.FailureRateThreshold*100, snap.Jobs.Failed, finished),
			Details: map[string]any{
				"failure_rate": snap.Jobs.FailureRate,
				"threshold":    e.cfg.FailureRateThreshold,
				"failed":       snap.Jobs.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	var errored, stale []string
	staleCutoff := now.Add(-time.Duration(e.cfg.StaleSyncHours) * time.Hour)
	for _, src := range snap.Sources {
		switch src.Status {
		case model.SourceStatusError:
			errored = append(errored, src.ID)
		case model.SourceStatusActive:
			last := src.CreatedAt
			if src.LastSyncAt != nil {
				last = *src.LastSyncAt
			}
			if last.Before(staleCutoff) {
				stale = append(stale, src.ID)
			}
		}
	}
	if len(errored) > 0 {
		sort.Strings(errored)
		warnings = append(warnings, Warning{
			Type:      WarningSourceError,
			Severity:  "high",
			Message:   fmt.Sprintf("%d source(s) disabled after repeated failures", len(errored)),
			Details:   map[string]any{"source_ids": errored},
			Timestamp: now,
		})
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		warnings = append(warnings, Warning{
			Type:      WarningStaleSync,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d active source(s) not synced in %dh", len(stale), e.cfg.StaleSyncHours),
			Details:   map[string]any{"source_ids": stale, "stale_sync_hours": e.cfg.StaleSyncHours},
			Timestamp: now,
		})
	}

	var stuck []string
	for _, j := range snap.RunningJobs {
		if j.StartedAt != nil && now.Sub(*j.StartedAt) > e.stuckAfter {
			stuck = append(stuck, j.ID)
		}
	}
	if len(stuck) > 0 {
		sort.Strings(stuck)
		warnings = append(warnings, Warning{
			Type:      WarningStuckJob,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d job(s) running longer than %s", len(stuck), e.stuckAfter),
			Details:   map[string]any{"job_ids": stuck},
			Timestamp: now,
		})
	}

	return warnings
}

// Package dashboard aggregates catalog and ingestion health for operators
// and derives warnings from it.
package dashboard

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

// JobSummary counts the recent jobs by status.
type JobSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	// FailureRate is failed / (completed + failed).
	FailureRate float64 `json:"failure_rate"`
}

// Snapshot is a point-in-time view of the ingestion system.
type Snapshot struct {
	Sources           []model.DataSource         `json:"sources"`
	SourcesByStatus   map[string]int             `json:"sources_by_status"`
	RecentJobs        []model.IngestionJob       `json:"recent_jobs"`
	RunningJobs       []model.IngestionJob       `json:"running_jobs"`
	Jobs              JobSummary                 `json:"jobs"`
	ActiveAlerts      []model.ConsistencyAlert   `json:"active_alerts"`
	AlertsBySeverity  map[string]int             `json:"alerts_by_severity"`
	PendingDuplicates []model.DuplicateDetection `json:"pending_duplicates"`
	Products          model.ProductStats         `json:"products"`
	CollectedAt       time.Time                  `json:"collected_at"`
}

// Collector reads dashboard data from the store.
type Collector struct {
	store      store.Store
	recentJobs int
	now        func() time.Time
}

// NewCollector creates a Collector showing the last recentJobs jobs.
func NewCollector(st store.Store, recentJobs int) *Collector {
	if recentJobs <= 0 {
		recentJobs = 20
	}
	return &Collector{store: st, recentJobs: recentJobs, now: func() time.Time { return time.Now().UTC() }}
}

// Snapshot reads every dashboard section concurrently.
func (c *Collector) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: c.now()}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sources, err := c.store.ListSources(gctx, store.SourceFilter{})
		if err != nil {
			return eris.Wrap(err, "dashboard: list sources")
		}
		snap.Sources = sources
		return nil
	})
	g.Go(func() error {
		jobs, err := c.store.ListJobs(gctx, store.JobFilter{Limit: c.recentJobs})
		if err != nil {
			return eris.Wrap(err, "dashboard: list recent jobs")
		}
		snap.RecentJobs = jobs
		return nil
	})
	g.Go(func() error {
		jobs, err := c.store.ListJobs(gctx, store.JobFilter{Status: model.JobStatusRunning, Limit: 1000})
		if err != nil {
			return eris.Wrap(err, "dashboard: list running jobs")
		}
		snap.RunningJobs = jobs
		return nil
	})
	g.Go(func() error {
		alerts, err := c.store.ListAlerts(gctx, store.AlertFilter{Status: model.AlertStatusActive, Limit: 1000})
		if err != nil {
			return eris.Wrap(err, "dashboard: list alerts")
		}
		snap.ActiveAlerts = alerts
		return nil
	})
	g.Go(func() error {
		dups, err := c.store.ListDuplicates(gctx, store.DuplicateFilter{Status: model.DuplicateStatusPending, Limit: 1000})
		if err != nil {
			return eris.Wrap(err, "dashboard: list duplicates")
		}
		snap.PendingDuplicates = dups
		return nil
	})
	g.Go(func() error {
		stats, err := c.store.ProductStats(gctx)
		if err != nil {
			return eris.Wrap(err, "dashboard: product stats")
		}
		snap.Products = *stats
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.fillSummaries()
	return snap, nil
}

// fillSummaries derives the counters and replaces nil lists with empty ones
// so the JSON always carries arrays.
func (s *Snapshot) fillSummaries() {
	if s.Sources == nil {
		s.Sources = []model.DataSource{}
	}
	if s.RecentJobs == nil {
		s.RecentJobs = []model.IngestionJob{}
	}
	if s.RunningJobs == nil {
		s.RunningJobs = []model.IngestionJob{}
	}
	if s.ActiveAlerts == nil {
		s.ActiveAlerts = []model.ConsistencyAlert{}
	}
	if s.PendingDuplicates == nil {
		s.PendingDuplicates = []model.DuplicateDetection{}
	}

	s.SourcesByStatus = map[string]int{}
	for _, src := range s.Sources {
		s.SourcesByStatus[string(src.Status)]++
	}
	s.AlertsBySeverity = map[string]int{}
	for _, a := range s.ActiveAlerts {
		s.AlertsBySeverity[string(a.Severity)]++
	}

	s.Jobs = summarizeJobs(s.RecentJobs)
}

func summarizeJobs(jobs []model.IngestionJob) JobSummary {
	sum := JobSummary{Total: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusPending:
			sum.Pending++
		case model.JobStatusRunning:
			sum.Running++
		case model.JobStatusCompleted:
			sum.Completed++
		case model.JobStatusFailed:
			sum.Failed++
		case model.JobStatusCancelled:
			sum.Cancelled++
		}
	}
	if finished := sum.Completed + sum.Failed; finished > 0 {
		sum.FailureRate = float64(sum.Failed) / float64(finished)
	}
	return sum
}

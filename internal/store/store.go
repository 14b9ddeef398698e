package store

import (
	"context"
	"time"

	"github.com/padlock-insure/padlock-ingest/internal/model"
)

// SourceFilter specifies criteria for listing data sources.
type SourceFilter struct {
	Status     model.SourceStatus `json:"status,omitempty"`
	SourceType model.SourceType   `json:"source_type,omitempty"`
}

// JobFilter specifies criteria for listing ingestion jobs.
type JobFilter struct {
	DataSourceID  string          `json:"data_source_id,omitempty"`
	Status        model.JobStatus `json:"status,omitempty"`
	StartedBefore time.Time       `json:"started_before,omitempty"`
	Limit         int             `json:"limit,omitempty"`
}

// ProductFilter specifies criteria for listing catalog entries.
type ProductFilter struct {
	DataSourceID string              `json:"data_source_id,omitempty"`
	Status       model.ProductStatus `json:"status,omitempty"`
	AfterID      string              `json:"after_id,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
}

// CandidateQuery selects products that may duplicate a given product.
type CandidateQuery struct {
	ExcludeID   string
	PolicyType  string
	InsurerName string
	Limit       int
}

// DuplicateFilter specifies criteria for listing duplicate detections.
type DuplicateFilter struct {
	ProductID string                `json:"product_id,omitempty"`
	Status    model.DuplicateStatus `json:"status,omitempty"`
	Limit     int                   `json:"limit,omitempty"`
}

// AlertFilter specifies criteria for listing consistency alerts.
type AlertFilter struct {
	ProductID string            `json:"product_id,omitempty"`
	Status    model.AlertStatus `json:"status,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// SyncOutcome is written back to a source when its lock is released.
type SyncOutcome struct {
	Success bool
	// UnlockOnly returns the source to active without touching
	// last_sync_at or the error counters. Used for cancelled jobs.
	UnlockOnly bool
	Error      string
	MaxErrors  int // error_count at which the source flips to error
}

// Store defines the persistence interface for the ingestion pipeline.
// Lookups of missing rows return apperr.NotFound.
type Store interface {
	// Sources
	CreateSource(ctx context.Context, src *model.DataSource) error
	GetSource(ctx context.Context, id string) (*model.DataSource, error)
	ListSources(ctx context.Context, filter SourceFilter) ([]model.DataSource, error)
	// SetSourceStatus sets status directly; moving to active clears error_count.
	SetSourceStatus(ctx context.Context, id string, status model.SourceStatus) error
	// AcquireSource atomically moves an active source to syncing. It
	// reports false when the source was not active.
	AcquireSource(ctx context.Context, id string) (bool, error)
	// ReleaseSource moves a syncing source back to active (or error) and
	// records the sync outcome.
	ReleaseSource(ctx context.Context, id string, outcome SyncOutcome) error

	// Jobs
	CreateJob(ctx context.Context, sourceID string, jobType model.JobType) (*model.IngestionJob, error)
	GetJob(ctx context.Context, id string) (*model.IngestionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error)
	// TransitionJob moves a job from one status to another only if it is
	// currently in from. It reports false when the job was not in from.
	TransitionJob(ctx context.Context, id string, from, to model.JobStatus, upd model.JobUpdate) (bool, error)
	UpdateJobStats(ctx context.Context, id string, stats model.JobStats) error

	// Logs
	AppendLog(ctx context.Context, entry *model.IngestionLog) error
	ListLogs(ctx context.Context, jobID string, limit int) ([]model.IngestionLog, error)

	// Products
	// UpsertProduct inserts or updates by (data_source_id, external_id) and
	// reports whether a new row was created. p.ID is set on return.
	UpsertProduct(ctx context.Context, p *model.ProductCatalogEntry) (bool, error)
	GetProduct(ctx context.Context, id string) (*model.ProductCatalogEntry, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.ProductCatalogEntry, error)
	ListDuplicateCandidates(ctx context.Context, q CandidateQuery) ([]model.ProductCatalogEntry, error)
	ProductStats(ctx context.Context) (*model.ProductStats, error)

	// Duplicates
	// CreateDuplicate stores a detection; an existing pair is left as is
	// and false is returned.
	CreateDuplicate(ctx context.Context, d *model.DuplicateDetection) (bool, error)
	ListDuplicates(ctx context.Context, filter DuplicateFilter) ([]model.DuplicateDetection, error)
	SetDuplicateStatus(ctx context.Context, id string, status model.DuplicateStatus) error

	// Alerts
	// RaiseAlert stores an active alert unless one of the same type is
	// already active for the product.
	RaiseAlert(ctx context.Context, a *model.ConsistencyAlert) (bool, error)
	// ResolveAlertTypes resolves active alerts of the given types for a product.
	ResolveAlertTypes(ctx context.Context, productID string, alertTypes []string) (int, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.ConsistencyAlert, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// LimitOr returns limit if positive, otherwise def.
func LimitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

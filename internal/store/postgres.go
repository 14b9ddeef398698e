package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/db"
	"github.com/padlock-insure/padlock-ingest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection. These
// are the per-record statements of an ingestion run.
var preparedStatements = map[string]string{
	"get_job":      `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE id = $1`,
	"append_log":   `INSERT INTO ingestion_logs (id, job_id, log_level, message, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"get_product":  `SELECT ` + productColumns + ` FROM product_catalog WHERE id = $1`,
	"raise_alert":  insertAlertSQL,
	"upsert_entry": upsertProductSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS data_sources (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name          TEXT NOT NULL,
	provider_name TEXT NOT NULL DEFAULT '',
	source_type   TEXT NOT NULL,
	configuration JSONB,
	status        TEXT NOT NULL DEFAULT 'active',
	last_sync_at  TIMESTAMPTZ,
	error_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	data_source_id      TEXT NOT NULL REFERENCES data_sources(id),
	status              TEXT NOT NULL DEFAULT 'pending',
	job_type            TEXT NOT NULL DEFAULT 'manual',
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	products_found      INTEGER NOT NULL DEFAULT 0,
	products_new        INTEGER NOT NULL DEFAULT 0,
	products_updated    INTEGER NOT NULL DEFAULT 0,
	products_duplicates INTEGER NOT NULL DEFAULT 0,
	products_errors     INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_source ON ingestion_jobs(data_source_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingestion_jobs(status);

CREATE TABLE IF NOT EXISTS ingestion_logs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id     TEXT NOT NULL REFERENCES ingestion_jobs(id) ON DELETE CASCADE,
	log_level  TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_logs_job_created ON ingestion_logs(job_id, created_at DESC);

CREATE TABLE IF NOT EXISTS product_catalog (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	data_source_id       TEXT NOT NULL,
	external_id          TEXT NOT NULL,
	insurer_name         TEXT NOT NULL DEFAULT '',
	product_name         TEXT NOT NULL DEFAULT '',
	policy_type          TEXT NOT NULL DEFAULT '',
	premium_amount       DOUBLE PRECISION,
	premium_frequency    TEXT NOT NULL DEFAULT '',
	currency             TEXT NOT NULL DEFAULT '',
	coverage_summary     TEXT NOT NULL DEFAULT '',
	coverage_limits      JSONB,
	benefits             JSONB,
	exclusions           JSONB,
	add_ons              JSONB,
	contact_info         JSONB,
	availability_regions JSONB,
	tags                 JSONB,
	valid_from           TIMESTAMPTZ,
	valid_until          TIMESTAMPTZ,
	ai_summary           TEXT,
	ai_normalized_data   JSONB,
	status               TEXT NOT NULL DEFAULT 'active',
	last_verified_at     TIMESTAMPTZ,
	last_updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (data_source_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_products_policy_type ON product_catalog(policy_type);
CREATE INDEX IF NOT EXISTS idx_products_insurer ON product_catalog(lower(insurer_name));

CREATE TABLE IF NOT EXISTS duplicate_detections (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	product_id           TEXT NOT NULL REFERENCES product_catalog(id) ON DELETE CASCADE,
	duplicate_product_id TEXT NOT NULL REFERENCES product_catalog(id) ON DELETE CASCADE,
	similarity_score     DOUBLE PRECISION NOT NULL,
	matching_fields      JSONB NOT NULL DEFAULT '[]',
	status               TEXT NOT NULL DEFAULT 'pending',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (product_id, duplicate_product_id)
);

CREATE INDEX IF NOT EXISTS idx_duplicates_status ON duplicate_detections(status);

CREATE TABLE IF NOT EXISTS consistency_alerts (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	product_id  TEXT NOT NULL REFERENCES product_catalog(id) ON DELETE CASCADE,
	alert_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active ON consistency_alerts(product_id, alert_type) WHERE status = 'active';
`

const upsertProductSQL = `INSERT INTO product_catalog (` + productColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	ON CONFLICT (data_source_id, external_id) DO UPDATE SET
		insurer_name = EXCLUDED.insurer_name,
		product_name = EXCLUDED.product_name,
		policy_type = EXCLUDED.policy_type,
		premium_amount = EXCLUDED.premium_amount,
		premium_frequency = EXCLUDED.premium_frequency,
		currency = EXCLUDED.currency,
		coverage_summary = EXCLUDED.coverage_summary,
		coverage_limits = EXCLUDED.coverage_limits,
		benefits = EXCLUDED.benefits,
		exclusions = EXCLUDED.exclusions,
		add_ons = EXCLUDED.add_ons,
		contact_info = EXCLUDED.contact_info,
		availability_regions = EXCLUDED.availability_regions,
		tags = EXCLUDED.tags,
		valid_from = EXCLUDED.valid_from,
		valid_until = EXCLUDED.valid_until,
		ai_summary = EXCLUDED.ai_summary,
		ai_normalized_data = EXCLUDED.ai_normalized_data,
		status = EXCLUDED.status,
		last_verified_at = EXCLUDED.last_verified_at,
		last_updated_at = EXCLUDED.last_updated_at
	RETURNING id, created_at, (xmax = 0) AS inserted`

const insertAlertSQL = `INSERT INTO consistency_alerts (id, product_id, alert_type, severity, message, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Sources ---

func (s *PostgresStore) CreateSource(ctx context.Context, src *model.DataSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.Status == "" {
		src.Status = model.SourceStatusActive
	}
	now := time.Now().UTC()
	src.CreatedAt, src.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO data_sources (id, name, provider_name, source_type, configuration, status, error_count, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		src.ID, src.Name, src.ProviderName, string(src.SourceType), nullableJSON(src.Configuration),
		string(src.Status), src.ErrorCount, src.LastError, now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.Conflict("data source already exists: " + src.ID)
		}
		return eris.Wrapf(err, "postgres: insert source %s", src.ID)
	}
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.DataSource, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM data_sources WHERE id = $1`, id)
	src, err := scanPostgresSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("data source", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source %s", id)
	}
	return src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, filter SourceFilter) ([]model.DataSource, error) {
	q := newWhere()
	if filter.Status != "" {
		q.add("status = %s", string(filter.Status))
	}
	if filter.SourceType != "" {
		q.add("source_type = %s", string(filter.SourceType))
	}
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM data_sources`+q.sql()+` ORDER BY name`, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.DataSource
	for rows.Next() {
		src, err := scanPostgresSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) SetSourceStatus(ctx context.Context, id string, status model.SourceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE data_sources
		 SET status = $1::text, updated_at = $2,
		     error_count = CASE WHEN $1::text = 'active' THEN 0 ELSE error_count END
		 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set source status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("data source", id)
	}
	return nil
}

func (s *PostgresStore) AcquireSource(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE data_sources SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(model.SourceStatusSyncing), time.Now().UTC(), id, string(model.SourceStatusActive),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire source %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseSource(ctx context.Context, id string, outcome SyncOutcome) error {
	now := time.Now().UTC()
	var tag pgconn.CommandTag
	var err error
	switch {
	case outcome.UnlockOnly:
		tag, err = s.pool.Exec(ctx,
			`UPDATE data_sources SET status = 'active', updated_at = $1 WHERE id = $2 AND status = 'syncing'`,
			now, id,
		)
	case outcome.Success:
		tag, err = s.pool.Exec(ctx,
			`UPDATE data_sources
			 SET status = 'active', last_sync_at = $1, error_count = 0, last_error = '', updated_at = $1
			 WHERE id = $2 AND status = 'syncing'`,
			now, id,
		)
	default:
		tag, err = s.pool.Exec(ctx,
			`UPDATE data_sources
			 SET status = CASE WHEN error_count + 1 >= $1 THEN 'error' ELSE 'active' END,
			     error_count = error_count + 1, last_error = $2, updated_at = $3
			 WHERE id = $4 AND status = 'syncing'`,
			maxErrors(outcome), outcome.Error, now, id,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: release source %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: source %s was not syncing", id)
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, sourceID string, jobType model.JobType) (*model.IngestionJob, error) {
	job := &model.IngestionJob{
		ID:           uuid.New().String(),
		DataSourceID: sourceID,
		Status:       model.JobStatusPending,
		JobType:      jobType,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, data_source_id, status, job_type, created_at) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.DataSourceID, string(job.Status), string(job.JobType), job.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert job for source %s", sourceID)
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	q := newWhere()
	if filter.DataSourceID != "" {
		q.add("data_source_id = %s", filter.DataSourceID)
	}
	if filter.Status != "" {
		q.add("status = %s", string(filter.Status))
	}
	if !filter.StartedBefore.IsZero() {
		q.add("started_at < %s", filter.StartedBefore.UTC())
	}
	limit := q.param(LimitOr(filter.Limit, 100))
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs`+q.sql()+` ORDER BY created_at DESC LIMIT `+limit,
		q.args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.IngestionJob
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus, upd model.JobUpdate) (bool, error) {
	if err := validateTransition(from, to); err != nil {
		return false, err
	}

	args := []any{string(to)}
	sets := []string{"status = $1"}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.StartedAt != nil {
		set("started_at", upd.StartedAt.UTC())
	}
	if upd.CompletedAt != nil {
		set("completed_at", upd.CompletedAt.UTC())
	}
	if upd.Stats != nil {
		set("products_found", upd.Stats.ProductsFound)
		set("products_new", upd.Stats.ProductsNew)
		set("products_updated", upd.Stats.ProductsUpdated)
		set("products_duplicates", upd.Stats.ProductsDuplicates)
		set("products_errors", upd.Stats.ProductsErrors)
	}
	if upd.ErrorMessage != nil {
		set("error_message", *upd.ErrorMessage)
	}
	args = append(args, id, string(from))

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE ingestion_jobs SET %s WHERE id = $%d AND status = $%d`,
			strings.Join(sets, ", "), len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition job %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) UpdateJobStats(ctx context.Context, id string, stats model.JobStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET products_found = $1, products_new = $2, products_updated = $3, products_duplicates = $4, products_errors = $5
		 WHERE id = $6`,
		stats.ProductsFound, stats.ProductsNew, stats.ProductsUpdated, stats.ProductsDuplicates, stats.ProductsErrors, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job stats %s", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job", id)
	}
	return nil
}

// --- Logs ---

func (s *PostgresStore) AppendLog(ctx context.Context, entry *model.IngestionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_logs (id, job_id, log_level, message, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.JobID, string(entry.Level), entry.Message, nullableJSON(entry.Details), entry.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append log for job %s", entry.JobID)
}

func (s *PostgresStore) ListLogs(ctx context.Context, jobID string, limit int) ([]model.IngestionLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, log_level, message, details, created_at FROM ingestion_logs
		 WHERE job_id = $1 ORDER BY created_at DESC LIMIT $2`,
		jobID, LimitOr(limit, 50),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list logs for job %s", jobID)
	}
	defer rows.Close()

	var out []model.IngestionLog
	for rows.Next() {
		var l model.IngestionLog
		var level string
		var details []byte
		if err := rows.Scan(&l.ID, &l.JobID, &level, &l.Message, &details, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		l.Level = model.LogLevel(level)
		if len(details) > 0 {
			l.Details = json.RawMessage(details)
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list logs iterate")
}

// --- Products ---

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *model.ProductCatalogEntry) (bool, error) {
	if p.ExternalID == "" {
		return false, apperr.Validation("external_id is required", map[string]string{"external_id": "required"})
	}
	blobs, err := encodeProduct(p)
	if err != nil {
		return false, err
	}
	if p.Status == "" {
		p.Status = model.ProductStatusActive
	}
	now := time.Now().UTC()
	var inserted bool
	err = s.pool.QueryRow(ctx, upsertProductSQL,
		uuid.New().String(), p.DataSourceID, p.ExternalID, p.InsurerName, p.ProductName, p.PolicyType,
		p.PremiumAmount, p.PremiumFrequency, p.Currency, p.CoverageSummary, blobs.Limits,
		blobs.Benefits, blobs.Exclusions, blobs.AddOns, blobs.Contact, blobs.Regions, blobs.Tags,
		utcPtr(p.ValidFrom), utcPtr(p.ValidUntil), p.AISummary, nullableJSON(p.AINormalizedData), string(p.Status),
		now, now, now,
	).Scan(&p.ID, &p.CreatedAt, &inserted)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert product %s/%s", p.DataSourceID, p.ExternalID)
	}
	p.LastUpdatedAt = now
	p.LastVerifiedAt = &now
	return inserted, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.ProductCatalogEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM product_catalog WHERE id = $1`, id)
	p, err := scanPostgresProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("product", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get product %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.ProductCatalogEntry, error) {
	q := newWhere()
	if filter.DataSourceID != "" {
		q.add("data_source_id = %s", filter.DataSourceID)
	}
	if filter.Status != "" {
		q.add("status = %s", string(filter.Status))
	}
	if filter.AfterID != "" {
		q.add("id > %s", filter.AfterID)
	}
	limit := q.param(LimitOr(filter.Limit, 500))
	return s.queryProducts(ctx,
		`SELECT `+productColumns+` FROM product_catalog`+q.sql()+` ORDER BY id LIMIT `+limit,
		q.args...,
	)
}

func (s *PostgresStore) ListDuplicateCandidates(ctx context.Context, cq CandidateQuery) ([]model.ProductCatalogEntry, error) {
	if cq.PolicyType == "" && cq.InsurerName == "" {
		return nil, nil
	}
	return s.queryProducts(ctx,
		`SELECT `+productColumns+` FROM product_catalog
		 WHERE id <> $1 AND status = 'active'
		   AND (($2 <> '' AND policy_type = $2) OR ($3 <> '' AND lower(insurer_name) = lower($3)))
		 ORDER BY last_updated_at DESC LIMIT $4`,
		cq.ExcludeID, cq.PolicyType, cq.InsurerName, LimitOr(cq.Limit, 200),
	)
}

func (s *PostgresStore) ProductStats(ctx context.Context) (*model.ProductStats, error) {
	stats := &model.ProductStats{
		ByPolicyType: make(map[string]int),
		BySource:     make(map[string]int),
	}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'active') FROM product_catalog`,
	).Scan(&stats.Total, &stats.Active)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: product totals")
	}
	if err := s.groupCount(ctx, `SELECT policy_type, COUNT(*) FROM product_catalog GROUP BY policy_type`, stats.ByPolicyType); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT data_source_id, COUNT(*) FROM product_catalog GROUP BY data_source_id`, stats.BySource); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) groupCount(ctx context.Context, query string, dst map[string]int) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return eris.Wrap(err, "postgres: group count")
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return eris.Wrap(err, "postgres: scan group count")
		}
		dst[key] = n
	}
	return eris.Wrap(rows.Err(), "postgres: group count iterate")
}

func (s *PostgresStore) queryProducts(ctx context.Context, query string, args ...any) ([]model.ProductCatalogEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query products")
	}
	defer rows.Close()

	var out []model.ProductCatalogEntry
	for rows.Next() {
		p, err := scanPostgresProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query products iterate")
}

// --- Duplicates ---

func (s *PostgresStore) CreateDuplicate(ctx context.Context, d *model.DuplicateDetection) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = model.DuplicateStatusPending
	}
	d.CreatedAt = time.Now().UTC()
	fields, err := json.Marshal(d.MatchingFields)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal matching fields")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO duplicate_detections (id, product_id, duplicate_product_id, similarity_score, matching_fields, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (product_id, duplicate_product_id) DO NOTHING`,
		d.ID, d.ProductID, d.DuplicateProductID, d.SimilarityScore, fields, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert duplicate")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListDuplicates(ctx context.Context, filter DuplicateFilter) ([]model.DuplicateDetection, error) {
	q := newWhere()
	if filter.ProductID != "" {
		q.add("product_id = %s", filter.ProductID)
	}
	if filter.Status != "" {
		q.add("status = %s", string(filter.Status))
	}
	limit := q.param(LimitOr(filter.Limit, 100))
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, duplicate_product_id, similarity_score, matching_fields, status, created_at
		 FROM duplicate_detections`+q.sql()+` ORDER BY similarity_score DESC, created_at DESC LIMIT `+limit,
		q.args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list duplicates")
	}
	defer rows.Close()

	var out []model.DuplicateDetection
	for rows.Next() {
		var d model.DuplicateDetection
		var status string
		var fields []byte
		if err := rows.Scan(&d.ID, &d.ProductID, &d.DuplicateProductID, &d.SimilarityScore, &fields, &status, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan duplicate")
		}
		d.Status = model.DuplicateStatus(status)
		if err := json.Unmarshal(fields, &d.MatchingFields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal matching fields")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list duplicates iterate")
}

func (s *PostgresStore) SetDuplicateStatus(ctx context.Context, id string, status model.DuplicateStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE duplicate_detections SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set duplicate status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("duplicate detection", id)
	}
	return nil
}

// --- Alerts ---

func (s *PostgresStore) RaiseAlert(ctx context.Context, a *model.ConsistencyAlert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = model.AlertStatusActive
	a.CreatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, insertAlertSQL,
		a.ID, a.ProductID, a.AlertType, string(a.Severity), a.Message, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: raise alert")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ResolveAlertTypes(ctx context.Context, productID string, alertTypes []string) (int, error) {
	if len(alertTypes) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE consistency_alerts SET status = 'resolved', resolved_at = $1
		 WHERE product_id = $2 AND status = 'active' AND alert_type = ANY($3)`,
		time.Now().UTC(), productID, alertTypes,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: resolve alerts for product %s", productID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.ConsistencyAlert, error) {
	q := newWhere()
	if filter.ProductID != "" {
		q.add("product_id = %s", filter.ProductID)
	}
	if filter.Status != "" {
		q.add("status = %s", string(filter.Status))
	}
	limit := q.param(LimitOr(filter.Limit, 100))
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, alert_type, severity, message, status, created_at, resolved_at
		 FROM consistency_alerts`+q.sql()+` ORDER BY created_at DESC LIMIT `+limit,
		q.args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list alerts")
	}
	defer rows.Close()

	var out []model.ConsistencyAlert
	for rows.Next() {
		var a model.ConsistencyAlert
		var severity, status string
		if err := rows.Scan(&a.ID, &a.ProductID, &a.AlertType, &severity, &a.Message, &status, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		a.Severity = model.Severity(severity)
		a.Status = model.AlertStatus(status)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list alerts iterate")
}

// whereBuilder assembles a positional-parameter WHERE clause.
type whereBuilder struct {
	conds []string
	args  []any
}

func newWhere() *whereBuilder { return &whereBuilder{} }

// param appends v and returns its placeholder.
func (w *whereBuilder) param(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereBuilder) add(cond string, v any) {
	w.conds = append(w.conds, fmt.Sprintf(cond, w.param(v)))
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func scanPostgresSource(row pgx.Row) (*model.DataSource, error) {
	var src model.DataSource
	var sourceType, status string
	var cfg []byte
	if err := row.Scan(&src.ID, &src.Name, &src.ProviderName, &sourceType, &cfg, &status,
		&src.LastSyncAt, &src.ErrorCount, &src.LastError, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return nil, err
	}
	src.SourceType = model.SourceType(sourceType)
	src.Status = model.SourceStatus(status)
	if len(cfg) > 0 {
		src.Configuration = json.RawMessage(cfg)
	}
	return &src, nil
}

func scanPostgresJob(row pgx.Row) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var status, jobType string
	if err := row.Scan(&j.ID, &j.DataSourceID, &status, &jobType, &j.StartedAt, &j.CompletedAt,
		&j.Stats.ProductsFound, &j.Stats.ProductsNew, &j.Stats.ProductsUpdated, &j.Stats.ProductsDuplicates, &j.Stats.ProductsErrors,
		&j.ErrorMessage, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.JobType = model.JobType(jobType)
	return &j, nil
}

func scanPostgresProduct(row pgx.Row) (*model.ProductCatalogEntry, error) {
	var p model.ProductCatalogEntry
	var status string
	var aiData []byte
	var b productBlobs
	if err := row.Scan(&p.ID, &p.DataSourceID, &p.ExternalID, &p.InsurerName, &p.ProductName, &p.PolicyType,
		&p.PremiumAmount, &p.PremiumFrequency, &p.Currency, &p.CoverageSummary, &b.Limits,
		&b.Benefits, &b.Exclusions, &b.AddOns, &b.Contact, &b.Regions, &b.Tags,
		&p.ValidFrom, &p.ValidUntil, &p.AISummary, &aiData, &status,
		&p.LastVerifiedAt, &p.LastUpdatedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = model.ProductStatus(status)
	if len(aiData) > 0 {
		p.AINormalizedData = json.RawMessage(aiData)
	}
	if err := decodeProduct(&p, b); err != nil {
		return nil, err
	}
	return &p, nil
}

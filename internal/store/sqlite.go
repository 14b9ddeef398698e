package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers and keeps the CAS updates atomic.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS data_sources (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	provider_name TEXT NOT NULL DEFAULT '',
	source_type   TEXT NOT NULL,
	configuration TEXT,
	status        TEXT NOT NULL DEFAULT 'active',
	last_sync_at  DATETIME,
	error_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id                  TEXT PRIMARY KEY,
	data_source_id      TEXT NOT NULL REFERENCES data_sources(id),
	status              TEXT NOT NULL DEFAULT 'pending',
	job_type            TEXT NOT NULL DEFAULT 'manual',
	started_at          DATETIME,
	completed_at        DATETIME,
	products_found      INTEGER NOT NULL DEFAULT 0,
	products_new        INTEGER NOT NULL DEFAULT 0,
	products_updated    INTEGER NOT NULL DEFAULT 0,
	products_duplicates INTEGER NOT NULL DEFAULT 0,
	products_errors     INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_logs (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES ingestion_jobs(id) ON DELETE CASCADE,
	log_level  TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS product_catalog (
	id                   TEXT PRIMARY KEY,
	data_source_id       TEXT NOT NULL,
	external_id          TEXT NOT NULL,
	insurer_name         TEXT NOT NULL DEFAULT '',
	product_name         TEXT NOT NULL DEFAULT '',
	policy_type          TEXT NOT NULL DEFAULT '',
	premium_amount       REAL,
	premium_frequency    TEXT NOT NULL DEFAULT '',
	currency             TEXT NOT NULL DEFAULT '',
	coverage_summary     TEXT NOT NULL DEFAULT '',
	coverage_limits      TEXT,
	benefits             TEXT,
	exclusions           TEXT,
	add_ons              TEXT,
	contact_info         TEXT,
	availability_regions TEXT,
	tags                 TEXT,
	valid_from           DATETIME,
	valid_until          DATETIME,
	ai_summary           TEXT,
	ai_normalized_data   TEXT,
	status               TEXT NOT NULL DEFAULT 'active',
	last_verified_at     DATETIME,
	last_updated_at      DATETIME NOT NULL,
	created_at           DATETIME NOT NULL,
	UNIQUE (data_source_id, external_id)
);

CREATE TABLE IF NOT EXISTS duplicate_detections (
	id                   TEXT PRIMARY KEY,
	product_id           TEXT NOT NULL,
	duplicate_product_id TEXT NOT NULL,
	similarity_score     REAL NOT NULL,
	matching_fields      TEXT NOT NULL DEFAULT '[]',
	status               TEXT NOT NULL DEFAULT 'pending',
	created_at           DATETIME NOT NULL,
	UNIQUE (product_id, duplicate_product_id)
);

CREATE TABLE IF NOT EXISTS consistency_alerts (
	id          TEXT PRIMARY KEY,
	product_id  TEXT NOT NULL,
	alert_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_source ON ingestion_jobs(data_source_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingestion_jobs(status);
CREATE INDEX IF NOT EXISTS idx_logs_job ON ingestion_logs(job_id);
CREATE INDEX IF NOT EXISTS idx_products_policy_type ON product_catalog(policy_type);
CREATE INDEX IF NOT EXISTS idx_products_insurer ON product_catalog(insurer_name);
CREATE INDEX IF NOT EXISTS idx_duplicates_status ON duplicate_detections(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active ON consistency_alerts(product_id, alert_type) WHERE status = 'active';
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sources ---

func (s *SQLiteStore) CreateSource(ctx context.Context, src *model.DataSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if src.Status == "" {
		src.Status = model.SourceStatusActive
	}
	src.CreatedAt, src.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_sources (id, name, provider_name, source_type, configuration, status, error_count, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.ProviderName, string(src.SourceType), nullString(nullableJSON(src.Configuration)),
		string(src.Status), src.ErrorCount, src.LastError, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("data source already exists: " + src.ID)
		}
		return eris.Wrapf(err, "sqlite: insert source %s", src.ID)
	}
	return nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.DataSource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM data_sources WHERE id = ?`, id)
	src, err := scanSQLiteSource(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("data source", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source %s", id)
	}
	return src, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context, filter SourceFilter) ([]model.DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, string(filter.SourceType))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DataSource
	for rows.Next() {
		src, err := scanSQLiteSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) SetSourceStatus(ctx context.Context, id string, status model.SourceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_sources
		 SET status = ?1, updated_at = ?2,
		     error_count = CASE WHEN ?1 = 'active' THEN 0 ELSE error_count END
		 WHERE id = ?3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set source status %s", id)
	}
	return checkRowsAffected(res, "data source", id)
}

func (s *SQLiteStore) AcquireSource(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.SourceStatusSyncing), time.Now().UTC(), id, string(model.SourceStatusActive),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire source %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseSource(ctx context.Context, id string, outcome SyncOutcome) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case outcome.UnlockOnly:
		res, err = s.db.ExecContext(ctx,
			`UPDATE data_sources SET status = 'active', updated_at = ? WHERE id = ? AND status = 'syncing'`,
			now, id,
		)
	case outcome.Success:
		res, err = s.db.ExecContext(ctx,
			`UPDATE data_sources
			 SET status = 'active', last_sync_at = ?, error_count = 0, last_error = '', updated_at = ?
			 WHERE id = ? AND status = 'syncing'`,
			now, now, id,
		)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE data_sources
			 SET status = CASE WHEN error_count + 1 >= ? THEN 'error' ELSE 'active' END,
			     error_count = error_count + 1, last_error = ?, updated_at = ?
			 WHERE id = ? AND status = 'syncing'`,
			maxErrors(outcome), outcome.Error, now, id,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: release source %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: source %s was not syncing", id)
	}
	return nil
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, sourceID string, jobType model.JobType) (*model.IngestionJob, error) {
	job := &model.IngestionJob{
		ID:           uuid.New().String(),
		DataSourceID: sourceID,
		Status:       model.JobStatusPending,
		JobType:      jobType,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (id, data_source_id, status, job_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.DataSourceID, string(job.Status), string(job.JobType), job.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert job for source %s", sourceID)
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("job", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE 1=1`
	var args []any
	if filter.DataSourceID != "" {
		query += ` AND data_source_id = ?`
		args = append(args, filter.DataSourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.StartedBefore.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, filter.StartedBefore.UTC())
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, LimitOr(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.IngestionJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus, upd model.JobUpdate) (bool, error) {
	if err := validateTransition(from, to); err != nil {
		return false, err
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, upd.StartedAt.UTC())
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, upd.CompletedAt.UTC())
	}
	if upd.Stats != nil {
		sets = append(sets, "products_found = ?", "products_new = ?", "products_updated = ?", "products_duplicates = ?", "products_errors = ?")
		args = append(args, upd.Stats.ProductsFound, upd.Stats.ProductsNew, upd.Stats.ProductsUpdated, upd.Stats.ProductsDuplicates, upd.Stats.ProductsErrors)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) UpdateJobStats(ctx context.Context, id string, stats model.JobStats) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs
		 SET products_found = ?, products_new = ?, products_updated = ?, products_duplicates = ?, products_errors = ?
		 WHERE id = ?`,
		stats.ProductsFound, stats.ProductsNew, stats.ProductsUpdated, stats.ProductsDuplicates, stats.ProductsErrors, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job stats %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

// --- Logs ---

func (s *SQLiteStore) AppendLog(ctx context.Context, entry *model.IngestionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_logs (id, job_id, log_level, message, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, string(entry.Level), entry.Message, nullString(nullableJSON(entry.Details)), entry.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append log for job %s", entry.JobID)
}

func (s *SQLiteStore) ListLogs(ctx context.Context, jobID string, limit int) ([]model.IngestionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, log_level, message, details, created_at FROM ingestion_logs
		 WHERE job_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		jobID, LimitOr(limit, 50),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list logs for job %s", jobID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.IngestionLog
	for rows.Next() {
		var l model.IngestionLog
		var details sql.NullString
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &details, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log")
		}
		if details.Valid {
			l.Details = json.RawMessage(details.String)
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list logs iterate")
}

// --- Products ---

func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *model.ProductCatalogEntry) (bool, error) {
	if p.ExternalID == "" {
		return false, apperr.Validation("external_id is required", map[string]string{"external_id": "required"})
	}
	blobs, err := encodeProduct(p)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = model.ProductStatusActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	var existingID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM product_catalog WHERE data_source_id = ? AND external_id = ?`,
		p.DataSourceID, p.ExternalID,
	).Scan(&existingID, &createdAt)
	isNew := err == sql.ErrNoRows
	if err != nil && !isNew {
		return false, eris.Wrap(err, "sqlite: lookup product")
	}

	if isNew {
		p.ID = uuid.New().String()
		p.CreatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO product_catalog (`+productColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.DataSourceID, p.ExternalID, p.InsurerName, p.ProductName, p.PolicyType,
			p.PremiumAmount, p.PremiumFrequency, p.Currency, p.CoverageSummary, string(blobs.Limits),
			string(blobs.Benefits), string(blobs.Exclusions), string(blobs.AddOns), string(blobs.Contact), string(blobs.Regions), string(blobs.Tags),
			utcPtr(p.ValidFrom), utcPtr(p.ValidUntil), p.AISummary, nullString(nullableJSON(p.AINormalizedData)), string(p.Status),
			now, now, now,
		)
	} else {
		p.ID = existingID
		p.CreatedAt = createdAt
		_, err = tx.ExecContext(ctx,
			`UPDATE product_catalog SET
				insurer_name = ?, product_name = ?, policy_type = ?, premium_amount = ?, premium_frequency = ?,
				currency = ?, coverage_summary = ?, coverage_limits = ?, benefits = ?, exclusions = ?, add_ons = ?,
				contact_info = ?, availability_regions = ?, tags = ?, valid_from = ?, valid_until = ?,
				ai_summary = ?, ai_normalized_data = ?, status = ?, last_verified_at = ?, last_updated_at = ?
			 WHERE id = ?`,
			p.InsurerName, p.ProductName, p.PolicyType, p.PremiumAmount, p.PremiumFrequency,
			p.Currency, p.CoverageSummary, string(blobs.Limits), string(blobs.Benefits), string(blobs.Exclusions), string(blobs.AddOns),
			string(blobs.Contact), string(blobs.Regions), string(blobs.Tags), utcPtr(p.ValidFrom), utcPtr(p.ValidUntil),
			p.AISummary, nullString(nullableJSON(p.AINormalizedData)), string(p.Status), now, now,
			p.ID,
		)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert product %s/%s", p.DataSourceID, p.ExternalID)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit upsert")
	}

	p.LastUpdatedAt = now
	p.LastVerifiedAt = &now
	return isNew, nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*model.ProductCatalogEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM product_catalog WHERE id = ?`, id)
	p, err := scanSQLiteProduct(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("product", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get product %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.ProductCatalogEntry, error) {
	query := `SELECT ` + productColumns + ` FROM product_catalog WHERE 1=1`
	var args []any
	if filter.DataSourceID != "" {
		query += ` AND data_source_id = ?`
		args = append(args, filter.DataSourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AfterID != "" {
		query += ` AND id > ?`
		args = append(args, filter.AfterID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, LimitOr(filter.Limit, 500))
	return s.queryProducts(ctx, query, args...)
}

func (s *SQLiteStore) ListDuplicateCandidates(ctx context.Context, q CandidateQuery) ([]model.ProductCatalogEntry, error) {
	if q.PolicyType == "" && q.InsurerName == "" {
		return nil, nil
	}
	return s.queryProducts(ctx,
		`SELECT `+productColumns+` FROM product_catalog
		 WHERE id <> ? AND status = 'active'
		   AND ((? <> '' AND policy_type = ?) OR (? <> '' AND lower(insurer_name) = lower(?)))
		 ORDER BY last_updated_at DESC LIMIT ?`,
		q.ExcludeID, q.PolicyType, q.PolicyType, q.InsurerName, q.InsurerName, LimitOr(q.Limit, 200),
	)
}

func (s *SQLiteStore) ProductStats(ctx context.Context) (*model.ProductStats, error) {
	stats := &model.ProductStats{
		ByPolicyType: make(map[string]int),
		BySource:     make(map[string]int),
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0) FROM product_catalog`,
	).Scan(&stats.Total, &stats.Active)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: product totals")
	}
	if err := s.groupCount(ctx, `SELECT policy_type, COUNT(*) FROM product_catalog GROUP BY policy_type`, stats.ByPolicyType); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT data_source_id, COUNT(*) FROM product_catalog GROUP BY data_source_id`, stats.BySource); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteStore) groupCount(ctx context.Context, query string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return eris.Wrap(err, "sqlite: group count")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return eris.Wrap(err, "sqlite: scan group count")
		}
		dst[key] = n
	}
	return eris.Wrap(rows.Err(), "sqlite: group count iterate")
}

func (s *SQLiteStore) queryProducts(ctx context.Context, query string, args ...any) ([]model.ProductCatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query products")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProductCatalogEntry
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query products iterate")
}

// --- Duplicates ---

func (s *SQLiteStore) CreateDuplicate(ctx context.Context, d *model.DuplicateDetection) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = model.DuplicateStatusPending
	}
	d.CreatedAt = time.Now().UTC()
	fields, err := json.Marshal(d.MatchingFields)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal matching fields")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO duplicate_detections (id, product_id, duplicate_product_id, similarity_score, matching_fields, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		d.ID, d.ProductID, d.DuplicateProductID, d.SimilarityScore, string(fields), string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert duplicate")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListDuplicates(ctx context.Context, filter DuplicateFilter) ([]model.DuplicateDetection, error) {
	query := `SELECT id, product_id, duplicate_product_id, similarity_score, matching_fields, status, created_at
		FROM duplicate_detections WHERE 1=1`
	var args []any
	if filter.ProductID != "" {
		query += ` AND product_id = ?`
		args = append(args, filter.ProductID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY similarity_score DESC, created_at DESC LIMIT ?`
	args = append(args, LimitOr(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list duplicates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DuplicateDetection
	for rows.Next() {
		var d model.DuplicateDetection
		var fields string
		if err := rows.Scan(&d.ID, &d.ProductID, &d.DuplicateProductID, &d.SimilarityScore, &fields, &d.Status, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan duplicate")
		}
		if err := json.Unmarshal([]byte(fields), &d.MatchingFields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal matching fields")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list duplicates iterate")
}

func (s *SQLiteStore) SetDuplicateStatus(ctx context.Context, id string, status model.DuplicateStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE duplicate_detections SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set duplicate status %s", id)
	}
	return checkRowsAffected(res, "duplicate detection", id)
}

// --- Alerts ---

func (s *SQLiteStore) RaiseAlert(ctx context.Context, a *model.ConsistencyAlert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = model.AlertStatusActive
	a.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consistency_alerts (id, product_id, alert_type, severity, message, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		a.ID, a.ProductID, a.AlertType, string(a.Severity), a.Message, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: raise alert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ResolveAlertTypes(ctx context.Context, productID string, alertTypes []string) (int, error) {
	if len(alertTypes) == 0 {
		return 0, nil
	}
	args := []any{time.Now().UTC(), productID}
	for _, t := range alertTypes {
		args = append(args, t)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(alertTypes)), ", ")
	res, err := s.db.ExecContext(ctx,
		`UPDATE consistency_alerts SET status = 'resolved', resolved_at = ?
		 WHERE product_id = ? AND status = 'active' AND alert_type IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: resolve alerts for product %s", productID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.ConsistencyAlert, error) {
	query := `SELECT id, product_id, alert_type, severity, message, status, created_at, resolved_at
		FROM consistency_alerts WHERE 1=1`
	var args []any
	if filter.ProductID != "" {
		query += ` AND product_id = ?`
		args = append(args, filter.ProductID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, LimitOr(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list alerts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ConsistencyAlert
	for rows.Next() {
		var a model.ConsistencyAlert
		if err := rows.Scan(&a.ID, &a.ProductID, &a.AlertType, &a.Severity, &a.Message, &a.Status, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list alerts iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSource(row scannable) (*model.DataSource, error) {
	var src model.DataSource
	var cfg sql.NullString
	if err := row.Scan(&src.ID, &src.Name, &src.ProviderName, &src.SourceType, &cfg, &src.Status,
		&src.LastSyncAt, &src.ErrorCount, &src.LastError, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return nil, err
	}
	if cfg.Valid {
		src.Configuration = json.RawMessage(cfg.String)
	}
	return &src, nil
}

func scanSQLiteJob(row scannable) (*model.IngestionJob, error) {
	var j model.IngestionJob
	if err := row.Scan(&j.ID, &j.DataSourceID, &j.Status, &j.JobType, &j.StartedAt, &j.CompletedAt,
		&j.Stats.ProductsFound, &j.Stats.ProductsNew, &j.Stats.ProductsUpdated, &j.Stats.ProductsDuplicates, &j.Stats.ProductsErrors,
		&j.ErrorMessage, &j.CreatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanSQLiteProduct(row scannable) (*model.ProductCatalogEntry, error) {
	var p model.ProductCatalogEntry
	var premium sql.NullFloat64
	var aiSummary, aiData sql.NullString
	var limits, benefits, exclusions, addOns, contact, regions, tags sql.NullString

	if err := row.Scan(&p.ID, &p.DataSourceID, &p.ExternalID, &p.InsurerName, &p.ProductName, &p.PolicyType,
		&premium, &p.PremiumFrequency, &p.Currency, &p.CoverageSummary, &limits,
		&benefits, &exclusions, &addOns, &contact, &regions, &tags,
		&p.ValidFrom, &p.ValidUntil, &aiSummary, &aiData, &p.Status,
		&p.LastVerifiedAt, &p.LastUpdatedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	if premium.Valid {
		v := premium.Float64
		p.PremiumAmount = &v
	}
	if aiSummary.Valid {
		v := aiSummary.String
		p.AISummary = &v
	}
	if aiData.Valid {
		p.AINormalizedData = json.RawMessage(aiData.String)
	}
	err := decodeProduct(&p, productBlobs{
		Limits:     []byte(limits.String),
		Benefits:   []byte(benefits.String),
		Exclusions: []byte(exclusions.String),
		AddOns:     []byte(addOns.String),
		Contact:    []byte(contact.String),
		Regions:    []byte(regions.String),
		Tags:       []byte(tags.String),
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func maxErrors(o SyncOutcome) int {
	if o.MaxErrors <= 0 {
		return 5
	}
	return o.MaxErrors
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

package dashboard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func runJob(t *testing.T, st store.Store, sourceID string, final model.JobStatus) *model.IngestionJob {
	t.Helper()
	ctx := context.Background()
	job, err := st.CreateJob(ctx, sourceID, model.JobTypeManual)
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = st.TransitionJob(ctx, job.ID, model.JobStatusPending, model.JobStatusRunning, model.JobUpdate{StartedAt: &now})
	require.NoError(t, err)
	if final != model.JobStatusRunning {
		_, err = st.TransitionJob(ctx, job.ID, model.JobStatusRunning, final, model.JobUpdate{CompletedAt: &now})
		require.NoError(t, err)
	}
	return job
}

func TestCollector_Snapshot(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, st.CreateSource(ctx, &model.DataSource{
			ID: id, Name: id, SourceType: model.SourceTypeAPI, Status: model.SourceStatusActive,
			Configuration: []byte(`{"api_endpoint":"https://x"}`),
		}))
	}
	require.NoError(t, st.SetSourceStatus(ctx, "b", model.SourceStatusError))

	runJob(t, st, "a", model.JobStatusCompleted)
	runJob(t, st, "a", model.JobStatusCompleted)
	runJob(t, st, "a", model.JobStatusFailed)
	runJob(t, st, "b", model.JobStatusRunning)

	p1 := &model.ProductCatalogEntry{DataSourceID: "a", ExternalID: "1", ProductName: "Home", PolicyType: "home", Status: model.ProductStatusActive}
	p2 := &model.ProductCatalogEntry{DataSourceID: "b", ExternalID: "2", ProductName: "Home", PolicyType: "home", Status: model.ProductStatusActive}
	for _, p := range []*model.ProductCatalogEntry{p1, p2} {
		_, err := st.UpsertProduct(ctx, p)
		require.NoError(t, err)
	}
	_, err := st.CreateDuplicate(ctx, &model.DuplicateDetection{
		ProductID: p2.ID, DuplicateProductID: p1.ID, SimilarityScore: 91,
		MatchingFields: []string{"product_name"}, Status: model.DuplicateStatusPending,
	})
	require.NoError(t, err)
	_, err = st.RaiseAlert(ctx, &model.ConsistencyAlert{
		ProductID: p1.ID, AlertType: "missing_insurer", Severity: model.SeverityCritical,
		Message: "Insurer name is missing", Status: model.AlertStatusActive,
	})
	require.NoError(t, err)

	snap, err := NewCollector(st, 3).Snapshot(ctx)
	require.NoError(t, err)

	assert.Len(t, snap.Sources, 2)
	assert.Equal(t, map[string]int{"active": 1, "error": 1}, snap.SourcesByStatus)
	assert.Len(t, snap.RecentJobs, 3, "limited to recent_jobs")
	assert.Len(t, snap.RunningJobs, 1)
	assert.Len(t, snap.ActiveAlerts, 1)
	assert.Equal(t, map[string]int{"critical": 1}, snap.AlertsBySeverity)
	assert.Len(t, snap.PendingDuplicates, 1)
	assert.Equal(t, 2, snap.Products.Total)
	assert.Equal(t, 2, snap.Products.ByPolicyType["home"])
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_EmptyStore(t *testing.T) {
	snap, err := NewCollector(newStore(t), 0).Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.Sources)
	assert.NotNil(t, snap.RecentJobs)
	assert.NotNil(t, snap.ActiveAlerts)
	assert.NotNil(t, snap.PendingDuplicates)
	assert.Zero(t, snap.Jobs.FailureRate)
}

func TestSummarizeJobs(t *testing.T) {
	jobs := []model.IngestionJob{
		{Status: model.JobStatusCompleted}, {Status: model.JobStatusCompleted}, {Status: model.JobStatusCompleted},
		{Status: model.JobStatusFailed}, {Status: model.JobStatusCancelled}, {Status: model.JobStatusRunning},
		{Status: model.JobStatusPending},
	}
	sum := summarizeJobs(jobs)
	assert.Equal(t, JobSummary{
		Total: 7, Pending: 1, Running: 1, Completed: 3, Failed: 1, Cancelled: 1, FailureRate: 0.25,
	}, sum)
}

package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/model"
)

var collectedAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestEvaluate_Healthy(t *testing.T) {
	e := NewEvaluator(config.DashboardConfig{}, time.Hour)
	snap := &Snapshot{
		CollectedAt: collectedAt,
		Sources: []model.DataSource{
			{ID: "a", Status: model.SourceStatusActive, LastSyncAt: ptr(collectedAt.Add(-time.Hour))},
			{ID: "p", Status: model.SourceStatusPaused, CreatedAt: collectedAt.Add(-30 * 24 * time.Hour)},
		},
		Jobs: JobSummary{Completed: 9, Failed: 1, FailureRate: 0.1},
	}
	assert.Empty(t, e.Evaluate(snap))
}

func TestEvaluate_FailureRate(t *testing.T) {
	e := NewEvaluator(config.DashboardConfig{FailureRateThreshold: 0.2}, time.Hour)

	snap := &Snapshot{CollectedAt: collectedAt, Jobs: JobSummary{Completed: 6, Failed: 4, FailureRate: 0.4}}
	warnings := e.Evaluate(snap)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarningFailureRate, warnings[0].Type)
	assert.Equal(t, "high", warnings[0].Severity)
	assert.Contains(t, warnings[0].Message, "40.0%")

	small := &Snapshot{CollectedAt: collectedAt, Jobs: JobSummary{Completed: 1, Failed: 3, FailureRate: 0.75}}
	assert.Empty(t, e.Evaluate(small), "too few finished jobs")
}

func TestEvaluate_Sources(t *testing.T) {
	e := NewEvaluator(config.DashboardConfig{StaleSyncHours: 24}, time.Hour)
	snap := &Snapshot{
		CollectedAt: collectedAt,
		Sources: []model.DataSource{
			{ID: "err-2", Status: model.SourceStatusError},
			{ID: "err-1", Status: model.SourceStatusError},
			{ID: "old", Status: model.SourceStatusActive, LastSyncAt: ptr(collectedAt.Add(-25 * time.Hour))},
			{ID: "never", Status: model.SourceStatusActive, CreatedAt: collectedAt.Add(-48 * time.Hour)},
			{ID: "new", Status: model.SourceStatusActive, CreatedAt: collectedAt.Add(-time.Hour)},
			{ID: "busy", Status: model.SourceStatusSyncing, CreatedAt: collectedAt.Add(-48 * time.Hour)},
		},
	}
	warnings := e.Evaluate(snap)
	require.Len(t, warnings, 2)
	assert.Equal(t, WarningSourceError, warnings[0].Type)
	assert.Equal(t, []string{"err-1", "err-2"}, warnings[0].Details["source_ids"])
	assert.Equal(t, WarningStaleSync, warnings[1].Type)
	assert.Equal(t, []string{"never", "old"}, warnings[1].Details["source_ids"])
}

func TestEvaluate_StuckJobs(t *testing.T) {
	e := NewEvaluator(config.DashboardConfig{}, 30*time.Minute)
	snap := &Snapshot{
		CollectedAt: collectedAt,
		RunningJobs: []model.IngestionJob{
			{ID: "slow", Status: model.JobStatusRunning, StartedAt: ptr(collectedAt.Add(-2 * time.Hour))},
			{ID: "fresh", Status: model.JobStatusRunning, StartedAt: ptr(collectedAt.Add(-time.Minute))},
		},
	}
	warnings := e.Evaluate(snap)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarningStuckJob, warnings[0].Type)
	assert.Equal(t, []string{"slow"}, warnings[0].Details["job_ids"])
}

func TestNotifier_Send(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var w2 Warning
		if err := json.NewDecoder(r.Body).Decode(&w2); err != nil || w2.Type == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if w2.Type == WarningStuckJob {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	sent := n.Send(context.Background(), []Warning{
		{Type: WarningSourceError, Severity: "high"},
		{Type: WarningStuckJob, Severity: "medium"},
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())

	assert.Zero(t, NewNotifier("").Send(context.Background(), []Warning{{Type: WarningSourceError}}))
}

func TestChecker_Check(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSource(ctx, &model.DataSource{
		ID: "a", Name: "a", SourceType: model.SourceTypeAPI, Status: model.SourceStatusActive,
		Configuration: []byte(`{"api_endpoint":"https://x"}`),
	}))
	require.NoError(t, st.SetSourceStatus(ctx, "a", model.SourceStatusError))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewChecker(NewCollector(st, 10), NewEvaluator(config.DashboardConfig{}, time.Hour), NewNotifier(srv.URL), time.Minute)
	warnings := c.check(ctx, zap.NewNop())
	require.Len(t, warnings, 1)
	assert.Equal(t, WarningSourceError, warnings[0].Type)
	assert.Equal(t, int32(1), hits.Load())
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(NewCollector(newStore(t), 0), NewEvaluator(config.DashboardConfig{}, 0), NewNotifier(""), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop")
	}
}

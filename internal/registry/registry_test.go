package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st), st
}

func apiSource(id string) *model.DataSource {
	return &model.DataSource{
		ID:            id,
		Name:          "Acme API " + id,
		ProviderName:  "Acme",
		SourceType:    model.SourceTypeAPI,
		Configuration: json.RawMessage(`{"api_endpoint":"https://x/products"}`),
	}
}

func TestCreateSource_DefaultsToActive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	src := apiSource("")
	require.NoError(t, reg.CreateSource(ctx, src))
	assert.NotEmpty(t, src.ID)

	got, err := reg.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusActive, got.Status)
}

func TestCreateSource_Validation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		mut   func(*model.DataSource)
		field string
	}{
		{"missing name", func(s *model.DataSource) { s.Name = " " }, "name"},
		{"bad type", func(s *model.DataSource) { s.SourceType = "fax" }, "source_type"},
		{"syncing status", func(s *model.DataSource) { s.Status = model.SourceStatusSyncing }, "status"},
		{"invalid json", func(s *model.DataSource) { s.Configuration = json.RawMessage(`{`) }, "configuration"},
		{"array config", func(s *model.DataSource) { s.Configuration = json.RawMessage(`[]`) }, "configuration"},
		{"no endpoint", func(s *model.DataSource) { s.Configuration = json.RawMessage(`{"method":"GET"}`) }, "configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := apiSource("")
			tt.mut(src)
			err := reg.CreateSource(ctx, src)
			require.Error(t, err)
			ae, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.KindValidation, ae.Kind)
			assert.Contains(t, ae.Fields, tt.field)
		})
	}
}

func TestCreateSource_ScraperWithoutURLs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src := &model.DataSource{Name: "Webhook", SourceType: model.SourceTypeScraper}
	require.NoError(t, reg.CreateSource(context.Background(), src))
}

func TestGetSource_NotFoundAndEmptyID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.GetSource(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = reg.GetSource(ctx, "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRequireActive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	active := apiSource("active")
	require.NoError(t, reg.CreateSource(ctx, active))
	paused := apiSource("paused")
	paused.Status = model.SourceStatusPaused
	require.NoError(t, reg.CreateSource(ctx, paused))

	got, err := reg.RequireActive(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, "active", got.ID)

	_, err = reg.RequireActive(ctx, "paused")
	require.Error(t, err)
	assert.True(t, apperr.IsSourceNotActive(err))
	assert.Equal(t, 403, apperr.StatusCode(err))
	assert.Contains(t, err.Error(), "status: paused")

	_, err = reg.RequireActive(ctx, "nope")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListSources_Filters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.CreateSource(ctx, apiSource("a")))
	feed := &model.DataSource{
		ID: "f", Name: "Feed", SourceType: model.SourceTypeFeed, Status: model.SourceStatusPaused,
		Configuration: json.RawMessage(`{"feed_url":"ftp://feeds.example.com/p.csv","format":"csv"}`),
	}
	require.NoError(t, reg.CreateSource(ctx, feed))

	all, err := reg.ListSources(ctx, store.SourceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	paused, err := reg.ListSources(ctx, store.SourceFilter{Status: model.SourceStatusPaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "f", paused[0].ID)

	none, err := reg.ListSources(ctx, store.SourceFilter{SourceType: model.SourceTypeRegulator})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = reg.ListSources(ctx, store.SourceFilter{Status: "bogus"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSetStatus(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.CreateSource(ctx, apiSource("s1")))

	got, err := reg.SetStatus(ctx, "s1", model.SourceStatusPaused)
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusPaused, got.Status)

	_, err = reg.SetStatus(ctx, "s1", model.SourceStatusSyncing)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	// Reactivating an errored source clears its error count.
	require.NoError(t, reg.store.SetSourceStatus(ctx, "s1", model.SourceStatusActive))
	ok, err := st.AcquireSource(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.ReleaseSource(ctx, "s1", store.SyncOutcome{Error: "boom", MaxErrors: 1}))

	errored, err := reg.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusError, errored.Status)
	assert.Equal(t, 1, errored.ErrorCount)

	got, err = reg.SetStatus(ctx, "s1", model.SourceStatusActive)
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusActive, got.Status)
	assert.Equal(t, 0, got.ErrorCount)
}

func TestSetStatus_RefusesSyncingSource(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.CreateSource(ctx, apiSource("s1")))
	ok, err := st.AcquireSource(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = reg.SetStatus(ctx, "s1", model.SourceStatusPaused)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = reg.SetStatus(ctx, "missing", model.SourceStatusPaused)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestEnsureSource_Idempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	webhook := func() *model.DataSource {
		return &model.DataSource{ID: "ai-product-ingest", Name: "AI product ingest", SourceType: model.SourceTypeScraper}
	}

	first, err := reg.EnsureSource(ctx, webhook())
	require.NoError(t, err)
	second, err := reg.EnsureSource(ctx, webhook())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := reg.ListSources(ctx, store.SourceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLoadSourcesFromFileAndSeed(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "sources.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"acme","name":"Acme API","source_type":"api","configuration":{"api_endpoint":"https://x/products"}},
		{"id":"regs","name":"FSCA register","source_type":"regulator","configuration":{"api_endpoint":"https://r/register"}}
	]`), 0o644))

	sources, err := LoadSourcesFromFile(path)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	n, err := reg.Seed(ctx, sources)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = reg.Seed(ctx, sources)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLoadSourcesFromFile_Errors(t *testing.T) {
	_, err := LoadSourcesFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	_, err = LoadSourcesFromFile(path)
	require.Error(t, err)
}

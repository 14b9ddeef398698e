package dedup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

func ptr(f float64) *float64 { return &f }

func homeShield(source, externalID string) *model.ProductCatalogEntry {
	return &model.ProductCatalogEntry{
		DataSourceID:     source,
		ExternalID:       externalID,
		InsurerName:      "Acme Insurance Ltd.",
		ProductName:      "Home Shield",
		PolicyType:       "home",
		PremiumAmount:    ptr(12.5),
		PremiumFrequency: "monthly",
		Currency:         "USD",
		CoverageSummary:  "Fire, theft and flood cover",
	}
}

func TestNormalizeInsurer(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Insurance Ltd.", "acme insurance"},
		{"ACME Insurance Limited", "acme insurance"},
		{"Société Générale S.A.", "societe generale"},
		{"Smith & Sons Co", "smith and sons"},
		{"Ltd", "ltd"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeInsurer(tt.in))
		})
	}
}

func TestCompare_Identical(t *testing.T) {
	a := homeShield("s1", "A1")
	b := homeShield("s2", "HS-1")
	b.InsurerName = "ACME Insurance Limited"

	cmp := Compare(a, b, 0.1)
	assert.Equal(t, 100.0, cmp.Score)
	assert.Equal(t,
		[]string{FieldInsurer, FieldProduct, FieldPolicyType, FieldPremium, FieldCoverage},
		cmp.MatchingFields(0.8))
}

func TestCompare_PremiumWithinTolerance(t *testing.T) {
	a := homeShield("s1", "A1")
	b := homeShield("s2", "B1")
	b.PremiumAmount = ptr(13.0)
	b.CoverageSummary = ""

	cmp := Compare(a, b, 0.1)
	assert.InDelta(t, 0.615, cmp.Fields[FieldPremium], 0.001)
	assert.NotContains(t, cmp.Fields, FieldCoverage)
	assert.Greater(t, cmp.Score, 90.0)
	assert.Less(t, cmp.Score, 100.0)
	assert.NotContains(t, cmp.MatchingFields(0.8), FieldPremium)
}

func TestCompare_CurrencyOrFrequencyMismatch(t *testing.T) {
	a := homeShield("s1", "A1")

	b := homeShield("s2", "B1")
	b.Currency = "EUR"
	assert.Zero(t, Compare(a, b, 0.1).Fields[FieldPremium])

	c := homeShield("s2", "C1")
	c.PremiumFrequency = "annual"
	assert.Zero(t, Compare(a, c, 0.1).Fields[FieldPremium])
}

func TestCompare_ZeroTolerance(t *testing.T) {
	a := homeShield("s1", "A1")
	b := homeShield("s2", "B1")
	assert.Equal(t, 1.0, premiumSimilarity(a, b, 0))

	b.PremiumAmount = ptr(12.6)
	assert.Equal(t, 0.0, premiumSimilarity(a, b, 0))
}

func TestCompare_DifferentProducts(t *testing.T) {
	a := homeShield("s1", "A1")
	b := &model.ProductCatalogEntry{
		InsurerName: "Globex Mutual",
		ProductName: "Wanderer Travel Cover",
		PolicyType:  "travel",
	}
	cmp := Compare(a, b, 0.1)
	assert.Less(t, cmp.Score, 40.0)
	assert.Empty(t, cmp.MatchingFields(0.8))
}

func TestCompare_MissingProductName(t *testing.T) {
	a := homeShield("s1", "A1")
	b := homeShield("s2", "B1")
	b.ProductName = "  "

	cmp := Compare(a, b, 0.1)
	assert.Zero(t, cmp.Score)
	assert.Empty(t, cmp.MatchingFields(0.8))
}

func TestCompare_Symmetric(t *testing.T) {
	a := homeShield("s1", "A1")
	b := homeShield("s2", "B1")
	b.ProductName = "Home Shield Plus"
	b.PremiumAmount = ptr(12.0)

	assert.Equal(t, Compare(a, b, 0.1).Score, Compare(b, a, 0.1).Score)
}

func newTestDetector(t *testing.T) (*Detector, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, config.DedupConfig{}), st
}

func upsert(t *testing.T, st store.Store, p *model.ProductCatalogEntry) *model.ProductCatalogEntry {
	t.Helper()
	_, err := st.UpsertProduct(context.Background(), p)
	require.NoError(t, err)
	return p
}

func TestDetectDuplicates(t *testing.T) {
	det, st := newTestDetector(t)
	ctx := context.Background()

	existing := upsert(t, st, homeShield("s1", "A1"))
	upsert(t, st, &model.ProductCatalogEntry{
		DataSourceID: "s1", ExternalID: "T1",
		InsurerName: "Globex Mutual", ProductName: "Wanderer", PolicyType: "travel",
	})
	incoming := homeShield("s2", "HS-1")
	incoming.InsurerName = "ACME Insurance Limited"
	upsert(t, st, incoming)

	found, err := det.DetectDuplicates(ctx, incoming.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, incoming.ID, found[0].ProductID)
	assert.Equal(t, existing.ID, found[0].DuplicateProductID)
	assert.Equal(t, 100.0, found[0].SimilarityScore)
	assert.Equal(t, model.DuplicateStatusPending, found[0].Status)
	assert.Contains(t, found[0].MatchingFields, FieldProduct)

	// A second pass leaves the stored pair alone.
	_, err = det.DetectDuplicates(ctx, incoming.ID)
	require.NoError(t, err)
	stored, err := det.List(ctx, store.DuplicateFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestDetectDuplicates_BelowThreshold(t *testing.T) {
	det, st := newTestDetector(t)
	ctx := context.Background()

	upsert(t, st, homeShield("s1", "A1"))
	other := &model.ProductCatalogEntry{
		DataSourceID: "s2", ExternalID: "B1",
		InsurerName: "Globex Mutual", ProductName: "Castle Contents", PolicyType: "home",
	}
	upsert(t, st, other)

	found, err := det.DetectDuplicates(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectDuplicates_OrderedByScore(t *testing.T) {
	det, st := newTestDetector(t)
	ctx := context.Background()

	exact := upsert(t, st, homeShield("s1", "A1"))
	near := homeShield("s3", "A2")
	near.PremiumAmount = ptr(12.9)
	upsert(t, st, near)
	incoming := upsert(t, st, homeShield("s2", "B1"))

	found, err := det.DetectDuplicates(ctx, incoming.ID)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, exact.ID, found[0].DuplicateProductID)
	assert.Equal(t, near.ID, found[1].DuplicateProductID)
	assert.Greater(t, found[0].SimilarityScore, found[1].SimilarityScore)
}

func TestDetectDuplicates_UnknownProduct(t *testing.T) {
	det, _ := newTestDetector(t)
	_, err := det.DetectDuplicates(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestReview(t *testing.T) {
	det, st := newTestDetector(t)
	ctx := context.Background()

	upsert(t, st, homeShield("s1", "A1"))
	incoming := upsert(t, st, homeShield("s2", "B1"))
	found, err := det.DetectDuplicates(ctx, incoming.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, det.Review(ctx, found[0].ID, model.DuplicateStatusConfirmed))
	confirmed, err := det.List(ctx, store.DuplicateFilter{Status: model.DuplicateStatusConfirmed})
	require.NoError(t, err)
	assert.Len(t, confirmed, 1)

	err = det.Review(ctx, found[0].ID, model.DuplicateStatusPending)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = det.Review(ctx, "missing", model.DuplicateStatusDismissed)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = det.List(ctx, store.DuplicateFilter{Status: "maybe"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

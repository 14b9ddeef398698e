package api

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/padlock-insure/padlock-ingest/internal/consistency"
	"github.com/padlock-insure/padlock-ingest/internal/ingest"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
	"github.com/padlock-insure/padlock-ingest/internal/productingest"
)

type mockIngestion struct {
	mock.Mock
}

func (m *mockIngestion) StartIngestion(ctx context.Context, sourceID string, jobType model.JobType) (*ingest.Result, error) {
	args := m.Called(ctx, sourceID, jobType)
	res, _ := args.Get(0).(*ingest.Result)
	return res, args.Error(1)
}

func (m *mockIngestion) GetJobStatus(ctx context.Context, jobID string) (*ingest.JobStatus, error) {
	args := m.Called(ctx, jobID)
	res, _ := args.Get(0).(*ingest.JobStatus)
	return res, args.Error(1)
}

func (m *mockIngestion) CancelJob(ctx context.Context, jobID string) (*ingest.CancelResult, error) {
	args := m.Called(ctx, jobID)
	res, _ := args.Get(0).(*ingest.CancelResult)
	return res, args.Error(1)
}

func (m *mockIngestion) ListSources(ctx context.Context) ([]model.DataSource, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).([]model.DataSource)
	return res, args.Error(1)
}

type mockProductIngest struct {
	mock.Mock
}

func (m *mockProductIngest) Ingest(ctx context.Context, req productingest.Request) (*productingest.Response, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*productingest.Response)
	return res, args.Error(1)
}

type mockNormalizer struct {
	mock.Mock
}

func (m *mockNormalizer) Normalize(ctx context.Context, raw normalize.RawRecord, mapping map[string]string) (*normalize.NormalizedProduct, error) {
	args := m.Called(ctx, raw, mapping)
	res, _ := args.Get(0).(*normalize.NormalizedProduct)
	return res, args.Error(1)
}

type mockDuplicates struct {
	mock.Mock
}

func (m *mockDuplicates) DetectDuplicates(ctx context.Context, productID string) ([]model.DuplicateDetection, error) {
	args := m.Called(ctx, productID)
	res, _ := args.Get(0).([]model.DuplicateDetection)
	return res, args.Error(1)
}

type mockScraper struct {
	mock.Mock
}

func (m *mockScraper) ScrapeProducts(ctx context.Context, pageURL string, rules json.RawMessage) ([]map[string]any, error) {
	args := m.Called(ctx, pageURL, rules)
	res, _ := args.Get(0).([]map[string]any)
	return res, args.Error(1)
}

type mockConsistency struct {
	mock.Mock
}

func (m *mockConsistency) RunConsistencyCheck(ctx context.Context) (*consistency.Summary, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*consistency.Summary)
	return res, args.Error(1)
}

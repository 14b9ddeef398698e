package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/dashboard"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
	"github.com/padlock-insure/padlock-ingest/internal/productingest"
)

// Data ingestion actions.
const (
	actionStartIngestion = "start_ingestion"
	actionGetJobStatus   = "get_job_status"
	actionListSources    = "list_sources"
	actionCancelJob      = "cancel_job"
)

type dataIngestionRequest struct {
	Action       string        `json:"action"`
	DataSourceID string        `json:"data_source_id"`
	JobID        string        `json:"job_id"`
	JobType      model.JobType `json:"job_type"`
}

func (s *Server) handleDataIngestion(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestion == nil {
		unavailable(w, "ingestion")
		return
	}
	var req dataIngestionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	switch req.Action {
	case actionStartIngestion:
		if strings.TrimSpace(req.DataSourceID) == "" {
			writeError(w, r, apperr.Validation("data_source_id is required", map[string]string{"data_source_id": "required"}))
			return
		}
		res, err := s.deps.Ingestion.StartIngestion(ctx, req.DataSourceID, req.JobType)
		if err != nil {
			var extra map[string]any
			if res != nil {
				extra = map[string]any{"job_id": res.JobID, "stats": res.Stats}
			}
			writeErrorDetails(w, r, err, extra)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": res.Status == model.JobStatusCompleted,
			"job_id":  res.JobID,
			"status":  res.Status,
			"stats":   res.Stats,
		})

	case actionGetJobStatus:
		status, err := s.deps.Ingestion.GetJobStatus(ctx, req.JobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)

	case actionListSources:
		sources, err := s.deps.Ingestion.ListSources(ctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if sources == nil {
			sources = []model.DataSource{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sources": sources})

	case actionCancelJob:
		res, err := s.deps.Ingestion.CancelJob(ctx, req.JobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		writeError(w, r, apperr.Validation("unknown action", map[string]string{
			"action": "must be one of start_ingestion, get_job_status, list_sources, cancel_job",
		}))
	}
}

func (s *Server) handleProductIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.ProductIngest == nil {
		unavailable(w, "product ingest")
		return
	}
	var req productingest.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.ProductIngest.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type normalizeRequest struct {
	Product      map[string]any    `json:"product"`
	FieldMapping map[string]string `json:"field_mapping,omitempty"`
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Normalizer == nil {
		unavailable(w, "normalizer")
		return
	}
	var req normalizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Product) == 0 {
		writeError(w, r, apperr.Validation("product is required", map[string]string{"product": "required"}))
		return
	}
	p, err := s.deps.Normalizer.Normalize(r.Context(), normalize.RawRecord(req.Product), req.FieldMapping)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type detectRequest struct {
	ProductID string `json:"product_id"`
}

func (s *Server) handleDetectDuplicates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Duplicates == nil {
		unavailable(w, "duplicate detection")
		return
	}
	var req detectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		writeError(w, r, apperr.Validation("product_id is required", map[string]string{"product_id": "required"}))
		return
	}
	dups, err := s.deps.Duplicates.DetectDuplicates(r.Context(), req.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dups == nil {
		dups = []model.DuplicateDetection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"duplicates": dups})
}

type scrapeRequest struct {
	URL         string          `json:"url"`
	ScrapeRules json.RawMessage `json:"scrape_rules,omitempty"`
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scraper == nil {
		unavailable(w, "scraper")
		return
	}
	var req scrapeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	products, err := s.deps.Scraper.ScrapeProducts(r.Context(), req.URL, req.ScrapeRules)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if products == nil {
		products = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleConsistencyCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Consistency == nil {
		unavailable(w, "consistency check")
		return
	}
	sum, err := s.deps.Consistency.RunConsistencyCheck(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type dashboardResponse struct {
	*dashboard.Snapshot
	Warnings []dashboard.Warning `json:"warnings"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dashboard == nil {
		unavailable(w, "dashboard")
		return
	}
	snap, err := s.deps.Dashboard.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := dashboardResponse{Snapshot: snap, Warnings: []dashboard.Warning{}}
	if s.deps.Evaluator != nil {
		resp.Warnings = s.deps.Evaluator.Evaluate(snap)
	}
	writeJSON(w, http.StatusOK, resp)
}

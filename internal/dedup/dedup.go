// Package dedup flags likely duplicate catalog entries after a new product
// is inserted.
package dedup

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

// Detector compares a product with existing catalog entries.
type Detector struct {
	store store.Store
	cfg   config.DedupConfig
}

// New creates a Detector. Zero config values take the defaults.
func New(st store.Store, cfg config.DedupConfig) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 80
	}
	if cfg.PremiumTolerance <= 0 {
		cfg.PremiumTolerance = 0.1
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 200
	}
	if cfg.MatchFieldThreshold <= 0 {
		cfg.MatchFieldThreshold = 0.8
	}
	return &Detector{store: st, cfg: cfg}
}

// DetectDuplicates scores productID against candidates sharing its policy
// type or insurer and stores a pending detection for each score at or
// above the threshold. Existing pairs are left as they are. Results are
// ordered by score, highest first.
func (d *Detector) DetectDuplicates(ctx context.Context, productID string) ([]model.DuplicateDetection, error) {
	product, err := d.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	candidates, err := d.store.ListDuplicateCandidates(ctx, store.CandidateQuery{
		ExcludeID:   product.ID,
		PolicyType:  product.PolicyType,
		InsurerName: product.InsurerName,
		Limit:       d.cfg.MaxCandidates,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: candidates for %s", productID)
	}

	var found []model.DuplicateDetection
	for i := range candidates {
		c := &candidates[i]
		cmp := Compare(product, c, d.cfg.PremiumTolerance)
		if cmp.Score < d.cfg.Threshold {
			continue
		}
		det := model.DuplicateDetection{
			ProductID:          product.ID,
			DuplicateProductID: c.ID,
			SimilarityScore:    cmp.Score,
			MatchingFields:     cmp.MatchingFields(d.cfg.MatchFieldThreshold),
			Status:             model.DuplicateStatusPending,
		}
		created, err := d.store.CreateDuplicate(ctx, &det)
		if err != nil {
			return nil, eris.Wrapf(err, "dedup: store detection %s/%s", product.ID, c.ID)
		}
		if created {
			zap.L().Info("dedup: duplicate flagged",
				zap.String("product_id", product.ID),
				zap.String("duplicate_product_id", c.ID),
				zap.Float64("score", cmp.Score),
				zap.Strings("matching_fields", det.MatchingFields),
			)
		}
		found = append(found, det)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].SimilarityScore > found[j].SimilarityScore
	})
	return found, nil
}

// Review confirms or dismisses a detection.
func (d *Detector) Review(ctx context.Context, id string, status model.DuplicateStatus) error {
	if status != model.DuplicateStatusConfirmed && status != model.DuplicateStatusDismissed {
		return apperr.Validation("status must be confirmed or dismissed", map[string]string{"status": string(status)})
	}
	return d.store.SetDuplicateStatus(ctx, id, status)
}

// List returns detections matching filter.
func (d *Detector) List(ctx context.Context, filter store.DuplicateFilter) ([]model.DuplicateDetection, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("invalid duplicate status filter", map[string]string{"status": string(filter.Status)})
	}
	dups, err := d.store.ListDuplicates(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: list detections")
	}
	if dups == nil {
		dups = []model.DuplicateDetection{}
	}
	return dups, nil
}

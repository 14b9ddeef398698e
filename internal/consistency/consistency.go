// Package consistency evaluates catalog entries against data-quality rules
// and keeps their alerts current.
package consistency

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

// Evaluation is the outcome of checking one product.
type Evaluation struct {
	Fired    []string `json:"fired"`
	Raised   int      `json:"raised"`
	Resolved int      `json:"resolved"`
}

// Summary is the outcome of a full catalog check.
type Summary struct {
	ProductsChecked int `json:"products_checked"`
	AlertsRaised    int `json:"alerts_raised"`
	AlertsResolved  int `json:"alerts_resolved"`
}

// Checker applies a rule set to products.
type Checker struct {
	store     store.Store
	rules     []Rule
	batchSize int
	now       func() time.Time
}

// New creates a Checker from cfg, loading cfg.RulesFile when set.
func New(st store.Store, cfg config.ConsistencyConfig) (*Checker, error) {
	rules := DefaultRules(cfg.PremiumCeiling)
	if cfg.RulesFile != "" {
		var err error
		rules, err = LoadRules(cfg.RulesFile, cfg.PremiumCeiling)
		if err != nil {
			return nil, err
		}
	}
	return NewWithRules(st, rules, cfg.BatchSize), nil
}

// NewWithRules creates a Checker with an explicit rule set.
func NewWithRules(st store.Store, rules []Rule, batchSize int) *Checker {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Checker{
		store:     st,
		rules:     rules,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Rules returns the checker's rule set.
func (c *Checker) Rules() []Rule {
	return c.rules
}

// Fired returns the alert types whose rules fire for p. Each rule is
// evaluated on its own.
func (c *Checker) Fired(p *model.ProductCatalogEntry) []string {
	now := c.now()
	var fired []string
	for _, r := range c.rules {
		if r.Disabled || r.Fires == nil {
			continue
		}
		if r.Fires(p, now) {
			fired = append(fired, r.AlertType)
		}
	}
	return fired
}

// Evaluate raises an alert for each firing rule that has no active alert
// yet and resolves active alerts whose rule no longer fires.
func (c *Checker) Evaluate(ctx context.Context, p *model.ProductCatalogEntry) (*Evaluation, error) {
	now := c.now()
	ev := &Evaluation{Fired: []string{}}
	var quiet []string

	for _, r := range c.rules {
		if r.Disabled || r.Fires == nil || !r.Fires(p, now) {
			quiet = append(quiet, r.AlertType)
			continue
		}
		ev.Fired = append(ev.Fired, r.AlertType)

		raised, err := c.store.RaiseAlert(ctx, &model.ConsistencyAlert{
			ProductID: p.ID,
			AlertType: r.AlertType,
			Severity:  r.Severity,
			Message:   r.Message,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "consistency: raise %s for %s", r.AlertType, p.ID)
		}
		if raised {
			ev.Raised++
		}
	}

	resolved, err := c.store.ResolveAlertTypes(ctx, p.ID, quiet)
	if err != nil {
		return nil, eris.Wrapf(err, "consistency: resolve alerts for %s", p.ID)
	}
	ev.Resolved = resolved
	return ev, nil
}

// RunConsistencyCheck re-evaluates every active product in id order.
func (c *Checker) RunConsistencyCheck(ctx context.Context) (*Summary, error) {
	log := zap.L().With(zap.String("component", "consistency"))
	start := time.Now()
	sum := &Summary{}

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "consistency: check cancelled")
		}
		page, err := c.store.ListProducts(ctx, store.ProductFilter{
			Status:  model.ProductStatusActive,
			AfterID: afterID,
			Limit:   c.batchSize,
		})
		if err != nil {
			return sum, eris.Wrap(err, "consistency: list products")
		}
		for i := range page {
			ev, err := c.Evaluate(ctx, &page[i])
			if err != nil {
				return sum, err
			}
			sum.ProductsChecked++
			sum.AlertsRaised += ev.Raised
			sum.AlertsResolved += ev.Resolved
		}
		if len(page) < c.batchSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	log.Info("consistency check complete",
		zap.Int("products_checked", sum.ProductsChecked),
		zap.Int("alerts_raised", sum.AlertsRaised),
		zap.Int("alerts_resolved", sum.AlertsResolved),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sum, nil
}

package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker evaluates the dashboard on an interval and forwards warnings.
type Checker struct {
	collector *Collector
	evaluator *Evaluator
	notifier  *Notifier
	interval  time.Duration
}

// NewChecker creates a background checker. interval <= 0 means five minutes.
func NewChecker(collector *Collector, evaluator *Evaluator, notifier *Notifier, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{collector: collector, evaluator: evaluator, notifier: notifier, interval: interval}
}

// Run blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "dashboard.checker"))
	log.Info("starting dashboard checker", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("dashboard checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check runs one evaluation and returns the warnings found.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Warning {
	snap, err := c.collector.Snapshot(ctx)
	if err != nil {
		log.Error("dashboard: snapshot failed", zap.Error(err))
		return nil
	}
	warnings := c.evaluator.Evaluate(snap)
	if len(warnings) == 0 {
		log.Debug("dashboard: no warnings")
		return warnings
	}
	sent := c.notifier.Send(ctx, warnings)
	log.Info("dashboard: check complete", zap.Int("warnings", len(warnings)), zap.Int("sent", sent))
	return warnings
}

package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// SweepSummary counts outcomes of one sweep.
type SweepSummary struct {
	Results []Result `json:"results"`
	Errors  int      `json:"errors"`
}

// Sweep reconciles every pending batch matching f. A failing batch is logged
// and the sweep moves on.
func (e *Engine) Sweep(ctx context.Context, f credentials.PendingFilter) (SweepSummary, error) {
	var sum SweepSummary
	batches, err := e.store.FindPendingBatches(ctx, f)
	if err != nil {
		return sum, fmt.Errorf("list pending batches: %w", err)
	}
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := e.Reconcile(ctx, b.TxHash, b.ChainID)
		if err != nil {
			sum.Errors++
			e.logger.ErrorContext(ctx, "reconcile failed",
				"tx_hash", b.TxHash, "chain_id", b.ChainID, "space_id", b.SpaceID, "error", err)
			continue
		}
		sum.Results = append(sum.Results, res)
	}
	return sum, nil
}

// Run sweeps every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "reconcile poller started", "interval", interval.String())
	for {
		sum, err := e.Sweep(ctx, credentials.PendingFilter{})
		if err != nil && ctx.Err() == nil {
			e.logger.ErrorContext(ctx, "reconcile sweep failed", "error", err)
		} else if len(sum.Results) > 0 || sum.Errors > 0 {
			e.logger.DebugContext(ctx, "reconcile sweep complete", "batches", len(sum.Results), "errors", sum.Errors)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

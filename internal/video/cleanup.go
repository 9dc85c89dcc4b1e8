package video

import (
	"context"
	"log/slog"
	"time"
)

const sweepBatchSize = 50

// StartSweepLoop periodically reconciles long-running jobs against the
// provider, covering notifications that were never delivered.
func StartSweepLoop(ctx context.Context, o *Orchestrator, interval, minAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("sweep: shutting down")
				return
			case <-ticker.C:
				if n := o.SweepStale(ctx, minAge, sweepBatchSize); n > 0 {
					slog.Info("sweep: reconciled stale jobs", "count", n)
				}
			}
		}
	}()
}

package main

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/ms2sim/internal/logger"
)

// runScheduled runs fn now and then every interval until ctx ends. A failed
// run is logged and retried at the next tick; cancellation returns nil.
func runScheduled(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for run := 1; ; run++ {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.FromContext(ctx).WithError(err).Errorf("Scheduled run %d failed", run)
		}
		logger.CtxInfo(ctx, "Next run in %s", interval)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

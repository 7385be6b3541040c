package executors

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
)

// StartLoop calls fn every period until ctx is done. A failing tick is logged and the
// loop carries on with the next one.
func StartLoop(ctx context.Context, name string, period time.Duration, fn func(ctx context.Context) error) error {
	entry := logger.WithFields(map[string]interface{}{
		"component": "Loop",
		"loop":      name,
		"period":    period.String(),
	})

	ticker := time.NewTicker(period) // Set up a ticker that fires periodically
	defer ticker.Stop()

	entry.Info("loop started")
	for {
		select {
		case <-ctx.Done():
			entry.Info("loop stopped")
			return nil

		case <-ticker.C:
			entry.Debug("loop tick")
			if err := fn(ctx); err != nil {
				entry.WithError(err).Error("loop tick failed")
			}
		}
	}
}

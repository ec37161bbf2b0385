package store

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper runs the retention sweep on a fixed timer until ctx is
// cancelled: every interval it deletes tasks older than maxAge, regardless of
// status. An in-flight task that outlives the window is forcibly forgotten;
// the pipeline's subsequent updates surface as not-found no-ops.
func StartSweeper(ctx context.Context, s Store, interval, maxAge time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx, maxAge)
			if err != nil {
				logger.Warn("task sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("swept expired tasks", "count", removed, "max_age", maxAge.String())
			}
		}
	}
}

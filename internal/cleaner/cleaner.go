// Package cleaner implements the periodic cleanup loop that removes old
// notification rows from the database to prevent unbounded growth of the
// notifications table.
package cleaner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stockwatch/internal/metrics"
	"stockwatch/internal/store"
)

// Cleaner periodically removes notification rows that were sent, or failed
// out, longer ago than the retention period.
type Cleaner struct {
	store           store.Store
	interval        time.Duration
	retentionPeriod time.Duration
	maxAttempts     int
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// NewCleaner creates a new Cleaner with the provided dependencies.
func NewCleaner(s store.Store, interval, retentionPeriod time.Duration, maxAttempts int, m *metrics.Metrics, logger *zap.Logger) *Cleaner {
	return &Cleaner{
		store:           s,
		interval:        interval,
		retentionPeriod: retentionPeriod,
		maxAttempts:     maxAttempts,
		metrics:         m,
		logger:          logger,
	}
}

// Start begins the cleanup loop, running at the configured interval. The loop
// stops when ctx is cancelled.
func (c *Cleaner) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("cleaner started",
		zap.Duration("cleanup_interval", c.interval),
		zap.Duration("retention_period", c.retentionPeriod),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleaner stopping", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			if _, err := c.Cleanup(ctx); err != nil {
				c.logger.Error("cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup performs a single cleanup pass: it queries eligible notification
// rows, deletes them, runs an incremental vacuum to reclaim space, and
// refreshes the database size gauge. It returns the number of rows deleted.
func (c *Cleaner) Cleanup(ctx context.Context) (int, error) {
	start := time.Now()

	eligible, err := c.store.GetCleanupEligibleNotifications(c.retentionPeriod, c.maxAttempts)
	if err != nil {
		c.metrics.RecordCleanup(0, err)
		return 0, fmt.Errorf("querying cleanup-eligible notifications: %w", err)
	}
	if len(eligible) == 0 {
		c.logger.Debug("no notifications eligible for cleanup")
		c.metrics.RecordCleanup(0, nil)
		return 0, nil
	}

	deleted := 0
	for _, n := range eligible {
		select {
		case <-ctx.Done():
			c.logger.Info("cleanup interrupted by context cancellation",
				zap.Int("deleted_so_far", deleted),
			)
			c.metrics.RecordCleanup(deleted, ctx.Err())
			return deleted, ctx.Err()
		default:
		}

		if err := c.store.DeleteNotification(n.ID); err != nil {
			c.logger.Error("failed to delete notification",
				zap.String("id", n.ID),
				zap.String("user_id", n.UserID),
				zap.Error(err),
			)
			continue
		}
		deleted++
	}

	// Reclaim disk space. A vacuum failure is not fatal; the rows are gone.
	if err := c.store.RunIncrementalVacuum(); err != nil {
		c.logger.Error("incremental vacuum failed", zap.Error(err))
	}
	if size, err := c.store.GetDatabaseSizeBytes(); err == nil {
		c.metrics.DBSizeBytes.Set(float64(size))
	}

	c.metrics.RecordCleanup(deleted, nil)
	c.logger.Info("cleanup completed",
		zap.Int("eligible", len(eligible)),
		zap.Int("deleted", deleted),
		zap.Duration("duration", time.Since(start)),
	)
	return deleted, nil
}

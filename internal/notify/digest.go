package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stockwatch/internal/mailer"
	"stockwatch/internal/models"
	"stockwatch/internal/store"
)

// BatcherConfig carries the tunables of one digest run.
type BatcherConfig struct {
	// SendTimeout is the hard per-digest deadline raced against each send.
	SendTimeout time.Duration
	// RunBudget bounds the wall-clock time of a whole run. Users not reached
	// before it expires stay pending for the next run.
	RunBudget time.Duration
	// InterUserDelay is a fixed pause between users to smooth outbound rate.
	InterUserDelay time.Duration
	// RateLimitPause is the pause taken after a rate-limit deferral.
	RateLimitPause time.Duration
	// MaxAttempts caps failed_attempts before a row is considered dead.
	MaxAttempts int
}

// Batcher drains pending notifications into one digest per user and
// dispatches them through the shared rate limiter. Users are processed
// sequentially so the limiter sees the true outbound rate.
type Batcher struct {
	store   store.Store
	sender  mailer.Sender
	limiter *TieredLimiter
	cfg     BatcherConfig
	logger  *zap.Logger
}

// NewBatcher creates a digest batcher.
func NewBatcher(s store.Store, sender mailer.Sender, limiter *TieredLimiter, cfg BatcherConfig, logger *zap.Logger) *Batcher {
	return &Batcher{
		store:   s,
		sender:  sender,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// RunBatch processes up to maxUsers pending digests and returns an itemized
// summary. Per-user failures never abort the run; a rate-limit deferral is
// not a failure and leaves the user's rows untouched.
func (b *Batcher) RunBatch(ctx context.Context, maxUsers int) *models.DigestSummary {
	started := time.Now()
	deadline := started.Add(b.cfg.RunBudget)
	summary := &models.DigestSummary{}

	digests, err := b.store.GetPendingDigests(maxUsers, b.cfg.MaxAttempts)
	if err != nil {
		b.logger.Error("Failed to fetch pending digests", zap.Error(err))
		return summary
	}
	if len(digests) == 0 {
		return summary
	}

	summary.UsersTotal = len(digests)
	for _, d := range digests {
		summary.NotificationsTotal += len(d.Notifications)
	}

	b.logger.Info("Digest run started",
		zap.Int("users", summary.UsersTotal),
		zap.Int("notifications", summary.NotificationsTotal))

	for i, digest := range digests {
		if ctx.Err() != nil || time.Now().After(deadline) {
			b.logger.Warn("Digest run budget exhausted",
				zap.Int("processed", i),
				zap.Int("remaining", len(digests)-i),
				zap.Duration("elapsed", time.Since(started)))
			break
		}

		b.processUser(ctx, digest, summary)
		summary.UsersProcessed++

		if i < len(digests)-1 {
			sleepCtx(ctx, b.cfg.InterUserDelay)
		}
	}

	b.logger.Info("Digest run finished",
		zap.Int("users_total", summary.UsersTotal),
		zap.Int("users_processed", summary.UsersProcessed),
		zap.Int("users_sent", summary.UsersSent),
		zap.Int("users_failed", summary.UsersFailed),
		zap.Int("users_rate_limited", summary.UsersRateLimited),
		zap.Int("notifications_sent", summary.NotificationsSent),
		zap.Duration("duration", time.Since(started)))
	return summary
}

// processUser attempts one user's digest and updates the summary and the
// backing notification rows.
func (b *Batcher) processUser(ctx context.Context, digest *models.EmailDigest, summary *models.DigestSummary) {
	if !b.limiter.Allow() {
		// Deferred, not failed: the rows stay pending for the next run.
		summary.UsersRateLimited++
		summary.NotificationsRateLimited += len(digest.Notifications)
		b.logger.Info("Digest deferred by rate limiter",
			zap.String("user_id", digest.UserID),
			zap.Int("notifications", len(digest.Notifications)))
		sleepCtx(ctx, b.cfg.RateLimitPause)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	err := b.sender.SendDigest(sendCtx, digest)
	cancel()

	ids := make([]string, 0, len(digest.Notifications))
	for _, n := range digest.Notifications {
		ids = append(ids, n.ID)
	}

	if err != nil {
		summary.UsersFailed++
		summary.NotificationsFailed += len(digest.Notifications)
		b.logger.Warn("Digest send failed",
			zap.String("user_id", digest.UserID),
			zap.Int("notifications", len(digest.Notifications)),
			zap.Error(err))
		if dbErr := b.store.IncrementNotificationAttempts(ids); dbErr != nil {
			b.logger.Error("Failed to increment notification attempts",
				zap.String("user_id", digest.UserID),
				zap.Error(dbErr))
		}
		return
	}

	b.limiter.Record()
	summary.UsersSent++
	summary.NotificationsSent += len(digest.Notifications)
	if dbErr := b.store.MarkNotificationsSent(ids, time.Now().UTC()); dbErr != nil {
		b.logger.Error("Failed to mark notifications sent",
			zap.String("user_id", digest.UserID),
			zap.Error(dbErr))
	}
}

// sleepCtx pauses for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

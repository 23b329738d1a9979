package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockwatch/internal/models"
	"stockwatch/internal/store"
)

// Queue resolves the subscribers interested in a status change event and
// enqueues one deduplicated PendingNotification per subscriber. The dedup
// rules protect against duplicate sends for the same flip and against rapid
// availability oscillation:
//
//  1. an equivalent status change was already recorded for the
//     (user, model, datacenter) triple within the cooldown window, or
//  2. any notification for the triple was created within the shorter
//     re-arm window, or
//  3. an unsent, not-yet-failed-out row already exists for the triple,
//
// then the subscriber is skipped.
type Queue struct {
	store            store.Store
	cooldown         time.Duration
	rearmWindow      time.Duration
	maxAttempts      int
	notifyOutOfStock bool
	logger           *zap.Logger
}

// NewQueue creates a notification queue. notifyOutOfStock extends eligibility
// to became_out_of_stock transitions, which are suppressed by default.
func NewQueue(s store.Store, cooldown, rearmWindow time.Duration, maxAttempts int, notifyOutOfStock bool, logger *zap.Logger) *Queue {
	return &Queue{
		store:            s,
		cooldown:         cooldown,
		rearmWindow:      rearmWindow,
		maxAttempts:      maxAttempts,
		notifyOutOfStock: notifyOutOfStock,
		logger:           logger,
	}
}

// Enqueue fans one event out to its active, verified subscribers and returns
// the number of notifications created. Per-subscriber store failures are
// logged and skipped; they never abort the rest of the fan-out.
func (q *Queue) Enqueue(event models.StatusChangeEvent) (int, error) {
	transition := event.Transition()
	if transition == models.TransitionBecameOutOfStock && !q.notifyOutOfStock {
		q.logger.Debug("Out-of-stock notifications disabled, skipping event",
			zap.Int("model", event.Model),
			zap.String("datacenter", event.Datacenter))
		return 0, nil
	}

	subscribers, err := q.store.GetActiveSubscribers(event.Model, event.Datacenter)
	if err != nil {
		return 0, fmt.Errorf("resolving subscribers for model %d in %s: %w", event.Model, event.Datacenter, err)
	}

	created := 0
	for _, sub := range subscribers {
		enqueue, reason, err := q.shouldEnqueue(sub, transition)
		if err != nil {
			q.logger.Error("Dedup check failed, skipping subscriber",
				zap.String("user_id", sub.UserID),
				zap.Int("model", event.Model),
				zap.String("datacenter", event.Datacenter),
				zap.Error(err))
			continue
		}
		if !enqueue {
			q.logger.Debug("Notification deduplicated",
				zap.String("user_id", sub.UserID),
				zap.Int("model", event.Model),
				zap.String("datacenter", event.Datacenter),
				zap.String("reason", reason))
			continue
		}

		n := &models.PendingNotification{
			ID:           uuid.New().String(),
			UserID:       sub.UserID,
			Email:        sub.Email,
			Model:        event.Model,
			Datacenter:   event.Datacenter,
			StatusChange: transition,
			CreatedAt:    time.Now().UTC(),
		}
		if err := q.store.InsertNotification(n); err != nil {
			q.logger.Error("Failed to insert notification",
				zap.String("user_id", sub.UserID),
				zap.Int("model", event.Model),
				zap.String("datacenter", event.Datacenter),
				zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		q.logger.Info("Notifications enqueued",
			zap.Int("model", event.Model),
			zap.String("datacenter", event.Datacenter),
			zap.String("transition", transition),
			zap.Int("created", created),
			zap.Int("subscribers", len(subscribers)))
	}
	return created, nil
}

// shouldEnqueue applies the dedup rules for one subscriber. The returned
// reason names the rule that suppressed the notification.
func (q *Queue) shouldEnqueue(sub *models.Subscriber, transition string) (bool, string, error) {
	now := time.Now().UTC()

	recent, err := q.store.GetNotificationsSince(sub.UserID, sub.Model, sub.Datacenter, now.Add(-q.cooldown))
	if err != nil {
		return false, "", err
	}
	rearmCutoff := now.Add(-q.rearmWindow)
	for _, n := range recent {
		if n.StatusChange == transition {
			return false, "cooldown", nil
		}
		if n.CreatedAt.After(rearmCutoff) {
			return false, "rearm", nil
		}
	}

	pending, err := q.store.HasUnsentNotification(sub.UserID, sub.Model, sub.Datacenter, q.maxAttempts)
	if err != nil {
		return false, "", err
	}
	if pending {
		return false, "pending", nil
	}
	return true, "", nil
}

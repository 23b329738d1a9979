// Package store defines the storage interface and implementations for the
// stockwatch service. All persistent state -- current availability, change
// history, subscriptions, and queued notifications -- flows through the Store
// interface.
package store

import (
	"time"

	"stockwatch/internal/models"
)

// Store defines the contract for persistent storage. Implementations must be
// safe for concurrent use by multiple goroutines.
type Store interface {
	// Close releases any resources held by the database connection.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping() error

	// UpsertAvailability applies one observation for a (model, datacenter)
	// key atomically. It reports whether a genuine status flip was accepted
	// and, if so, the prior status. Flips arriving inside the debounce window
	// are rejected and reported as unchanged.
	UpsertAvailability(model int, datacenter, status string) (changed bool, oldStatus string, err error)

	// GetAllAvailability returns the current status of every tracked
	// (model, datacenter) pair.
	GetAllAvailability() ([]*models.AvailabilityRecord, error)

	// GetActiveSubscribers returns the active, verified subscribers of one
	// (model, datacenter) pair.
	GetActiveSubscribers(model int, datacenter string) ([]*models.Subscriber, error)

	// UpsertSubscriber creates or replaces one subscription row.
	UpsertSubscriber(sub *models.Subscriber) error

	// InsertNotification persists one new pending notification.
	InsertNotification(n *models.PendingNotification) error

	// GetNotificationsSince returns all notification rows for one
	// (user, model, datacenter) triple created at or after the given time,
	// newest first.
	GetNotificationsSince(userID string, model int, datacenter string, since time.Time) ([]*models.PendingNotification, error)

	// HasUnsentNotification reports whether an unsent, not-yet-failed-out row
	// already exists for the triple.
	HasUnsentNotification(userID string, model int, datacenter string, maxAttempts int) (bool, error)

	// GetPendingDigests groups pending notifications into one digest per
	// user, for up to maxUsers users, oldest pending work first.
	GetPendingDigests(maxUsers, maxAttempts int) ([]*models.EmailDigest, error)

	// MarkNotificationsSent sets sent_at on the given notification rows.
	MarkNotificationsSent(ids []string, sentAt time.Time) error

	// IncrementNotificationAttempts bumps failed_attempts on the given rows.
	IncrementNotificationAttempts(ids []string) error

	// GetCleanupEligibleNotifications returns rows that were either sent or
	// failed out longer ago than the retention period.
	GetCleanupEligibleNotifications(retentionPeriod time.Duration, maxAttempts int) ([]*models.PendingNotification, error)

	// DeleteNotification permanently removes a notification row by ID.
	DeleteNotification(id string) error

	// RunIncrementalVacuum triggers an incremental vacuum to reclaim unused pages.
	RunIncrementalVacuum() error

	// GetDatabaseSizeBytes returns the current on-disk size of the database in bytes.
	GetDatabaseSizeBytes() (int64, error)
}

// Package models defines the data structures used throughout the stockwatch service.
package models

import (
	"fmt"
	"time"
)

// Availability status constants
const (
	StatusAvailable  = "available"
	StatusOutOfStock = "out_of_stock"
)

// Status transition constants
const (
	TransitionBecameAvailable  = "became_available"
	TransitionBecameOutOfStock = "became_out_of_stock"
)

// AvailabilityRecord is the authoritative current status of one model in one
// datacenter. It mirrors the availability database table; there is exactly one
// row per (model, datacenter) pair.
type AvailabilityRecord struct {
	Model       int        `json:"model"`
	Datacenter  string     `json:"datacenter"`
	Status      string     `json:"status"`
	LastChecked time.Time  `json:"last_checked"`
	LastChanged *time.Time `json:"last_changed,omitempty"`
}

// Key returns the unique identity of the record.
func (r *AvailabilityRecord) Key() string {
	return fmt.Sprintf("%d/%s", r.Model, r.Datacenter)
}

// StatusChangeEvent describes one accepted status flip. Events are transient:
// they are fanned out to stream subscribers and the notification queue but
// never stored.
type StatusChangeEvent struct {
	Model      int       `json:"model"`
	Datacenter string    `json:"datacenter"`
	OldStatus  string    `json:"old_status"`
	NewStatus  string    `json:"new_status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transition classifies the flip direction.
func (e *StatusChangeEvent) Transition() string {
	if e.NewStatus == StatusAvailable {
		return TransitionBecameAvailable
	}
	return TransitionBecameOutOfStock
}

// Subscriber is a registered user interested in one (model, datacenter) pair.
// Rows come from the subscription table; only active and verified subscribers
// receive notifications.
type Subscriber struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	UnsubscribeToken string `json:"unsubscribe_token"`
	Model            int    `json:"model"`
	Datacenter       string `json:"datacenter"`
	Active           bool   `json:"active"`
	Verified         bool   `json:"verified"`
}

// PendingNotification is one queued email notification for one user about one
// status change. It mirrors the notifications database table.
type PendingNotification struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Email          string     `json:"email"`
	Model          int        `json:"model"`
	Datacenter     string     `json:"datacenter"`
	StatusChange   string     `json:"status_change"`
	CreatedAt      time.Time  `json:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	FailedAttempts int        `json:"failed_attempts"`
}

// IsPending returns true if the notification has not been sent and has not
// exhausted its delivery attempts.
func (n *PendingNotification) IsPending(maxAttempts int) bool {
	return n.SentAt == nil && n.FailedAttempts < maxAttempts
}

// IsDead returns true once the notification has exhausted its delivery
// attempts without being sent.
func (n *PendingNotification) IsDead(maxAttempts int) bool {
	return n.SentAt == nil && n.FailedAttempts >= maxAttempts
}

// IsEligibleForCleanup returns true if the row can be purged: either it was
// sent longer ago than the retention period, or it is dead and older than
// the retention period.
func (n *PendingNotification) IsEligibleForCleanup(retentionPeriod time.Duration, maxAttempts int) bool {
	if n.SentAt != nil {
		return time.Since(*n.SentAt) > retentionPeriod
	}
	if n.IsDead(maxAttempts) {
		return time.Since(n.CreatedAt) > retentionPeriod
	}
	return false
}

// EmailDigest is one outbound email combining all of a user's pending
// notifications. Digests are built fresh on every batch run and never stored.
type EmailDigest struct {
	UserID           string                 `json:"user_id"`
	Email            string                 `json:"email"`
	UnsubscribeToken string                 `json:"unsubscribe_token"`
	Notifications    []*PendingNotification `json:"notifications"`
}

// ModelPollResult is the outcome of polling one model. FailureReason carries
// the breaker failure classification ("timeout", "network", "parse") when the
// poll recorded one; a breaker short-circuit leaves it empty.
type ModelPollResult struct {
	Model         int                  `json:"model"`
	Records       []AvailabilityRecord `json:"records,omitempty"`
	Changes       []StatusChangeEvent  `json:"changes,omitempty"`
	Error         string               `json:"error,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

// PollReport aggregates the per-model results of one poll run. Partial
// failures never abort the run; every configured model appears exactly once.
type PollReport struct {
	Results         []ModelPollResult `json:"results"`
	ModelsChecked   int               `json:"models_checked"`
	Successful      int               `json:"successful"`
	Failed          int               `json:"failed"`
	ChangesDetected int               `json:"changes_detected"`
	Duration        time.Duration     `json:"-"`
}

// Events flattens the accepted status changes from all models.
func (p *PollReport) Events() []StatusChangeEvent {
	var events []StatusChangeEvent
	for _, res := range p.Results {
		events = append(events, res.Changes...)
	}
	return events
}

// DigestSummary is the caller-facing accounting of one digest batch run.
type DigestSummary struct {
	UsersTotal               int `json:"users_total"`
	UsersProcessed           int `json:"users_processed"`
	UsersSent                int `json:"users_sent"`
	UsersFailed              int `json:"users_failed"`
	UsersRateLimited         int `json:"users_rate_limited"`
	NotificationsTotal       int `json:"notifications_total"`
	NotificationsSent        int `json:"notifications_sent"`
	NotificationsFailed      int `json:"notifications_failed"`
	NotificationsRateLimited int `json:"notifications_rate_limited"`
}

// UserSuccessRate returns the fraction of processed users whose digest was
// delivered successfully.
func (s *DigestSummary) UserSuccessRate() float64 {
	if s.UsersProcessed == 0 {
		return 0
	}
	return float64(s.UsersSent) / float64(s.UsersProcessed)
}

// EmailSuccessRate returns the fraction of notifications marked sent out of
// all notifications considered in the run.
func (s *DigestSummary) EmailSuccessRate() float64 {
	if s.NotificationsTotal == 0 {
		return 0
	}
	return float64(s.NotificationsSent) / float64(s.NotificationsTotal)
}

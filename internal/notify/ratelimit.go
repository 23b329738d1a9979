// Package notify turns accepted status change events into deduplicated
// pending notifications and drains them as per-user email digests through a
// tiered outbound rate limiter.
package notify

import (
	"sync"
	"time"
)

// Rate limiter tier names, also used as metric labels.
const (
	TierSecond = "second"
	TierMinute = "minute"
	TierHour   = "hour"
)

// window is one fixed rate-limit window. The count resets to zero the first
// time it is inspected after resetAt.
type window struct {
	limit   int
	length  time.Duration
	count   int
	resetAt time.Time
}

func (w *window) refresh(now time.Time) {
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(w.length)
	}
}

// TierStatus is a point-in-time view of one tier, exposed on the trigger
// endpoints for operator visibility.
type TierStatus struct {
	Tier     string        `json:"tier"`
	Count    int           `json:"count"`
	Limit    int           `json:"limit"`
	ResetsIn time.Duration `json:"resets_in"`
}

// TieredLimiter enforces independent per-second, per-minute, and per-hour
// send caps. A send is permitted only when every tier has remaining budget;
// recording a send charges all tiers at once. Counters are process-wide and
// reset on restart.
type TieredLimiter struct {
	mu      sync.Mutex
	windows [3]window
}

// NewTieredLimiter creates a limiter with the given per-tier caps.
func NewTieredLimiter(perSecond, perMinute, perHour int) *TieredLimiter {
	now := time.Now()
	return &TieredLimiter{
		windows: [3]window{
			{limit: perSecond, length: time.Second, resetAt: now.Add(time.Second)},
			{limit: perMinute, length: time.Minute, resetAt: now.Add(time.Minute)},
			{limit: perHour, length: time.Hour, resetAt: now.Add(time.Hour)},
		},
	}
}

// Allow reports whether a send is currently permitted by every tier. It does
// not charge the limiter; call Record after a successful send.
func (l *TieredLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for i := range l.windows {
		l.windows[i].refresh(now)
		if l.windows[i].count >= l.windows[i].limit {
			return false
		}
	}
	return true
}

// Record charges one send against all tiers.
func (l *TieredLimiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for i := range l.windows {
		l.windows[i].refresh(now)
		l.windows[i].count++
	}
}

// Status returns the current count, limit, and time-to-reset of every tier.
func (l *TieredLimiter) Status() []TierStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	names := [3]string{TierSecond, TierMinute, TierHour}
	status := make([]TierStatus, 0, len(l.windows))
	for i := range l.windows {
		l.windows[i].refresh(now)
		status = append(status, TierStatus{
			Tier:     names[i],
			Count:    l.windows[i].count,
			Limit:    l.windows[i].limit,
			ResetsIn: l.windows[i].resetAt.Sub(now),
		})
	}
	return status
}

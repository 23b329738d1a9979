package store

import (
	"sync"
	"time"

	"stockwatch/internal/models"
)

// SnapshotDiff detects status changes out-of-band from the transactional
// upsert path. It keeps an in-memory map of the last status seen per
// (model, datacenter) key and emits an event for every key whose status
// differs from that snapshot. The forced-broadcast admin path uses it to
// derive events from a fresh GetAllAvailability read.
type SnapshotDiff struct {
	mu   sync.Mutex
	seen map[string]string
}

// NewSnapshotDiff creates an empty snapshot differ.
func NewSnapshotDiff() *SnapshotDiff {
	return &SnapshotDiff{
		seen: make(map[string]string),
	}
}

// Diff compares the given records against the snapshot, returns an event for
// every key whose status changed, and updates the snapshot. Keys seen for the
// first time are recorded without emitting an event, so a process restart
// does not re-broadcast the entire table.
func (d *SnapshotDiff) Diff(records []*models.AvailabilityRecord) []models.StatusChangeEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	var events []models.StatusChangeEvent

	for _, rec := range records {
		key := rec.Key()
		prev, known := d.seen[key]
		if known && prev != rec.Status {
			events = append(events, models.StatusChangeEvent{
				Model:      rec.Model,
				Datacenter: rec.Datacenter,
				OldStatus:  prev,
				NewStatus:  rec.Status,
				Timestamp:  now,
			})
		}
		d.seen[key] = rec.Status
	}
	return events
}

// Len returns the number of keys currently tracked in the snapshot.
func (d *SnapshotDiff) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

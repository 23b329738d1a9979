package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockwatch/internal/models"
)

// newTestStore opens a fresh SQLite database in a temporary directory.
func newTestStore(t *testing.T, debounce time.Duration) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath, debounce, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testNotification(userID string, model int, dc string) *models.PendingNotification {
	return &models.PendingNotification{
		ID:           uuid.New().String(),
		UserID:       userID,
		Email:        userID + "@example.com",
		Model:        model,
		Datacenter:   dc,
		StatusChange: models.TransitionBecameAvailable,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestUpsertAvailability_InsertReportsChanged(t *testing.T) {
	s := newTestStore(t, time.Minute)

	changed, old, err := s.UpsertAvailability(1, "GRA", models.StatusOutOfStock)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, old)

	records, err := s.GetAllAvailability()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusOutOfStock, records[0].Status)
	require.NotNil(t, records[0].LastChanged)
}

func TestUpsertAvailability_SameStatusIsIdempotent(t *testing.T) {
	s := newTestStore(t, time.Minute)

	_, _, err := s.UpsertAvailability(1, "GRA", models.StatusAvailable)
	require.NoError(t, err)

	changed, old, err := s.UpsertAvailability(1, "GRA", models.StatusAvailable)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusAvailable, old)
}

func TestUpsertAvailability_DebounceRejectsRapidFlip(t *testing.T) {
	s := newTestStore(t, time.Minute)

	_, _, err := s.UpsertAvailability(1, "GRA", models.StatusOutOfStock)
	require.NoError(t, err)

	// The flip arrives well inside the debounce window of the insert.
	changed, old, err := s.UpsertAvailability(1, "GRA", models.StatusAvailable)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusOutOfStock, old)

	records, err := s.GetAllAvailability()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusOutOfStock, records[0].Status, "stored status must be unchanged")
}

func TestUpsertAvailability_FlipAcceptedAfterDebounce(t *testing.T) {
	s := newTestStore(t, 20*time.Millisecond)

	_, _, err := s.UpsertAvailability(1, "GRA", models.StatusOutOfStock)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond) // RFC3339 timestamps have second resolution

	changed, old, err := s.UpsertAvailability(1, "GRA", models.StatusAvailable)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusOutOfStock, old)

	records, err := s.GetAllAvailability()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusAvailable, records[0].Status)
}

func TestUpsertAvailability_KeysAreIndependent(t *testing.T) {
	s := newTestStore(t, time.Minute)

	_, _, err := s.UpsertAvailability(1, "GRA", models.StatusAvailable)
	require.NoError(t, err)
	_, _, err = s.UpsertAvailability(1, "SBG", models.StatusOutOfStock)
	require.NoError(t, err)
	_, _, err = s.UpsertAvailability(2, "GRA", models.StatusOutOfStock)
	require.NoError(t, err)

	records, err := s.GetAllAvailability()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestGetActiveSubscribers_FiltersInactiveAndUnverified(t *testing.T) {
	s := newTestStore(t, time.Minute)

	require.NoError(t, s.UpsertSubscriber(&models.Subscriber{
		UserID: "u1", Email: "u1@example.com", Model: 1, Datacenter: "GRA", Active: true, Verified: true,
	}))
	require.NoError(t, s.UpsertSubscriber(&models.Subscriber{
		UserID: "u2", Email: "u2@example.com", Model: 1, Datacenter: "GRA", Active: false, Verified: true,
	}))
	require.NoError(t, s.UpsertSubscriber(&models.Subscriber{
		UserID: "u3", Email: "u3@example.com", Model: 1, Datacenter: "GRA", Active: true, Verified: false,
	}))
	require.NoError(t, s.UpsertSubscriber(&models.Subscriber{
		UserID: "u4", Email: "u4@example.com", Model: 2, Datacenter: "GRA", Active: true, Verified: true,
	}))

	subs, err := s.GetActiveSubscribers(1, "GRA")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "u1", subs[0].UserID)
}

func TestNotificationLifecycle(t *testing.T) {
	s := newTestStore(t, time.Minute)

	n := testNotification("u1", 1, "GRA")
	require.NoError(t, s.InsertNotification(n))

	has, err := s.HasUnsentNotification("u1", 1, "GRA", 3)
	require.NoError(t, err)
	assert.True(t, has)

	recent, err := s.GetNotificationsSince("u1", 1, "GRA", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, n.ID, recent[0].ID)

	require.NoError(t, s.MarkNotificationsSent([]string{n.ID}, time.Now()))

	has, err = s.HasUnsentNotification("u1", 1, "GRA", 3)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHasUnsentNotification_ExcludesFailedOutRows(t *testing.T) {
	s := newTestStore(t, time.Minute)

	n := testNotification("u1", 1, "GRA")
	require.NoError(t, s.InsertNotification(n))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementNotificationAttempts([]string{n.ID}))
	}

	has, err := s.HasUnsentNotification("u1", 1, "GRA", 3)
	require.NoError(t, err)
	assert.False(t, has, "a row at the attempt cap is dead, not pending")
}

func TestGetPendingDigests_GroupsPerUser(t *testing.T) {
	s := newTestStore(t, time.Minute)

	require.NoError(t, s.UpsertSubscriber(&models.Subscriber{
		UserID: "u1", Email: "u1@example.com", UnsubscribeToken: "tok-1",
		Model: 1, Datacenter: "GRA", Active: true, Verified: true,
	}))

	require.NoError(t, s.InsertNotification(testNotification("u1", 1, "GRA")))
	require.NoError(t, s.InsertNotification(testNotification("u1", 2, "SBG")))
	require.NoError(t, s.InsertNotification(testNotification("u2", 1, "GRA")))

	sent := testNotification("u3", 1, "GRA")
	require.NoError(t, s.InsertNotification(sent))
	require.NoError(t, s.MarkNotificationsSent([]string{sent.ID}, time.Now()))

	digests, err := s.GetPendingDigests(10, 3)
	require.NoError(t, err)
	require.Len(t, digests, 2)

	byUser := map[string]*models.EmailDigest{}
	for _, d := range digests {
		byUser[d.UserID] = d
	}
	require.Contains(t, byUser, "u1")
	require.Contains(t, byUser, "u2")
	assert.Len(t, byUser["u1"].Notifications, 2)
	assert.Len(t, byUser["u2"].Notifications, 1)
	assert.Equal(t, "tok-1", byUser["u1"].UnsubscribeToken)
}

func TestGetPendingDigests_RespectsMaxUsers(t *testing.T) {
	s := newTestStore(t, time.Minute)

	require.NoError(t, s.InsertNotification(testNotification("u1", 1, "GRA")))
	require.NoError(t, s.InsertNotification(testNotification("u2", 1, "GRA")))
	require.NoError(t, s.InsertNotification(testNotification("u3", 1, "GRA")))

	digests, err := s.GetPendingDigests(2, 3)
	require.NoError(t, err)
	assert.Len(t, digests, 2)
}

func TestGetCleanupEligibleNotifications(t *testing.T) {
	s := newTestStore(t, time.Minute)

	// Sent long ago: eligible.
	old := testNotification("u1", 1, "GRA")
	require.NoError(t, s.InsertNotification(old))
	require.NoError(t, s.MarkNotificationsSent([]string{old.ID}, time.Now().Add(-72*time.Hour)))

	// Sent recently: not eligible.
	recent := testNotification("u2", 1, "GRA")
	require.NoError(t, s.InsertNotification(recent))
	require.NoError(t, s.MarkNotificationsSent([]string{recent.ID}, time.Now()))

	// Still pending: not eligible.
	require.NoError(t, s.InsertNotification(testNotification("u3", 1, "GRA")))

	eligible, err := s.GetCleanupEligibleNotifications(48*time.Hour, 3)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, old.ID, eligible[0].ID)

	require.NoError(t, s.DeleteNotification(old.ID))
	eligible, err = s.GetCleanupEligibleNotifications(48*time.Hour, 3)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestGetDatabaseSizeBytes(t *testing.T) {
	s := newTestStore(t, time.Minute)

	size, err := s.GetDatabaseSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	require.NoError(t, s.RunIncrementalVacuum())
}

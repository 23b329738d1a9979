package store

import (
	"time"

	"github.com/stretchr/testify/mock"

	"stockwatch/internal/models"
)

// MockStore is a testify/mock implementation of the Store interface.
type MockStore struct {
	mock.Mock
}

// Ensure MockStore satisfies the Store interface at compile time.
var _ Store = (*MockStore)(nil)

// Close mocks the Close method.
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Ping mocks the Ping method.
func (m *MockStore) Ping() error {
	args := m.Called()
	return args.Error(0)
}

// UpsertAvailability mocks the UpsertAvailability method.
func (m *MockStore) UpsertAvailability(model int, datacenter, status string) (bool, string, error) {
	args := m.Called(model, datacenter, status)
	return args.Bool(0), args.String(1), args.Error(2)
}

// GetAllAvailability mocks the GetAllAvailability method.
func (m *MockStore) GetAllAvailability() ([]*models.AvailabilityRecord, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AvailabilityRecord), args.Error(1)
}

// GetActiveSubscribers mocks the GetActiveSubscribers method.
func (m *MockStore) GetActiveSubscribers(model int, datacenter string) ([]*models.Subscriber, error) {
	args := m.Called(model, datacenter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Subscriber), args.Error(1)
}

// UpsertSubscriber mocks the UpsertSubscriber method.
func (m *MockStore) UpsertSubscriber(sub *models.Subscriber) error {
	args := m.Called(sub)
	return args.Error(0)
}

// InsertNotification mocks the InsertNotification method.
func (m *MockStore) InsertNotification(n *models.PendingNotification) error {
	args := m.Called(n)
	return args.Error(0)
}

// GetNotificationsSince mocks the GetNotificationsSince method.
func (m *MockStore) GetNotificationsSince(userID string, model int, datacenter string, since time.Time) ([]*models.PendingNotification, error) {
	args := m.Called(userID, model, datacenter, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PendingNotification), args.Error(1)
}

// HasUnsentNotification mocks the HasUnsentNotification method.
func (m *MockStore) HasUnsentNotification(userID string, model int, datacenter string, maxAttempts int) (bool, error) {
	args := m.Called(userID, model, datacenter, maxAttempts)
	return args.Bool(0), args.Error(1)
}

// GetPendingDigests mocks the GetPendingDigests method.
func (m *MockStore) GetPendingDigests(maxUsers, maxAttempts int) ([]*models.EmailDigest, error) {
	args := m.Called(maxUsers, maxAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.EmailDigest), args.Error(1)
}

// MarkNotificationsSent mocks the MarkNotificationsSent method.
func (m *MockStore) MarkNotificationsSent(ids []string, sentAt time.Time) error {
	args := m.Called(ids, sentAt)
	return args.Error(0)
}

// IncrementNotificationAttempts mocks the IncrementNotificationAttempts method.
func (m *MockStore) IncrementNotificationAttempts(ids []string) error {
	args := m.Called(ids)
	return args.Error(0)
}

// GetCleanupEligibleNotifications mocks the GetCleanupEligibleNotifications method.
func (m *MockStore) GetCleanupEligibleNotifications(retentionPeriod time.Duration, maxAttempts int) ([]*models.PendingNotification, error) {
	args := m.Called(retentionPeriod, maxAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PendingNotification), args.Error(1)
}

// DeleteNotification mocks the DeleteNotification method.
func (m *MockStore) DeleteNotification(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

// RunIncrementalVacuum mocks the RunIncrementalVacuum method.
func (m *MockStore) RunIncrementalVacuum() error {
	args := m.Called()
	return args.Error(0)
}

// GetDatabaseSizeBytes mocks the GetDatabaseSizeBytes method.
func (m *MockStore) GetDatabaseSizeBytes() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

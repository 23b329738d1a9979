package mailer

import (
	"context"

	"github.com/stretchr/testify/mock"

	"stockwatch/internal/models"
)

// MockSender is a testify/mock implementation of the Sender interface.
type MockSender struct {
	mock.Mock
}

// Ensure MockSender satisfies the Sender interface at compile time.
var _ Sender = (*MockSender)(nil)

// SendDigest mocks the SendDigest method.
func (m *MockSender) SendDigest(ctx context.Context, digest *models.EmailDigest) error {
	args := m.Called(ctx, digest)
	return args.Error(0)
}

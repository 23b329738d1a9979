package mailer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockwatch/internal/models"
)

// mockHTTPClient captures the outgoing request and returns a canned response.
type mockHTTPClient struct {
	mock.Mock
	lastRequest *http.Request
	lastBody    []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastRequest = req
	if req.Body != nil {
		m.lastBody, _ = io.ReadAll(req.Body)
	}
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func testDigest() *models.EmailDigest {
	return &models.EmailDigest{
		UserID:           "u1",
		Email:            "u1@example.com",
		UnsubscribeToken: "tok-1",
		Notifications: []*models.PendingNotification{
			{
				ID:           "n1",
				UserID:       "u1",
				Model:        1,
				Datacenter:   "GRA",
				StatusChange: models.TransitionBecameAvailable,
				CreatedAt:    time.Now().UTC(),
			},
		},
	}
}

func TestSendDigest_Success(t *testing.T) {
	client := &mockHTTPClient{}
	client.On("Do", mock.Anything).Return(response(http.StatusOK), nil)

	r := NewRelay("http://relay.local/send", "alerts@example.com", "secret-token",
		map[string]string{"X-Team": "platform"}, client, zap.NewNop())

	err := r.SendDigest(context.Background(), testDigest())
	require.NoError(t, err)

	req := client.lastRequest
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
	assert.Equal(t, "platform", req.Header.Get("X-Team"))
	assert.NotEmpty(t, req.Header.Get("X-Request-ID"))

	var payload digestPayload
	require.NoError(t, json.Unmarshal(client.lastBody, &payload))
	assert.Equal(t, "u1@example.com", payload.To)
	assert.Equal(t, "alerts@example.com", payload.From)
	assert.Equal(t, "tok-1", payload.UnsubscribeToken)
	assert.Equal(t, "Model 1 is now available in GRA", payload.Subject)
	require.Len(t, payload.Notifications, 1)
	assert.Equal(t, models.TransitionBecameAvailable, payload.Notifications[0].StatusChange)
}

func TestSendDigest_NoAuthHeaderWithoutToken(t *testing.T) {
	client := &mockHTTPClient{}
	client.On("Do", mock.Anything).Return(response(http.StatusOK), nil)

	r := NewRelay("http://relay.local/send", "alerts@example.com", "", nil, client, zap.NewNop())
	require.NoError(t, r.SendDigest(context.Background(), testDigest()))
	assert.Empty(t, client.lastRequest.Header.Get("Authorization"))
}

func TestSendDigest_NonSuccessStatusIsSendError(t *testing.T) {
	tests := []struct {
		status    int
		retriable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
	}

	for _, tc := range tests {
		client := &mockHTTPClient{}
		client.On("Do", mock.Anything).Return(response(tc.status), nil)

		r := NewRelay("http://relay.local/send", "alerts@example.com", "", nil, client, zap.NewNop())
		err := r.SendDigest(context.Background(), testDigest())

		var sendErr *SendError
		require.ErrorAs(t, err, &sendErr, "status %d", tc.status)
		assert.Equal(t, tc.status, sendErr.StatusCode)
		assert.Equal(t, tc.retriable, sendErr.Retriable(), "status %d", tc.status)
	}
}

func TestSendDigest_NetworkErrorIsPropagated(t *testing.T) {
	client := &mockHTTPClient{}
	client.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	r := NewRelay("http://relay.local/send", "alerts@example.com", "", nil, client, zap.NewNop())
	err := r.SendDigest(context.Background(), testDigest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSubjectFor_MultipleNotifications(t *testing.T) {
	d := testDigest()
	d.Notifications = append(d.Notifications, &models.PendingNotification{
		ID: "n2", Model: 2, Datacenter: "SBG",
		StatusChange: models.TransitionBecameOutOfStock,
		CreatedAt:    time.Now().UTC(),
	})
	assert.Equal(t, "2 availability updates", subjectFor(d))
}

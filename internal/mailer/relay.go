package mailer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockwatch/internal/models"
)

// HTTPClient is the interface used to send HTTP requests. *http.Client
// satisfies this interface, and it can be replaced with a mock in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SendError reports a non-2xx relay response. Retriable classifies transient
// failures; the digest batcher retries those across runs via failed_attempts.
type SendError struct {
	StatusCode int
}

func (e *SendError) Error() string {
	return fmt.Sprintf("mail relay returned status %d", e.StatusCode)
}

// Retriable returns true for HTTP status codes that indicate a transient
// failure worth retrying.
func (e *SendError) Retriable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, // 408
		http.StatusTooManyRequests,     // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}

// digestPayload is the JSON body posted to the relay for one user digest.
type digestPayload struct {
	To               string           `json:"to"`
	From             string           `json:"from"`
	Subject          string           `json:"subject"`
	UnsubscribeToken string           `json:"unsubscribe_token"`
	Timestamp        string           `json:"timestamp"`
	Notifications    []digestLineItem `json:"notifications"`
}

type digestLineItem struct {
	Model        int    `json:"model"`
	Datacenter   string `json:"datacenter"`
	StatusChange string `json:"status_change"`
	DetectedAt   string `json:"detected_at"`
}

// Relay sends digests as JSON POSTs to an external email relay endpoint. The
// relay handles template rendering and actual delivery.
type Relay struct {
	url       string
	from      string
	authToken string
	headers   map[string]string
	client    HTTPClient
	logger    *zap.Logger
}

// Ensure Relay satisfies the Sender interface at compile time.
var _ Sender = (*Relay)(nil)

// NewRelay creates a Relay sender. authToken may be empty for relays that do
// not require authentication.
func NewRelay(url, from, authToken string, headers map[string]string, client HTTPClient, logger *zap.Logger) *Relay {
	return &Relay{
		url:       url,
		from:      from,
		authToken: authToken,
		headers:   headers,
		client:    client,
		logger:    logger,
	}
}

// SendDigest posts one digest to the relay. Any non-2xx response is returned
// as a *SendError; network errors and context deadline hits come back as-is.
func (r *Relay) SendDigest(ctx context.Context, digest *models.EmailDigest) error {
	req, err := r.buildRequest(ctx, digest)
	if err != nil {
		return err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending digest request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sendErr := &SendError{StatusCode: resp.StatusCode}
		r.logger.Warn("Digest send rejected by relay",
			zap.String("user_id", digest.UserID),
			zap.Int("status_code", resp.StatusCode),
			zap.Bool("retriable", sendErr.Retriable()))
		return sendErr
	}

	r.logger.Info("Digest sent",
		zap.String("user_id", digest.UserID),
		zap.Int("notifications", len(digest.Notifications)),
		zap.Int("status_code", resp.StatusCode))
	return nil
}

// buildRequest constructs the HTTP POST request for one digest.
func (r *Relay) buildRequest(ctx context.Context, digest *models.EmailDigest) (*http.Request, error) {
	payload := digestPayload{
		To:               digest.Email,
		From:             r.from,
		Subject:          subjectFor(digest),
		UnsubscribeToken: digest.UnsubscribeToken,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Notifications:    make([]digestLineItem, 0, len(digest.Notifications)),
	}
	for _, n := range digest.Notifications {
		payload.Notifications = append(payload.Notifications, digestLineItem{
			Model:        n.Model,
			Datacenter:   n.Datacenter,
			StatusChange: n.StatusChange,
			DetectedAt:   n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling digest payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating digest request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if r.authToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", r.authToken))
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// subjectFor builds a short subject line from the digest contents.
func subjectFor(digest *models.EmailDigest) string {
	available := 0
	for _, n := range digest.Notifications {
		if n.StatusChange == models.TransitionBecameAvailable {
			available++
		}
	}
	if available == 1 && len(digest.Notifications) == 1 {
		n := digest.Notifications[0]
		return fmt.Sprintf("Model %d is now available in %s", n.Model, n.Datacenter)
	}
	return fmt.Sprintf("%d availability updates", len(digest.Notifications))
}

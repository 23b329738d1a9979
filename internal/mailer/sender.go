// Package mailer delivers email digests through an external HTTP relay
// service. The relay owns template rendering and SMTP; this package only
// speaks JSON to it.
package mailer

import (
	"context"

	"stockwatch/internal/models"
)

// Sender dispatches one digest to a user. Implementations must honor the
// context deadline; the digest batcher races every send against a hard
// timeout.
type Sender interface {
	SendDigest(ctx context.Context, digest *models.EmailDigest) error
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// StripeEvent is the dedup record for one provider delivery. One row exists
// per distinct provider event id; Processed flips exactly once on success, so
// re-delivery of the same id is a no-op.
type StripeEvent struct {
	ID         uuid.UUID
	StripeID   string
	Kind       string
	Livemode   bool
	Payload    []byte
	CustomerID string
	APIVersion string
	Processed  bool
	CreatedAt  time.Time
}

// WebhookProcessingError is the audit record for a handler failure. The event
// stays unprocessed so an operator-triggered replay can re-attempt it.
type WebhookProcessingError struct {
	ID        uuid.UUID
	EventID   uuid.UUID
	StripeID  string
	Kind      string
	Message   string
	Detail    string
	CreatedAt time.Time
}

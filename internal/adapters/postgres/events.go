package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/JacobCoffee/registrar/internal/domain"
)

// InsertEvent persists the dedup record before any effect runs. The unique
// index on stripe_id makes a duplicate delivery surface as ErrConflict.
func (s *Store) InsertEvent(ctx context.Context, ev *domain.StripeEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stripe_events (id, stripe_id, kind, livemode, payload,
			customer_id, api_version, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
	`, ev.ID, ev.StripeID, ev.Kind, ev.Livemode, ev.Payload, ev.CustomerID, ev.APIVersion)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

func (t *tx) EventForUpdate(ctx context.Context, stripeID string) (*domain.StripeEvent, error) {
	var ev domain.StripeEvent
	err := t.QueryRow(ctx, `
		SELECT id, stripe_id, kind, livemode, payload, customer_id, api_version,
		       processed, created_at
		FROM stripe_events WHERE stripe_id = $1
		FOR UPDATE
	`, stripeID).Scan(&ev.ID, &ev.StripeID, &ev.Kind, &ev.Livemode, &ev.Payload,
		&ev.CustomerID, &ev.APIVersion, &ev.Processed, &ev.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ev, nil
}

func (t *tx) MarkEventProcessed(ctx context.Context, eventID uuid.UUID) error {
	_, err := t.Exec(ctx, `
		UPDATE stripe_events SET processed = true WHERE id = $1
	`, eventID)
	return err
}

// RecordProcessingError runs on the pool, outside the handler transaction,
// so the audit row survives the rollback it describes.
func (s *Store) RecordProcessingError(ctx context.Context, perr *domain.WebhookProcessingError) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_processing_errors (id, event_id, stripe_id, kind, message, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, perr.ID, perr.EventID, perr.StripeID, perr.Kind, perr.Message, perr.Detail)
	return err
}

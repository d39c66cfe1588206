package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// The committed-quantity predicate: paid and partially refunded orders count
// forever, pending orders count only while their hold is live. No sweeper is
// needed for correctness; a lapsed hold simply drops out of the sum.
const committedOrderPredicate = `
	(o.status IN ('paid', 'partially_refunded')
	 OR (o.status = 'pending' AND o.hold_expires_at IS NOT NULL AND o.hold_expires_at > $2))`

func (t *tx) CommittedTicketQuantity(ctx context.Context, ticketTypeID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := t.QueryRow(ctx, `
		SELECT COALESCE(SUM(li.quantity), 0)
		FROM order_line_items li
		JOIN orders o ON o.id = li.order_id
		WHERE li.ticket_type_id = $1 AND `+committedOrderPredicate,
		ticketTypeID, now).Scan(&n)
	return n, err
}

func (t *tx) CommittedAddOnQuantity(ctx context.Context, addOnID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := t.QueryRow(ctx, `
		SELECT COALESCE(SUM(li.quantity), 0)
		FROM order_line_items li
		JOIN orders o ON o.id = li.order_id
		WHERE li.addon_id = $1 AND `+committedOrderPredicate,
		addOnID, now).Scan(&n)
	return n, err
}

func (t *tx) CommittedConferenceQuantity(ctx context.Context, conferenceID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := t.QueryRow(ctx, `
		SELECT COALESCE(SUM(li.quantity), 0)
		FROM order_line_items li
		JOIN orders o ON o.id = li.order_id
		WHERE o.conference_id = $1 AND li.ticket_type_id IS NOT NULL AND `+committedOrderPredicate,
		conferenceID, now).Scan(&n)
	return n, err
}

func (t *tx) UserPaidTicketQuantity(ctx context.Context, userID, conferenceID, ticketTypeID uuid.UUID) (int, error) {
	var n int
	err := t.QueryRow(ctx, `
		SELECT COALESCE(SUM(li.quantity), 0)
		FROM order_line_items li
		JOIN orders o ON o.id = li.order_id
		WHERE o.user_id = $1 AND o.conference_id = $2 AND li.ticket_type_id = $3
		  AND o.status IN ('paid', 'partially_refunded')
	`, userID, conferenceID, ticketTypeID).Scan(&n)
	return n, err
}

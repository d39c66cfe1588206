package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JacobCoffee/registrar/internal/domain"
)

const orderColumns = `
	id, conference_id, user_id, status, subtotal, discount_amount, total,
	voucher_code, voucher_details, billing_name, billing_email, billing_company,
	reference, hold_expires_at, created_at, updated_at`

func scanOrder(row scannable) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.ConferenceID, &o.UserID, &o.Status, &o.Subtotal,
		&o.DiscountAmount, &o.Total, &o.VoucherCode, &o.VoucherDetails,
		&o.BillingName, &o.BillingEmail, &o.BillingCompany, &o.Reference,
		&o.HoldExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// ExpireStalePendingOrders cancels pending orders whose hold has lapsed and
// returns their voucher uses. Orders carrying succeeded credit payments are
// left alone; only the reaper's Cancel path knows how to restore the
// consumed credit. Correctness does not depend on this running; the
// committed-quantity predicate already ignores lapsed holds.
func (t *tx) ExpireStalePendingOrders(ctx context.Context, conferenceID uuid.UUID, now time.Time) error {
	rows, err := t.Query(ctx, `
		UPDATE orders SET status = 'cancelled', hold_expires_at = NULL, updated_at = $2
		WHERE conference_id = $1 AND status = 'pending'
		  AND hold_expires_at IS NOT NULL AND hold_expires_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.order_id = orders.id AND p.method = 'credit' AND p.status = 'succeeded'
		  )
		RETURNING voucher_code
	`, conferenceID, now)
	if err != nil {
		return err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return err
		}
		if code != "" {
			codes = append(codes, code)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, code := range codes {
		if err := t.DecrementVoucherUsage(ctx, conferenceID, code); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) LockedItems(ctx context.Context, cartID uuid.UUID) ([]domain.CartItem, error) {
	rows, err := t.Query(ctx, `
		SELECT id, cart_id, ticket_type_id, addon_id, quantity
		FROM cart_items WHERE cart_id = $1
		ORDER BY created_at
		FOR UPDATE
	`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.CartItem
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ID, &item.CartID, &item.TicketTypeID, &item.AddOnID, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range items {
		switch {
		case items[i].TicketTypeID != nil:
			tt, err := t.TicketTypeByID(ctx, *items[i].TicketTypeID)
			if err != nil {
				return nil, err
			}
			items[i].TicketType = tt
		case items[i].AddOnID != nil:
			a, err := t.AddOnByID(ctx, *items[i].AddOnID)
			if err != nil {
				return nil, err
			}
			items[i].AddOn = a
		}
	}
	return items, nil
}

func (t *tx) InsertOrder(ctx context.Context, o *domain.Order) error {
	return t.exec(ctx, `
		INSERT INTO orders (id, conference_id, user_id, status, subtotal,
			discount_amount, total, voucher_code, voucher_details, billing_name,
			billing_email, billing_company, reference, hold_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, o.ID, o.ConferenceID, o.UserID, o.Status, o.Subtotal, o.DiscountAmount,
		o.Total, o.VoucherCode, o.VoucherDetails, o.BillingName, o.BillingEmail,
		o.BillingCompany, o.Reference, o.HoldExpiresAt)
}

func (t *tx) InsertLineItems(ctx context.Context, lines []domain.OrderLineItem) error {
	for _, l := range lines {
		_, err := t.Exec(ctx, `
			INSERT INTO order_line_items (id, order_id, description, quantity,
				unit_price, discount_amount, line_total, ticket_type_id, addon_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, l.ID, l.OrderID, l.Description, l.Quantity, l.UnitPrice,
			l.DiscountAmount, l.LineTotal, l.TicketTypeID, l.AddOnID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) OrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return scanOrder(t.QueryRow(ctx, `
		SELECT`+orderColumns+`
		FROM orders WHERE id = $1
		FOR UPDATE
	`, orderID))
}

func (t *tx) OrderByReferenceForUpdate(ctx context.Context, reference string) (*domain.Order, error) {
	return scanOrder(t.QueryRow(ctx, `
		SELECT`+orderColumns+`
		FROM orders WHERE reference = $1
		FOR UPDATE
	`, reference))
}

func (t *tx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	_, err := t.Exec(ctx, `
		UPDATE orders SET status = $2, hold_expires_at = $3, updated_at = now()
		WHERE id = $1
	`, o.ID, o.Status, o.HoldExpiresAt)
	return err
}

// Read-only lookups for the HTTP surface run on the pool directly.

func (s *Store) OrderByReference(ctx context.Context, reference string) (*domain.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `
		SELECT`+orderColumns+`
		FROM orders WHERE reference = $1
	`, reference))
}

func (s *Store) OrderLineItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderLineItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, description, quantity, unit_price, discount_amount,
		       line_total, ticket_type_id, addon_id
		FROM order_line_items WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.OrderLineItem
	for rows.Next() {
		var l domain.OrderLineItem
		err := rows.Scan(&l.ID, &l.OrderID, &l.Description, &l.Quantity,
			&l.UnitPrice, &l.DiscountAmount, &l.LineTotal, &l.TicketTypeID, &l.AddOnID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) OrderPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments WHERE order_id = $1
		ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// LapsedPendingOrders feeds the reaper: pending orders whose hold has run
// out, oldest first.
func (s *Store) LapsedPendingOrders(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'pending' AND hold_expires_at IS NOT NULL AND hold_expires_at <= $1
		ORDER BY hold_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireCarts flips every overdue open cart, for the reaper's sweep.
func (s *Store) ExpireCarts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE carts SET status = 'expired', updated_at = $1
		WHERE status = 'open' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

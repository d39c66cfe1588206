package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JacobCoffee/registrar/internal/domain"
)

const cartColumns = `id, user_id, conference_id, status, voucher_id, expires_at, created_at, updated_at`

func scanCart(row scannable) (*domain.Cart, error) {
	var c domain.Cart
	err := row.Scan(&c.ID, &c.UserID, &c.ConferenceID, &c.Status, &c.VoucherID,
		&c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t *tx) ExpireStaleCarts(ctx context.Context, userID, conferenceID uuid.UUID, now time.Time) error {
	_, err := t.Exec(ctx, `
		UPDATE carts SET status = 'expired', updated_at = $3
		WHERE user_id = $1 AND conference_id = $2 AND status = 'open' AND expires_at <= $3
	`, userID, conferenceID, now)
	return err
}

func (t *tx) OpenCart(ctx context.Context, userID, conferenceID uuid.UUID) (*domain.Cart, error) {
	return scanCart(t.QueryRow(ctx, `
		SELECT `+cartColumns+`
		FROM carts WHERE user_id = $1 AND conference_id = $2 AND status = 'open'
	`, userID, conferenceID))
}

func (t *tx) InsertCart(ctx context.Context, c *domain.Cart) error {
	err := t.exec(ctx, `
		INSERT INTO carts (id, user_id, conference_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.UserID, c.ConferenceID, c.Status, c.ExpiresAt)
	return err
}

func (t *tx) CartForUpdate(ctx context.Context, cartID uuid.UUID) (*domain.Cart, error) {
	return scanCart(t.QueryRow(ctx, `
		SELECT `+cartColumns+`
		FROM carts WHERE id = $1
		FOR UPDATE
	`, cartID))
}

func (t *tx) SetCartExpiry(ctx context.Context, cartID uuid.UUID, expiresAt time.Time) error {
	_, err := t.Exec(ctx, `
		UPDATE carts SET expires_at = $2, updated_at = now() WHERE id = $1
	`, cartID, expiresAt)
	return err
}

func (t *tx) SetCartStatus(ctx context.Context, cartID uuid.UUID, status domain.CartStatus) error {
	_, err := t.Exec(ctx, `
		UPDATE carts SET status = $2, updated_at = now() WHERE id = $1
	`, cartID, status)
	return err
}

func (t *tx) AttachVoucher(ctx context.Context, cartID, voucherID uuid.UUID) error {
	_, err := t.Exec(ctx, `
		UPDATE carts SET voucher_id = $2, updated_at = now() WHERE id = $1
	`, cartID, voucherID)
	return err
}

func (t *tx) Items(ctx context.Context, cartID uuid.UUID) ([]domain.CartItem, error) {
	rows, err := t.Query(ctx, `
		SELECT id, cart_id, ticket_type_id, addon_id, quantity
		FROM cart_items WHERE cart_id = $1
		ORDER BY created_at
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

	// Hydrate catalog references; carts are small so per-line lookups are fine.
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

func (t *tx) ItemByID(ctx context.Context, cartID, itemID uuid.UUID) (*domain.CartItem, error) {
	return t.scanItem(ctx, t.QueryRow(ctx, `
		SELECT id, cart_id, ticket_type_id, addon_id, quantity
		FROM cart_items WHERE cart_id = $1 AND id = $2
	`, cartID, itemID))
}

func (t *tx) TicketItemForUpdate(ctx context.Context, cartID, ticketTypeID uuid.UUID) (*domain.CartItem, error) {
	return t.scanItem(ctx, t.QueryRow(ctx, `
		SELECT id, cart_id, ticket_type_id, addon_id, quantity
		FROM cart_items WHERE cart_id = $1 AND ticket_type_id = $2
		FOR UPDATE
	`, cartID, ticketTypeID))
}

func (t *tx) AddOnItemForUpdate(ctx context.Context, cartID, addOnID uuid.UUID) (*domain.CartItem, error) {
	return t.scanItem(ctx, t.QueryRow(ctx, `
		SELECT id, cart_id, ticket_type_id, addon_id, quantity
		FROM cart_items WHERE cart_id = $1 AND addon_id = $2
		FOR UPDATE
	`, cartID, addOnID))
}

func (t *tx) scanItem(ctx context.Context, row scannable) (*domain.CartItem, error) {
	var item domain.CartItem
	err := row.Scan(&item.ID, &item.CartID, &item.TicketTypeID, &item.AddOnID, &item.Quantity)
	if err != nil {
		return nil, notFound(err)
	}
	switch {
	case item.TicketTypeID != nil:
		tt, err := t.TicketTypeByID(ctx, *item.TicketTypeID)
		if err != nil {
			return nil, err
		}
		item.TicketType = tt
	case item.AddOnID != nil:
		a, err := t.AddOnByID(ctx, *item.AddOnID)
		if err != nil {
			return nil, err
		}
		item.AddOn = a
	}
	return &item, nil
}

func (t *tx) InsertItem(ctx context.Context, item *domain.CartItem) error {
	return t.exec(ctx, `
		INSERT INTO cart_items (id, cart_id, ticket_type_id, addon_id, quantity)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.CartID, item.TicketTypeID, item.AddOnID, item.Quantity)
}

func (t *tx) SetItemQuantity(ctx context.Context, itemID uuid.UUID, qty int) error {
	_, err := t.Exec(ctx, `
		UPDATE cart_items SET quantity = $2, updated_at = now() WHERE id = $1
	`, itemID, qty)
	return err
}

func (t *tx) DeleteItem(ctx context.Context, itemID uuid.UUID) error {
	_, err := t.Exec(ctx, `DELETE FROM cart_items WHERE id = $1`, itemID)
	return err
}

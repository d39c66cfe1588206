package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JacobCoffee/registrar/internal/domain"
)

const ticketTypeColumns = `
	id, conference_id, name, price, available_from, available_until,
	total_quantity, limit_per_user, requires_voucher, is_active`

const voucherColumns = `
	id, conference_id, code, voucher_type, discount_value,
	applicable_ticket_types, applicable_addons, max_uses, times_used,
	valid_from, valid_until, unlocks_hidden_tickets, is_active`

func scanTicketType(row scannable) (*domain.TicketType, error) {
	var tt domain.TicketType
	err := row.Scan(&tt.ID, &tt.ConferenceID, &tt.Name, &tt.Price,
		&tt.AvailableFrom, &tt.AvailableUntil, &tt.TotalQuantity,
		&tt.LimitPerUser, &tt.RequiresVoucher, &tt.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &tt, nil
}

func scanVoucher(row scannable) (*domain.Voucher, error) {
	var v domain.Voucher
	err := row.Scan(&v.ID, &v.ConferenceID, &v.Code, &v.Type, &v.DiscountValue,
		&v.ApplicableTicketTypes, &v.ApplicableAddOns, &v.MaxUses, &v.TimesUsed,
		&v.ValidFrom, &v.ValidUntil, &v.UnlocksHiddenTickets, &v.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func (t *tx) TicketTypeByID(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	return scanTicketType(t.QueryRow(ctx, `
		SELECT`+ticketTypeColumns+`
		FROM ticket_types WHERE id = $1
	`, id))
}

func (t *tx) AddOnByID(ctx context.Context, id uuid.UUID) (*domain.AddOn, error) {
	var a domain.AddOn
	err := t.QueryRow(ctx, `
		SELECT id, conference_id, name, price, required_ticket_types,
		       available_from, available_until, total_quantity, is_active
		FROM addons WHERE id = $1
	`, id).Scan(&a.ID, &a.ConferenceID, &a.Name, &a.Price, &a.RequiredTicketTypes,
		&a.AvailableFrom, &a.AvailableUntil, &a.TotalQuantity, &a.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (t *tx) ConferenceForUpdate(ctx context.Context, id uuid.UUID) (*domain.Conference, error) {
	var c domain.Conference
	err := t.QueryRow(ctx, `
		SELECT id, slug, name, total_capacity, stripe_webhook_secret, is_active
		FROM conferences WHERE id = $1
		FOR UPDATE
	`, id).Scan(&c.ID, &c.Slug, &c.Name, &c.TotalCapacity, &c.StripeWebhookSecret, &c.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) ConferenceBySlug(ctx context.Context, slug string) (*domain.Conference, error) {
	var c domain.Conference
	err := s.pool.QueryRow(ctx, `
		SELECT id, slug, name, total_capacity, stripe_webhook_secret, is_active
		FROM conferences WHERE slug = $1 AND is_active
	`, slug).Scan(&c.ID, &c.Slug, &c.Name, &c.TotalCapacity, &c.StripeWebhookSecret, &c.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t *tx) VoucherByID(ctx context.Context, id uuid.UUID) (*domain.Voucher, error) {
	return scanVoucher(t.QueryRow(ctx, `
		SELECT`+voucherColumns+`
		FROM vouchers WHERE id = $1
	`, id))
}

func (t *tx) VoucherByCode(ctx context.Context, conferenceID uuid.UUID, code string) (*domain.Voucher, error) {
	return scanVoucher(t.QueryRow(ctx, `
		SELECT`+voucherColumns+`
		FROM vouchers WHERE conference_id = $1 AND code = $2
	`, conferenceID, code))
}

func (t *tx) VoucherForUpdate(ctx context.Context, id uuid.UUID) (*domain.Voucher, error) {
	return scanVoucher(t.QueryRow(ctx, `
		SELECT`+voucherColumns+`
		FROM vouchers WHERE id = $1
		FOR UPDATE
	`, id))
}

// IncrementVoucherUsage is a guarded single UPDATE: the validity conditions
// live in the WHERE clause, so two checkouts racing on the last use cannot
// both succeed. Returns false when the guard rejected the increment.
func (t *tx) IncrementVoucherUsage(ctx context.Context, voucherID uuid.UUID, now time.Time) (bool, error) {
	res, err := t.Exec(ctx, `
		UPDATE vouchers SET times_used = times_used + 1
		WHERE id = $1
		  AND is_active
		  AND times_used < max_uses
		  AND (valid_from IS NULL OR valid_from <= $2)
		  AND (valid_until IS NULL OR valid_until >= $2)
	`, voucherID, now)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (t *tx) DecrementVoucherUsage(ctx context.Context, conferenceID uuid.UUID, code string) error {
	_, err := t.Exec(ctx, `
		UPDATE vouchers SET times_used = GREATEST(times_used - 1, 0)
		WHERE conference_id = $1 AND code = $2
	`, conferenceID, code)
	return err
}

package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JacobCoffee/registrar/internal/domain"
)

const paymentColumns = `
	id, order_id, method, status, amount, stripe_payment_intent_id,
	stripe_charge_id, reference, note, created_at`

func scanPayment(row scannable) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Method, &p.Status, &p.Amount,
		&p.StripePaymentIntentID, &p.StripeChargeID, &p.Reference, &p.Note, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *tx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	return t.exec(ctx, `
		INSERT INTO payments (id, order_id, method, status, amount,
			stripe_payment_intent_id, stripe_charge_id, reference, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.OrderID, p.Method, p.Status, p.Amount,
		p.StripePaymentIntentID, p.StripeChargeID, p.Reference, p.Note)
}

func (t *tx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	_, err := t.Exec(ctx, `
		UPDATE payments SET status = $2, stripe_charge_id = $3, note = $4
		WHERE id = $1
	`, p.ID, p.Status, p.StripeChargeID, p.Note)
	return err
}

func (t *tx) SetPaymentStatus(ctx context.Context, paymentID uuid.UUID, status domain.PaymentStatus) error {
	_, err := t.Exec(ctx, `
		UPDATE payments SET status = $2 WHERE id = $1
	`, paymentID, status)
	return err
}

func (t *tx) PaymentByIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	return scanPayment(t.QueryRow(ctx, `
		SELECT`+paymentColumns+`
		FROM payments WHERE stripe_payment_intent_id = $1
		FOR UPDATE
	`, intentID))
}

func (t *tx) PendingStripePayment(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return scanPayment(t.QueryRow(ctx, `
		SELECT`+paymentColumns+`
		FROM payments WHERE order_id = $1 AND method = 'stripe' AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID))
}

func (t *tx) SucceededStripePayment(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return scanPayment(t.QueryRow(ctx, `
		SELECT`+paymentColumns+`
		FROM payments WHERE order_id = $1 AND method = 'stripe' AND status = 'succeeded'
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID))
}

func (t *tx) SucceededCreditPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	rows, err := t.Query(ctx, `
		SELECT`+paymentColumns+`
		FROM payments WHERE order_id = $1 AND method = 'credit' AND status = 'succeeded'
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

func (t *tx) SumSucceededPayments(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payments WHERE order_id = $1 AND status = 'succeeded'
	`, orderID).Scan(&sum)
	return sum, err
}

// SumRefundedAmount totals the value already returned to the buyer. Refund
// rows carry negative amounts, so the sum is negated back to a positive
// figure.
func (t *tx) SumRefundedAmount(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0)
		FROM payments WHERE order_id = $1 AND status = 'refunded' AND amount < 0
	`, orderID).Scan(&sum)
	return sum, err
}

func (t *tx) CreditForUpdate(ctx context.Context, creditID uuid.UUID) (*domain.Credit, error) {
	return scanCredit(t.QueryRow(ctx, `
		SELECT `+creditColumns+`
		FROM credits WHERE id = $1
		FOR UPDATE
	`, creditID))
}

func (t *tx) CreditAppliedToOrder(ctx context.Context, orderID uuid.UUID) (*domain.Credit, error) {
	return scanCredit(t.QueryRow(ctx, `
		SELECT `+creditColumns+`
		FROM credits WHERE applied_to_order_id = $1
		FOR UPDATE
	`, orderID))
}

func (t *tx) InsertCredit(ctx context.Context, c *domain.Credit) error {
	return t.exec(ctx, `
		INSERT INTO credits (id, user_id, conference_id, amount, remaining_amount,
			status, applied_to_order_id, source_order_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.UserID, c.ConferenceID, c.Amount, c.RemainingAmount,
		c.Status, c.AppliedToOrderID, c.SourceOrderID, c.Note)
}

func (t *tx) UpdateCredit(ctx context.Context, c *domain.Credit) error {
	_, err := t.Exec(ctx, `
		UPDATE credits SET remaining_amount = $2, status = $3, applied_to_order_id = $4
		WHERE id = $1
	`, c.ID, c.RemainingAmount, c.Status, c.AppliedToOrderID)
	return err
}

const creditColumns = `id, user_id, conference_id, amount, remaining_amount, status, applied_to_order_id, source_order_id, note`

func scanCredit(row scannable) (*domain.Credit, error) {
	var c domain.Credit
	err := row.Scan(&c.ID, &c.UserID, &c.ConferenceID, &c.Amount, &c.RemainingAmount,
		&c.Status, &c.AppliedToOrderID, &c.SourceOrderID, &c.Note)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// AvailableCredits lists a user's spendable credits for the HTTP surface.
func (s *Store) AvailableCredits(ctx context.Context, userID, conferenceID uuid.UUID) ([]domain.Credit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+creditColumns+`
		FROM credits WHERE user_id = $1 AND conference_id = $2 AND status = 'available'
	`, userID, conferenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var credits []domain.Credit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		credits = append(credits, *c)
	}
	return credits, rows.Err()
}

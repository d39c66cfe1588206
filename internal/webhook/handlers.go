package webhook

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/JacobCoffee/registrar/internal/domain"
)

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type chargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunded       bool   `json:"refunded"`
}

// handlePaymentSucceeded settles the card payment and marks the order paid.
// The settlement may arrive for an intent the API never finished recording,
// so a missing payment row is created from the intent, resolving the order
// through the reference stamped into the intent metadata. The transition
// check makes a redundant delivery for an already-paid order fail loudly
// instead of double-settling.
func (s *Service) handlePaymentSucceeded(ctx context.Context, tx Tx, ev *Event, fx *Effects) error {
	var intent paymentIntentObject
	if err := json.Unmarshal(ev.Object, &intent); err != nil {
		return errors.Wrap(err, "unmarshal payment_intent")
	}

	p, err := tx.PaymentByIntentID(ctx, intent.ID)
	if errors.Is(err, domain.ErrNotFound) {
		p, err = s.insertSettlingPayment(ctx, tx, &intent)
	}
	if err != nil {
		return err
	}
	p.Status = domain.PaymentSucceeded
	p.StripeChargeID = intent.LatestCharge
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}

	o, err := tx.OrderForUpdate(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if err := o.Transition(domain.OrderPaid); err != nil {
		return err
	}
	o.HoldExpiresAt = nil
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}

	fx.Paid = o
	s.logger.WithField("reference", o.Reference).Info("order paid via webhook")
	return nil
}

// insertSettlingPayment creates the payment row for a settled intent that
// has none, locking the order named in the intent metadata.
func (s *Service) insertSettlingPayment(ctx context.Context, tx Tx, intent *paymentIntentObject) (*domain.Payment, error) {
	reference := intent.Metadata["order_reference"]
	if reference == "" {
		return nil, errors.Newf("no payment and no order reference for intent %s", intent.ID)
	}
	o, err := tx.OrderByReferenceForUpdate(ctx, reference)
	if err != nil {
		return nil, errors.Wrapf(err, "no order %s for intent %s", reference, intent.ID)
	}

	p := &domain.Payment{
		ID:                    uuid.New(),
		OrderID:               o.ID,
		Method:                domain.PaymentStripe,
		Status:                domain.PaymentPending,
		Amount:                domain.AmountFromCents(intent.Amount),
		StripePaymentIntentID: intent.ID,
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return nil, err
	}
	s.logger.WithField("reference", o.Reference).
		WithField("intent", intent.ID).
		Warn("settled intent had no payment row, created one")
	return p, nil
}

// handlePaymentFailed records the failure against the payment still waiting
// to settle. Deliveries can arrive out of order, so a failure with no
// pending or processing payment left to fail is a no-op, never a demotion
// of an already-settled one. The order stays pending so the buyer can retry
// while the hold lasts.
func (s *Service) handlePaymentFailed(ctx context.Context, tx Tx, ev *Event, fx *Effects) error {
	var intent paymentIntentObject
	if err := json.Unmarshal(ev.Object, &intent); err != nil {
		return errors.Wrap(err, "unmarshal payment_intent")
	}

	p, err := tx.PaymentByIntentID(ctx, intent.ID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.WithField("intent", intent.ID).Warn("payment failure for unknown intent")
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status != domain.PaymentPending && p.Status != domain.PaymentProcessing {
		s.logger.WithField("intent", intent.ID).
			WithField("status", string(p.Status)).
			Warn("payment failure arrived after settlement, ignoring")
		return nil
	}
	p.Status = domain.PaymentFailed
	p.Note = intent.LastPaymentError.Message
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}

	s.logger.WithField("order_id", p.OrderID.String()).
		WithField("reason", intent.LastPaymentError.Message).
		Warn("card payment failed")
	return nil
}

// handleChargeRefunded mirrors a refund executed at the provider into the
// order. A full refund (amount_refunded covers the charge) also flips the
// payment row; partial refunds only move the order, which tracks them in
// aggregate. A refund already mirrored through the API path leaves the order
// in the target state, which makes the delivery a no-op.
func (s *Service) handleChargeRefunded(ctx context.Context, tx Tx, ev *Event, fx *Effects) error {
	var charge chargeObject
	if err := json.Unmarshal(ev.Object, &charge); err != nil {
		return errors.Wrap(err, "unmarshal charge")
	}

	p, err := tx.PaymentByIntentID(ctx, charge.PaymentIntent)
	if err != nil {
		return errors.Wrapf(err, "no payment for intent %s", charge.PaymentIntent)
	}
	o, err := tx.OrderForUpdate(ctx, p.OrderID)
	if err != nil {
		return err
	}

	target := domain.OrderPartiallyRefunded
	if charge.Refunded || charge.AmountRefunded >= charge.Amount {
		target = domain.OrderRefunded
		p.Status = domain.PaymentRefunded
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
	}
	if o.Status == target {
		return nil
	}
	if err := o.Transition(target); err != nil {
		return err
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}

	fx.Refunded = o
	s.logger.WithField("reference", o.Reference).
		WithField("amount", domain.AmountFromCents(charge.AmountRefunded).String()).
		Info("provider refund mirrored")
	return nil
}

// handleDisputeCreated only leaves an audit trail. Disputes are resolved by
// humans in the provider dashboard, never automatically.
func (s *Service) handleDisputeCreated(ctx context.Context, tx Tx, ev *Event, fx *Effects) error {
	var charge chargeObject
	if err := json.Unmarshal(ev.Object, &charge); err != nil {
		return errors.Wrap(err, "unmarshal dispute")
	}
	s.logger.WithField("stripe_id", ev.Record.StripeID).
		WithField("charge", charge.ID).
		Warn("charge dispute opened")
	return nil
}

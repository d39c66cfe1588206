// Package refund reverses paid orders. Card money goes back through the
// provider; alternatively the value can be issued as store credit for a
// future order. Full refunds move the order to refunded, partial ones to
// partially refunded.
package refund

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/notify"
	"github.com/JacobCoffee/registrar/internal/observability"
	"github.com/JacobCoffee/registrar/internal/payment"
)

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type Tx interface {
	OrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	UpdateOrder(ctx context.Context, o *domain.Order) error
	SucceededStripePayment(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error)
	InsertPayment(ctx context.Context, p *domain.Payment) error
	SumRefundedAmount(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error)
	InsertCredit(ctx context.Context, c *domain.Credit) error
}

// Mode selects where the refunded value goes.
type Mode string

const (
	ModeProvider Mode = "provider"
	ModeCredit   Mode = "credit"
)

type Service struct {
	store    Store
	provider payment.Provider
	notifier notify.OrderNotifier
	logger   observability.Logger
	now      func() time.Time
}

func NewService(store Store, provider payment.Provider, notifier notify.OrderNotifier, logger observability.Logger) *Service {
	return &Service{
		store:    store,
		provider: provider,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Create refunds amount from a paid order. A zero amount means "everything
// still refundable". The provider call happens between two transactions: the
// first validates and finds the charge, the second records the outcome, so a
// provider failure never leaves a phantom refund in the ledger.
func (s *Service) Create(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, mode Mode, note string) (*domain.Order, error) {
	var (
		order      *domain.Order
		chargeID   string
		refundable decimal.Decimal
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPaid {
			return domain.Invalid(domain.ErrIllegalTransition,
				"order %s is %s and cannot be refunded", o.Reference, o.Status)
		}

		refunded, err := tx.SumRefundedAmount(ctx, o.ID)
		if err != nil {
			return err
		}
		refundable = o.Total.Sub(refunded)
		if amount.IsZero() {
			amount = refundable
		}
		if !amount.IsPositive() || refundable.LessThan(amount) {
			return domain.Invalid(nil,
				"refund of %s exceeds the refundable balance %s for order %s", amount, refundable, o.Reference)
		}

		if mode == ModeProvider {
			charged, err := tx.SucceededStripePayment(ctx, o.ID)
			if err != nil {
				return err
			}
			chargeID = charged.StripeChargeID
			if chargeID == "" {
				return domain.Invalid(nil, "order %s has no settled charge to refund against", o.Reference)
			}
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	var providerRefundID string
	if mode == ModeProvider {
		res, err := s.provider.Refund(ctx, chargeID, amount)
		if err != nil {
			return nil, err
		}
		providerRefundID = res.ID
	}

	full := amount.Equal(refundable)
	err = s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		target := domain.OrderPartiallyRefunded
		if full {
			target = domain.OrderRefunded
		}
		// A duplicate submission may have completed while the provider call
		// was in flight; the transition check rejects it here.
		if err := o.Transition(target); err != nil {
			return err
		}

		p := &domain.Payment{
			ID:        uuid.New(),
			OrderID:   o.ID,
			Method:    domain.PaymentStripe,
			Status:    domain.PaymentRefunded,
			Amount:    amount.Neg(),
			Reference: providerRefundID,
			Note:      note,
		}
		if mode == ModeCredit {
			p.Method = domain.PaymentCredit
			if err := tx.InsertCredit(ctx, &domain.Credit{
				ID:              uuid.New(),
				UserID:          o.UserID,
				ConferenceID:    o.ConferenceID,
				Amount:          amount,
				RemainingAmount: amount,
				Status:          domain.CreditAvailable,
				SourceOrderID:   &o.ID,
				Note:            note,
			}); err != nil {
				return err
			}
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}

		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.OrderRefunded(ctx, order)
	s.logger.WithField("reference", order.Reference).
		WithField("amount", amount.String()).
		Info("refund recorded")
	return order, nil
}

// Package payment records money movements against orders. Card payments go
// through the Provider port; comp and manual payments are recorded directly
// by staff endpoints. The webhook dispatcher, not this package, settles card
// payments when the provider confirms them.
package payment

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/notify"
	"github.com/JacobCoffee/registrar/internal/observability"
)

// Provider abstracts the card processor. Intents and refunds are created
// synchronously; settlement arrives later over webhooks.
type Provider interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency, orderReference string) (*Intent, error)
	Refund(ctx context.Context, chargeID string, amount decimal.Decimal) (*RefundResult, error)
}

type Intent struct {
	ID           string
	ClientSecret string
}

type RefundResult struct {
	ID string
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type Tx interface {
	OrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	UpdateOrder(ctx context.Context, o *domain.Order) error
	InsertPayment(ctx context.Context, p *domain.Payment) error
	PendingStripePayment(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error)
	SumSucceededPayments(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error)
}

type Service struct {
	store    Store
	provider Provider
	notifier notify.OrderNotifier
	logger   observability.Logger
	now      func() time.Time
}

func NewService(store Store, provider Provider, notifier notify.OrderNotifier, logger observability.Logger) *Service {
	return &Service{
		store:    store,
		provider: provider,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Initiate creates a provider intent for the outstanding balance of a pending
// order and records a pending stripe payment carrying the intent id. Repeat
// calls reuse the existing pending payment instead of opening a second intent.
func (s *Service) Initiate(ctx context.Context, orderID uuid.UUID) (*domain.Payment, string, error) {
	now := s.now()
	var (
		p       *domain.Payment
		balance decimal.Decimal
		ref     string
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPending {
			return domain.Invalid(nil, "payment can only be initiated for pending orders")
		}
		if !o.HoldActive(now) {
			return domain.Invalid(nil, "the inventory hold for order %s has lapsed", o.Reference)
		}

		existing, err := tx.PendingStripePayment(ctx, o.ID)
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		paid, err := tx.SumSucceededPayments(ctx, o.ID)
		if err != nil {
			return err
		}
		balance = o.Total.Sub(paid)
		if !balance.IsPositive() {
			return domain.Invalid(nil, "order %s has no outstanding balance", o.Reference)
		}
		ref = o.Reference
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if p != nil {
		return p, "", nil
	}

	// The intent is created outside the transaction; a crash between the two
	// steps leaves an orphan intent at the provider, never a wrong ledger row.
	intent, err := s.provider.CreateIntent(ctx, balance, "usd", ref)
	if err != nil {
		return nil, "", err
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		p = &domain.Payment{
			ID:                    uuid.New(),
			OrderID:               orderID,
			Method:                domain.PaymentStripe,
			Status:                domain.PaymentPending,
			Amount:                balance,
			StripePaymentIntentID: intent.ID,
		}
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		return nil, "", err
	}
	return p, intent.ClientSecret, nil
}

// RecordComp settles a zero-total order without touching the provider.
func (s *Service) RecordComp(ctx context.Context, orderID uuid.UUID, note string) (*domain.Order, error) {
	var order *domain.Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Total.IsZero() {
			return domain.Invalid(nil, "order %s has a non-zero total and cannot be comped", o.Reference)
		}
		if err := o.Transition(domain.OrderPaid); err != nil {
			return err
		}

		p := &domain.Payment{
			ID:      uuid.New(),
			OrderID: o.ID,
			Method:  domain.PaymentComp,
			Status:  domain.PaymentSucceeded,
			Amount:  decimal.Zero,
			Note:    note,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}

		o.HoldExpiresAt = nil
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.OrderPaid(ctx, order)
	s.logger.WithField("reference", order.Reference).Info("order comped")
	return order, nil
}

// RecordManual settles an order paid outside the system, for example by bank
// transfer. The amount must cover the outstanding balance exactly.
func (s *Service) RecordManual(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, reference, note string) (*domain.Order, error) {
	var order *domain.Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		paid, err := tx.SumSucceededPayments(ctx, o.ID)
		if err != nil {
			return err
		}
		balance := o.Total.Sub(paid)
		if !amount.Equal(balance) {
			return domain.Invalid(nil,
				"manual payment of %s does not match the outstanding balance %s", amount, balance)
		}
		if err := o.Transition(domain.OrderPaid); err != nil {
			return err
		}

		p := &domain.Payment{
			ID:        uuid.New(),
			OrderID:   o.ID,
			Method:    domain.PaymentManual,
			Status:    domain.PaymentSucceeded,
			Amount:    amount,
			Reference: reference,
			Note:      note,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}

		o.HoldExpiresAt = nil
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.OrderPaid(ctx, order)
	s.logger.WithField("reference", order.Reference).Info("manual payment recorded")
	return order, nil
}

// Package checkout is the commit point of the commerce engine: it turns an
// open cart into an immutable pending order inside one transaction, placing a
// time-boxed inventory hold. It also owns the order state machine operations
// that the HTTP surface exposes directly (cancel, apply credit).
package checkout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JacobCoffee/registrar/internal/cart"
	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/inventory"
	"github.com/JacobCoffee/registrar/internal/notify"
	"github.com/JacobCoffee/registrar/internal/observability"
	"github.com/JacobCoffee/registrar/internal/pricing"
)

// referenceAttempts bounds the collision-retry loop. Collisions are expected
// approximately never, but they are handled, not assumed impossible.
const referenceAttempts = 10

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type Tx interface {
	inventory.Store

	ExpireStalePendingOrders(ctx context.Context, conferenceID uuid.UUID, now time.Time) error
	CartForUpdate(ctx context.Context, cartID uuid.UUID) (*domain.Cart, error)
	LockedItems(ctx context.Context, cartID uuid.UUID) ([]domain.CartItem, error)
	SetCartStatus(ctx context.Context, cartID uuid.UUID, status domain.CartStatus) error

	ConferenceForUpdate(ctx context.Context, id uuid.UUID) (*domain.Conference, error)
	VoucherForUpdate(ctx context.Context, id uuid.UUID) (*domain.Voucher, error)
	IncrementVoucherUsage(ctx context.Context, voucherID uuid.UUID, now time.Time) (bool, error)
	DecrementVoucherUsage(ctx context.Context, conferenceID uuid.UUID, code string) error

	InsertOrder(ctx context.Context, o *domain.Order) error
	InsertLineItems(ctx context.Context, lines []domain.OrderLineItem) error
	OrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	UpdateOrder(ctx context.Context, o *domain.Order) error

	CreditForUpdate(ctx context.Context, creditID uuid.UUID) (*domain.Credit, error)
	UpdateCredit(ctx context.Context, c *domain.Credit) error
	CreditAppliedToOrder(ctx context.Context, orderID uuid.UUID) (*domain.Credit, error)

	InsertPayment(ctx context.Context, p *domain.Payment) error
	SetPaymentStatus(ctx context.Context, paymentID uuid.UUID, status domain.PaymentStatus) error
	SucceededCreditPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error)
	SumSucceededPayments(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error)
}

type BillingDetails struct {
	Name    string
	Email   string
	Company string
}

type Service struct {
	store     Store
	notifier  notify.OrderNotifier
	logger    observability.Logger
	hold      time.Duration
	refPrefix string
	now       func() time.Time
}

func NewService(store Store, notifier notify.OrderNotifier, logger observability.Logger, hold time.Duration, refPrefix string) *Service {
	return &Service{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		hold:      hold,
		refPrefix: refPrefix,
		now:       time.Now,
	}
}

// Checkout converts the cart into a pending order atomically. Stock,
// availability windows, global capacity, and voucher validity are all
// revalidated at commit time; whatever was approved when items were added is
// not trusted. Any failure rolls the whole transaction back.
func (s *Service) Checkout(ctx context.Context, cartID uuid.UUID, billing BillingDetails) (*domain.Order, error) {
	now := s.now()
	var order *domain.Order

	err := s.store.InTx(ctx, func(tx Tx) error {
		c, err := tx.CartForUpdate(ctx, cartID)
		if err != nil {
			return err
		}

		// Lapsed holds stop reserving stock by predicate already; flipping
		// the rows keeps the ledger tidy before we count.
		if err := tx.ExpireStalePendingOrders(ctx, c.ConferenceID, now); err != nil {
			return err
		}

		if c.Status != domain.CartOpen {
			return domain.Invalid(domain.ErrCartNotOpen, "only open carts can be checked out")
		}
		if !now.Before(c.ExpiresAt) {
			return domain.Invalid(domain.ErrCartNotOpen, "cart has expired")
		}

		items, err := tx.LockedItems(ctx, cartID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return domain.Invalid(nil, "cannot check out an empty cart")
		}

		conf, err := tx.ConferenceForUpdate(ctx, c.ConferenceID)
		if err != nil {
			return err
		}
		if err := s.revalidate(ctx, tx, conf, items, now); err != nil {
			return err
		}

		var voucher *domain.Voucher
		if c.VoucherID != nil {
			voucher, err = tx.VoucherForUpdate(ctx, *c.VoucherID)
			if err != nil {
				return err
			}
			if !voucher.IsValid(now) {
				return domain.Invalid(domain.ErrInvalidVoucher,
					"voucher code '%s' is no longer valid", voucher.Code)
			}
		}

		summary := pricing.Price(cart.Lines(items), voucher)

		order, err = s.insertOrder(ctx, tx, c, voucher, summary, billing, now)
		if err != nil {
			return err
		}

		lines := make([]domain.OrderLineItem, 0, len(summary.Lines))
		for _, l := range summary.Lines {
			lines = append(lines, domain.OrderLineItem{
				ID:             uuid.New(),
				OrderID:        order.ID,
				Description:    l.Description,
				Quantity:       l.Quantity,
				UnitPrice:      l.UnitPrice,
				DiscountAmount: l.Discount,
				LineTotal:      l.LineTotal,
				TicketTypeID:   l.TicketTypeID,
				AddOnID:        l.AddOnID,
			})
		}
		if err := tx.InsertLineItems(ctx, lines); err != nil {
			return err
		}

		if err := tx.SetCartStatus(ctx, c.ID, domain.CartCheckedOut); err != nil {
			return err
		}

		if voucher != nil {
			// Single guarded UPDATE, not read-modify-write, so concurrent
			// checkouts sharing the voucher cannot race past max_uses.
			ok, err := tx.IncrementVoucherUsage(ctx, voucher.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				return domain.Invalid(domain.ErrInvalidVoucher,
					"voucher code '%s' is no longer valid", voucher.Code)
			}
		}
		return nil
	})
	if err != nil {
		observability.CheckoutsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}

	observability.CheckoutsTotal.WithLabelValues("success").Inc()
	s.logger.WithField("reference", order.Reference).Info("order created")
	return order, nil
}

// Cancel moves a pending order to cancelled, reverses any credit payments,
// releases the voucher usage counter, and clears the inventory hold. The
// ledger's committed-quantity predicate stops counting the order on its own.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var order *domain.Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := o.Transition(domain.OrderCancelled); err != nil {
			return err
		}

		if err := s.reverseCreditPayments(ctx, tx, o); err != nil {
			return err
		}

		o.HoldExpiresAt = nil
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		if o.VoucherCode != "" {
			if err := tx.DecrementVoucherUsage(ctx, o.ConferenceID, o.VoucherCode); err != nil {
				return err
			}
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithField("reference", order.Reference).Info("order cancelled")
	return order, nil
}

// ApplyCredit consumes an available credit against a pending order, creating
// a succeeded credit payment for min(credit remaining, outstanding balance).
// When payments then cover the total, the order transitions to paid.
func (s *Service) ApplyCredit(ctx context.Context, orderID, creditID uuid.UUID) (*domain.Payment, error) {
	var (
		payment *domain.Payment
		paid    *domain.Order
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		credit, err := tx.CreditForUpdate(ctx, creditID)
		if err != nil {
			return err
		}

		if o.Status != domain.OrderPending {
			return domain.Invalid(nil, "credits can only be applied to pending orders")
		}
		if credit.Status != domain.CreditAvailable {
			return domain.Invalid(nil, "only available credits can be applied")
		}
		if credit.UserID != o.UserID {
			return domain.Invalid(nil, "credit does not belong to this user")
		}
		if credit.ConferenceID != o.ConferenceID {
			return domain.Invalid(nil, "credit does not belong to this conference")
		}

		paidSoFar, err := tx.SumSucceededPayments(ctx, o.ID)
		if err != nil {
			return err
		}
		balance := o.Total.Sub(paidSoFar)
		if !balance.IsPositive() {
			return domain.Invalid(nil, "order is already fully paid")
		}
		if !credit.RemainingAmount.IsPositive() {
			return domain.Invalid(nil, "credit has no remaining balance")
		}

		amount := credit.RemainingAmount
		if balance.LessThan(amount) {
			amount = balance
		}

		payment = &domain.Payment{
			ID:      uuid.New(),
			OrderID: o.ID,
			Method:  domain.PaymentCredit,
			Status:  domain.PaymentSucceeded,
			Amount:  amount,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		credit.RemainingAmount = credit.RemainingAmount.Sub(amount)
		if !credit.RemainingAmount.IsPositive() {
			credit.Status = domain.CreditApplied
		}
		credit.AppliedToOrderID = &o.ID
		if err := tx.UpdateCredit(ctx, credit); err != nil {
			return err
		}

		if !paidSoFar.Add(amount).LessThan(o.Total) {
			if err := o.Transition(domain.OrderPaid); err != nil {
				return err
			}
			o.HoldExpiresAt = nil
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			paid = o
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if paid != nil {
		s.notifier.OrderPaid(ctx, paid)
		s.logger.WithField("reference", paid.Reference).Info("order paid by credit")
	}
	return payment, nil
}

func (s *Service) insertOrder(ctx context.Context, tx Tx, c *domain.Cart, voucher *domain.Voucher, summary pricing.Summary, billing BillingDetails, now time.Time) (*domain.Order, error) {
	holdExpires := now.Add(s.hold)
	o := &domain.Order{
		ID:             uuid.New(),
		ConferenceID:   c.ConferenceID,
		UserID:         c.UserID,
		Status:         domain.OrderPending,
		Subtotal:       summary.Subtotal,
		DiscountAmount: summary.Discount,
		Total:          summary.Total,
		BillingName:    billing.Name,
		BillingEmail:   billing.Email,
		BillingCompany: billing.Company,
		HoldExpiresAt:  &holdExpires,
	}
	if voucher != nil {
		o.VoucherCode = voucher.Code
		o.VoucherDetails = snapshotVoucher(voucher)
	}

	for attempt := 0; attempt < referenceAttempts; attempt++ {
		o.Reference = NewReference(s.refPrefix)
		err := tx.InsertOrder(ctx, o)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	}
	return nil, errors.Newf("could not generate a unique order reference after %d attempts", referenceAttempts)
}

// revalidate re-checks every line against the ledger and availability
// windows at commit time; stale approval from add time is not trusted.
func (s *Service) revalidate(ctx context.Context, tx Tx, conf *domain.Conference, items []domain.CartItem, now time.Time) error {
	ticketTotal := 0
	for _, item := range items {
		switch {
		case item.TicketType != nil:
			tt := item.TicketType
			if !tt.WindowOpen(now) {
				return domain.Invalid(nil, "ticket type '%s' is no longer available", tt.Name)
			}
			remaining, err := inventory.Remaining(ctx, tx, tt, now)
			if err != nil {
				return err
			}
			if remaining != nil && *remaining < item.Quantity {
				return domain.Invalid(domain.ErrCapacityExceeded,
					"only %d tickets of type '%s' remaining, but %d requested", *remaining, tt.Name, item.Quantity)
			}
			ticketTotal += item.Quantity
		case item.AddOn != nil:
			a := item.AddOn
			if !a.WindowOpen(now) {
				return domain.Invalid(nil, "add-on '%s' is no longer available", a.Name)
			}
			remaining, err := inventory.AddOnRemaining(ctx, tx, a, now)
			if err != nil {
				return err
			}
			if remaining != nil && *remaining < item.Quantity {
				return domain.Invalid(domain.ErrCapacityExceeded,
					"only %d of add-on '%s' remaining, but %d requested", *remaining, a.Name, item.Quantity)
			}
		}
	}
	return inventory.ValidateGlobalCapacity(ctx, tx, conf, ticketTotal, now)
}

func (s *Service) reverseCreditPayments(ctx context.Context, tx Tx, o *domain.Order) error {
	payments, err := tx.SucceededCreditPayments(ctx, o.ID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if err := tx.SetPaymentStatus(ctx, p.ID, domain.PaymentRefunded); err != nil {
			return err
		}
		credit, err := tx.CreditAppliedToOrder(ctx, o.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		credit.RemainingAmount = credit.RemainingAmount.Add(p.Amount)
		credit.Status = domain.CreditAvailable
		credit.AppliedToOrderID = nil
		if err := tx.UpdateCredit(ctx, credit); err != nil {
			return err
		}
	}
	return nil
}

// snapshotVoucher freezes the voucher terms into the order so later voucher
// edits never change what an order reports.
func snapshotVoucher(v *domain.Voucher) string {
	data, _ := json.Marshal(map[string]interface{}{
		"code":                   v.Code,
		"voucher_type":           string(v.Type),
		"discount_value":         v.DiscountValue.String(),
		"unlocks_hidden_tickets": v.UnlocksHiddenTickets,
	})
	return string(data)
}

func outcome(err error) string {
	if domain.IsValidation(err) {
		if errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, domain.ErrPerUserLimitExceeded) {
			observability.CapacityRejections.Inc()
		}
		return "validation"
	}
	return "error"
}

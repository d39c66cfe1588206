package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending           OrderStatus = "pending"
	OrderPaid              OrderStatus = "paid"
	OrderRefunded          OrderStatus = "refunded"
	OrderPartiallyRefunded OrderStatus = "partially_refunded"
	OrderCancelled         OrderStatus = "cancelled"
)

// The order state machine is closed: status only advances forward, except
// pending orders which may be cancelled.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderPaid, OrderCancelled},
	OrderPaid:    {OrderRefunded, OrderPartiallyRefunded},
}

// Order is an immutable commitment to buy, created once per checkout. Pricing
// and voucher state are snapshots; they never track later catalog changes.
type Order struct {
	ID             uuid.UUID
	ConferenceID   uuid.UUID
	UserID         uuid.UUID
	Status         OrderStatus
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
	VoucherCode    string
	VoucherDetails string // JSON snapshot of the voucher at checkout time
	BillingName    string
	BillingEmail   string
	BillingCompany string
	Reference      string
	HoldExpiresAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transition moves the order to a new status, failing with a ValidationError
// naming both states when the transition is not in the legal set.
func (o *Order) Transition(to OrderStatus) error {
	for _, allowed := range orderTransitions[o.Status] {
		if allowed == to {
			o.Status = to
			return nil
		}
	}
	return Invalid(ErrIllegalTransition,
		"order %s cannot move from '%s' to '%s'", o.Reference, o.Status, to)
}

// HoldActive reports whether the order still soft-reserves inventory.
func (o *Order) HoldActive(now time.Time) bool {
	return o.Status == OrderPending && o.HoldExpiresAt != nil && o.HoldExpiresAt.After(now)
}

type OrderLineItem struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	Description    string
	Quantity       int
	UnitPrice      decimal.Decimal
	DiscountAmount decimal.Decimal
	LineTotal      decimal.Decimal
	TicketTypeID   *uuid.UUID // soft reference; the catalog row may be gone
	AddOnID        *uuid.UUID
}

type PaymentMethod string

const (
	PaymentStripe PaymentMethod = "stripe"
	PaymentComp   PaymentMethod = "comp"
	PaymentCredit PaymentMethod = "credit"
	PaymentManual PaymentMethod = "manual"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

type Payment struct {
	ID                    uuid.UUID
	OrderID               uuid.UUID
	Method                PaymentMethod
	Status                PaymentStatus
	Amount                decimal.Decimal
	StripePaymentIntentID string
	StripeChargeID        string
	Reference             string
	Note                  string
	CreatedAt             time.Time
}

type CreditStatus string

const (
	CreditAvailable CreditStatus = "available"
	CreditApplied   CreditStatus = "applied"
	CreditExpired   CreditStatus = "expired"
)

// Credit is store credit, usually issued by the refund workflow. It supports
// partial consumption: RemainingAmount tracks what is left and the status
// flips to applied only once fully consumed.
type Credit struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	ConferenceID     uuid.UUID
	Amount           decimal.Decimal
	RemainingAmount  decimal.Decimal
	Status           CreditStatus
	AppliedToOrderID *uuid.UUID
	SourceOrderID    *uuid.UUID
	Note             string
}

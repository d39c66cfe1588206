package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CartStatus string

const (
	CartOpen       CartStatus = "open"
	CartCheckedOut CartStatus = "checked_out"
	CartExpired    CartStatus = "expired"
	CartAbandoned  CartStatus = "abandoned"
)

type Cart struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	ConferenceID uuid.UUID
	Status       CartStatus
	VoucherID    *uuid.UUID
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Open reports whether the cart can still be mutated. The expiry is checked
// here too so a cart past its deadline is rejected even before the reaper
// flips its status.
func (c *Cart) Open(now time.Time) bool {
	return c.Status == CartOpen && now.Before(c.ExpiresAt)
}

// CartItem references exactly one of TicketTypeID/AddOnID, enforced by a
// check constraint at write time. TicketType/AddOn are populated on joined
// loads.
type CartItem struct {
	ID           uuid.UUID
	CartID       uuid.UUID
	TicketTypeID *uuid.UUID
	AddOnID      *uuid.UUID
	Quantity     int

	TicketType *TicketType
	AddOn      *AddOn
}

func (i *CartItem) UnitPrice() decimal.Decimal {
	if i.TicketType != nil {
		return i.TicketType.Price
	}
	if i.AddOn != nil {
		return i.AddOn.Price
	}
	return decimal.Zero
}

func (i *CartItem) Description() string {
	if i.TicketType != nil {
		return i.TicketType.Name
	}
	if i.AddOn != nil {
		return i.AddOn.Name
	}
	return "unknown item"
}

func (i *CartItem) LineTotal() decimal.Decimal {
	return i.UnitPrice().Mul(decimal.NewFromInt(int64(i.Quantity)))
}

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type VoucherType string

const (
	VoucherComp        VoucherType = "comp"
	VoucherPercentage  VoucherType = "percentage"
	VoucherFixedAmount VoucherType = "fixed_amount"
)

type Voucher struct {
	ID                    uuid.UUID
	ConferenceID          uuid.UUID
	Code                  string
	Type                  VoucherType
	DiscountValue         decimal.Decimal
	ApplicableTicketTypes []uuid.UUID // empty = all ticket types
	ApplicableAddOns      []uuid.UUID // empty = all add-ons
	MaxUses               int
	TimesUsed             int
	ValidFrom             *time.Time
	ValidUntil            *time.Time
	UnlocksHiddenTickets  bool
	IsActive              bool
}

// IsValid reports whether the voucher can currently be redeemed: active,
// usage remaining, and inside the validity window.
func (v *Voucher) IsValid(now time.Time) bool {
	if !v.IsActive {
		return false
	}
	if v.TimesUsed >= v.MaxUses {
		return false
	}
	if v.ValidFrom != nil && now.Before(*v.ValidFrom) {
		return false
	}
	if v.ValidUntil != nil && now.After(*v.ValidUntil) {
		return false
	}
	return true
}

func (v *Voucher) CoversTicketType(id uuid.UUID) bool {
	if len(v.ApplicableTicketTypes) == 0 {
		return true
	}
	for _, t := range v.ApplicableTicketTypes {
		if t == id {
			return true
		}
	}
	return false
}

func (v *Voucher) CoversAddOn(id uuid.UUID) bool {
	if len(v.ApplicableAddOns) == 0 {
		return true
	}
	for _, a := range v.ApplicableAddOns {
		if a == id {
			return true
		}
	}
	return false
}

// NormalizeVoucherCode uppercases a code for case-insensitive lookup; codes
// are stored uppercase.
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// The catalog entities (conference, ticket types, add-ons) are created and
// mutated by operator tooling outside this service; the commerce engine only
// reads them.

type Conference struct {
	ID                  uuid.UUID
	Slug                string
	Name                string
	TotalCapacity       int // 0 = no venue-wide cap
	StripeWebhookSecret string
	IsActive            bool
}

type TicketType struct {
	ID              uuid.UUID
	ConferenceID    uuid.UUID
	Name            string
	Price           decimal.Decimal
	AvailableFrom   *time.Time
	AvailableUntil  *time.Time
	TotalQuantity   int // 0 = unlimited
	LimitPerUser    int
	RequiresVoucher bool
	IsActive        bool
}

// WindowOpen reports whether the ticket type is active and inside its sales
// window. Stock is the inventory ledger's concern, not the catalog's.
func (t *TicketType) WindowOpen(now time.Time) bool {
	if !t.IsActive {
		return false
	}
	if t.AvailableFrom != nil && now.Before(*t.AvailableFrom) {
		return false
	}
	if t.AvailableUntil != nil && now.After(*t.AvailableUntil) {
		return false
	}
	return true
}

type AddOn struct {
	ID                  uuid.UUID
	ConferenceID        uuid.UUID
	Name                string
	Price               decimal.Decimal
	RequiredTicketTypes []uuid.UUID // empty = available with any ticket
	AvailableFrom       *time.Time
	AvailableUntil      *time.Time
	TotalQuantity       int // 0 = unlimited
	IsActive            bool
}

func (a *AddOn) WindowOpen(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.AvailableFrom != nil && now.Before(*a.AvailableFrom) {
		return false
	}
	if a.AvailableUntil != nil && now.After(*a.AvailableUntil) {
		return false
	}
	return true
}

// RequirementMet reports whether at least one of the add-on's required ticket
// types is present. An empty requirement set is always satisfied.
func (a *AddOn) RequirementMet(ticketTypeIDs map[uuid.UUID]bool) bool {
	if len(a.RequiredTicketTypes) == 0 {
		return true
	}
	for _, id := range a.RequiredTicketTypes {
		if ticketTypeIDs[id] {
			return true
		}
	}
	return false
}

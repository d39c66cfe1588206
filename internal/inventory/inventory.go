// Package inventory answers "how many units are committed" and rejects
// operations that would oversell. Counts are always computed fresh by
// predicate; expired holds fall out of the sums on their own, no sweep needed.
package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JacobCoffee/registrar/internal/domain"
)

// Store supplies committed-quantity queries. "Committed" is the sum of line
// item quantities on paid or partially refunded orders, plus pending orders
// whose hold has not yet expired.
type Store interface {
	CommittedTicketQuantity(ctx context.Context, ticketTypeID uuid.UUID, now time.Time) (int, error)
	CommittedAddOnQuantity(ctx context.Context, addOnID uuid.UUID, now time.Time) (int, error)
	CommittedConferenceQuantity(ctx context.Context, conferenceID uuid.UUID, now time.Time) (int, error)
	UserPaidTicketQuantity(ctx context.Context, userID, conferenceID, ticketTypeID uuid.UUID) (int, error)
}

// Remaining returns the units still sellable, or nil when the ticket type is
// unlimited.
func Remaining(ctx context.Context, s Store, tt *domain.TicketType, now time.Time) (*int, error) {
	if tt.TotalQuantity == 0 {
		return nil, nil
	}
	committed, err := s.CommittedTicketQuantity(ctx, tt.ID, now)
	if err != nil {
		return nil, err
	}
	left := tt.TotalQuantity - committed
	return &left, nil
}

func AddOnRemaining(ctx context.Context, s Store, a *domain.AddOn, now time.Time) (*int, error) {
	if a.TotalQuantity == 0 {
		return nil, nil
	}
	committed, err := s.CommittedAddOnQuantity(ctx, a.ID, now)
	if err != nil {
		return nil, err
	}
	left := a.TotalQuantity - committed
	return &left, nil
}

// GlobalRemaining returns the conference-wide remaining ticket count, or nil
// when the conference has no venue cap. Add-ons never count against it.
func GlobalRemaining(ctx context.Context, s Store, conf *domain.Conference, now time.Time) (*int, error) {
	if conf.TotalCapacity == 0 {
		return nil, nil
	}
	committed, err := s.CommittedConferenceQuantity(ctx, conf.ID, now)
	if err != nil {
		return nil, err
	}
	left := conf.TotalCapacity - committed
	return &left, nil
}

// ValidateTicketAdd rejects an add that would oversell the ticket type or
// push the user past the per-user limit. alreadyInCart is the quantity of
// this ticket type already sitting in the caller's open cart.
func ValidateTicketAdd(ctx context.Context, s Store, tt *domain.TicketType, userID uuid.UUID, qty, alreadyInCart int, now time.Time) error {
	remaining, err := Remaining(ctx, s, tt, now)
	if err != nil {
		return err
	}
	if remaining != nil && *remaining < alreadyInCart+qty {
		return domain.Invalid(domain.ErrCapacityExceeded,
			"only %d tickets of type '%s' remaining", *remaining, tt.Name)
	}

	purchased, err := s.UserPaidTicketQuantity(ctx, userID, tt.ConferenceID, tt.ID)
	if err != nil {
		return err
	}
	if tt.LimitPerUser > 0 && alreadyInCart+purchased+qty > tt.LimitPerUser {
		return domain.Invalid(domain.ErrPerUserLimitExceeded,
			"adding %d would exceed the per-user limit of %d for '%s'", qty, tt.LimitPerUser, tt.Name)
	}
	return nil
}

// ValidateAddOnAdd rejects a desired total in-cart quantity above remaining
// add-on stock.
func ValidateAddOnAdd(ctx context.Context, s Store, a *domain.AddOn, desiredTotal int, now time.Time) error {
	remaining, err := AddOnRemaining(ctx, s, a, now)
	if err != nil {
		return err
	}
	if remaining != nil && *remaining < desiredTotal {
		return domain.Invalid(domain.ErrCapacityExceeded,
			"only %d of add-on '%s' remaining", *remaining, a.Name)
	}
	return nil
}

// ValidateGlobalCapacity rejects a desired ticket total above the venue cap.
// The caller must hold the conference row lock when this runs inside a
// checkout transaction.
func ValidateGlobalCapacity(ctx context.Context, s Store, conf *domain.Conference, desiredTotal int, now time.Time) error {
	remaining, err := GlobalRemaining(ctx, s, conf, now)
	if err != nil {
		return err
	}
	if remaining != nil && desiredTotal > *remaining {
		return domain.Invalid(domain.ErrCapacityExceeded,
			"only %d tickets remaining for this conference (venue capacity: %d)", *remaining, conf.TotalCapacity)
	}
	return nil
}

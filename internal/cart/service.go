// Package cart owns the mutable pre-purchase basket: add/remove/update of
// ticket and add-on lines, voucher attachment, and the dependency rules
// between them. Every mutation runs inside one store transaction with row
// locks on the contended cart item.
package cart

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/inventory"
	"github.com/JacobCoffee/registrar/internal/observability"
	"github.com/JacobCoffee/registrar/internal/pricing"
)

// Store runs cart operations inside a database transaction.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the row-level access the service needs while holding a transaction.
// Implementations back *ForUpdate methods with SELECT ... FOR UPDATE.
type Tx interface {
	inventory.Store

	ExpireStaleCarts(ctx context.Context, userID, conferenceID uuid.UUID, now time.Time) error
	OpenCart(ctx context.Context, userID, conferenceID uuid.UUID) (*domain.Cart, error)
	InsertCart(ctx context.Context, c *domain.Cart) error
	CartForUpdate(ctx context.Context, cartID uuid.UUID) (*domain.Cart, error)
	SetCartExpiry(ctx context.Context, cartID uuid.UUID, expiresAt time.Time) error
	AttachVoucher(ctx context.Context, cartID, voucherID uuid.UUID) error

	Items(ctx context.Context, cartID uuid.UUID) ([]domain.CartItem, error)
	ItemByID(ctx context.Context, cartID, itemID uuid.UUID) (*domain.CartItem, error)
	TicketItemForUpdate(ctx context.Context, cartID, ticketTypeID uuid.UUID) (*domain.CartItem, error)
	AddOnItemForUpdate(ctx context.Context, cartID, addOnID uuid.UUID) (*domain.CartItem, error)
	InsertItem(ctx context.Context, item *domain.CartItem) error
	SetItemQuantity(ctx context.Context, itemID uuid.UUID, qty int) error
	DeleteItem(ctx context.Context, itemID uuid.UUID) error

	TicketTypeByID(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	AddOnByID(ctx context.Context, id uuid.UUID) (*domain.AddOn, error)
	VoucherByID(ctx context.Context, id uuid.UUID) (*domain.Voucher, error)
	VoucherByCode(ctx context.Context, conferenceID uuid.UUID, code string) (*domain.Voucher, error)
}

type Service struct {
	store  Store
	ttl    time.Duration
	logger observability.Logger
	now    func() time.Time
}

func NewService(store Store, ttl time.Duration, logger observability.Logger) *Service {
	return &Service{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// GetOrCreate expires any stale open cart first, then returns the single
// remaining open cart or creates one with a fresh expiry.
func (s *Service) GetOrCreate(ctx context.Context, userID, conferenceID uuid.UUID) (*domain.Cart, error) {
	now := s.now()
	var out *domain.Cart
	err := s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.ExpireStaleCarts(ctx, userID, conferenceID, now); err != nil {
			return err
		}
		existing, err := tx.OpenCart(ctx, userID, conferenceID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		c := &domain.Cart{
			ID:           uuid.New(),
			UserID:       userID,
			ConferenceID: conferenceID,
			Status:       domain.CartOpen,
			ExpiresAt:    now.Add(s.ttl),
		}
		if err := tx.InsertCart(ctx, c); err != nil {
			return err
		}
		s.logger.WithField("cart_id", c.ID).Info("cart created")
		out = c
		return nil
	})
	return out, err
}

// AddTicket adds qty of a ticket type to the cart, incrementing an existing
// line if one is present. Two concurrent adds can both attempt the insert;
// the loser sees the unique-constraint conflict and retries as a locked
// increment after re-running validation.
func (s *Service) AddTicket(ctx context.Context, cartID, ticketTypeID uuid.UUID, qty int) (*domain.CartItem, error) {
	now := s.now()
	var out *domain.CartItem
	err := s.store.InTx(ctx, func(tx Tx) error {
		c, err := s.openCartForUpdate(ctx, tx, cartID, now)
		if err != nil {
			return err
		}
		if qty < 1 {
			return domain.Invalid(nil, "quantity must be at least 1")
		}

		tt, err := tx.TicketTypeByID(ctx, ticketTypeID)
		if err != nil {
			return err
		}
		if tt.ConferenceID != c.ConferenceID {
			return domain.Invalid(nil, "ticket type does not belong to this cart's conference")
		}
		if !tt.WindowOpen(now) {
			return domain.Invalid(nil, "ticket type '%s' is not available", tt.Name)
		}

		item, err := s.lockedTicketItem(ctx, tx, cartID, ticketTypeID)
		if err != nil {
			return err
		}
		existingInCart := 0
		if item != nil {
			existingInCart = item.Quantity
		}
		if err := inventory.ValidateTicketAdd(ctx, tx, tt, c.UserID, qty, existingInCart, now); err != nil {
			return err
		}
		if err := s.checkVoucherGate(ctx, tx, c, tt); err != nil {
			return err
		}

		out, err = s.upsertItem(ctx, tx, c, tt, nil, item, qty, now)
		if err != nil {
			return err
		}
		return tx.SetCartExpiry(ctx, c.ID, now.Add(s.ttl))
	})
	return out, err
}

// AddAddOn adds qty of an add-on, requiring a qualifying ticket line when the
// add-on declares required ticket types.
func (s *Service) AddAddOn(ctx context.Context, cartID, addOnID uuid.UUID, qty int) (*domain.CartItem, error) {
	now := s.now()
	var out *domain.CartItem
	err := s.store.InTx(ctx, func(tx Tx) error {
		c, err := s.openCartForUpdate(ctx, tx, cartID, now)
		if err != nil {
			return err
		}
		if qty < 1 {
			return domain.Invalid(nil, "quantity must be at least 1")
		}

		a, err := tx.AddOnByID(ctx, addOnID)
		if err != nil {
			return err
		}
		if a.ConferenceID != c.ConferenceID {
			return domain.Invalid(nil, "add-on does not belong to this cart's conference")
		}
		if !a.WindowOpen(now) {
			return domain.Invalid(nil, "add-on '%s' is not available", a.Name)
		}

		if len(a.RequiredTicketTypes) > 0 {
			inCart, err := s.ticketTypeIDsInCart(ctx, tx, cartID)
			if err != nil {
				return err
			}
			if !a.RequirementMet(inCart) {
				return domain.Invalid(nil, "add-on '%s' requires a qualifying ticket in your cart", a.Name)
			}
		}

		item, err := tx.AddOnItemForUpdate(ctx, cartID, addOnID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		existingInCart := 0
		if item != nil {
			existingInCart = item.Quantity
		}
		if err := inventory.ValidateAddOnAdd(ctx, tx, a, existingInCart+qty, now); err != nil {
			return err
		}

		out, err = s.upsertItem(ctx, tx, c, nil, a, item, qty, now)
		if err != nil {
			return err
		}
		return tx.SetCartExpiry(ctx, c.ID, now.Add(s.ttl))
	})
	return out, err
}

// RemoveItem deletes a line. Removing a ticket line cascades: add-on lines
// whose entire required-ticket-type set is no longer represented in the cart
// are removed too.
func (s *Service) RemoveItem(ctx context.Context, cartID, itemID uuid.UUID) error {
	now := s.now()
	return s.store.InTx(ctx, func(tx Tx) error {
		c, err := s.openCartForUpdate(ctx, tx, cartID, now)
		if err != nil {
			return err
		}
		item, err := tx.ItemByID(ctx, cartID, itemID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Invalid(nil, "cart item not found")
		}
		if err != nil {
			return err
		}

		if item.TicketTypeID != nil {
			if err := s.cascadeOrphanedAddOns(ctx, tx, cartID, *item.TicketTypeID); err != nil {
				return err
			}
		}
		if err := tx.DeleteItem(ctx, item.ID); err != nil {
			return err
		}
		return tx.SetCartExpiry(ctx, c.ID, now.Add(s.ttl))
	})
}

// UpdateQuantity sets an absolute quantity, re-running capacity and per-user
// validation. A quantity of zero or less removes the line.
func (s *Service) UpdateQuantity(ctx context.Context, cartID, itemID uuid.UUID, qty int) (*domain.CartItem, error) {
	if qty <= 0 {
		return nil, s.RemoveItem(ctx, cartID, itemID)
	}
	now := s.now()
	var out *domain.CartItem
	err := s.store.InTx(ctx, func(tx Tx) error {
		c, err := s.openCartForUpdate(ctx, tx, cartID, now)
		if err != nil {
			return err
		}
		item, err := tx.ItemByID(ctx, cartID, itemID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Invalid(nil, "cart item not found")
		}
		if err != nil {
			return err
		}

		switch {
		case item.TicketTypeID != nil:
			tt, err := tx.TicketTypeByID(ctx, *item.TicketTypeID)
			if err != nil {
				return err
			}
			if err := inventory.ValidateTicketAdd(ctx, tx, tt, c.UserID, qty, 0, now); err != nil {
				return err
			}
		case item.AddOnID != nil:
			a, err := tx.AddOnByID(ctx, *item.AddOnID)
			if err != nil {
				return err
			}
			if err := inventory.ValidateAddOnAdd(ctx, tx, a, qty, now); err != nil {
				return err
			}
		}

		if err := tx.SetItemQuantity(ctx, item.ID, qty); err != nil {
			return err
		}
		item.Quantity = qty
		out = item
		return tx.SetCartExpiry(ctx, c.ID, now.Add(s.ttl))
	})
	return out, err
}

// ApplyVoucher attaches a voucher to the cart. Lookup is case-insensitive;
// codes are stored uppercase.
func (s *Service) ApplyVoucher(ctx context.Context, cartID uuid.UUID, code string) (*domain.Voucher, error) {
	now := s.now()
	var out *domain.Voucher
	err := s.store.InTx(ctx, func(tx Tx) error {
		c, err := s.openCartForUpdate(ctx, tx, cartID, now)
		if err != nil {
			return err
		}
		v, err := tx.VoucherByCode(ctx, c.ConferenceID, domain.NormalizeVoucherCode(code))
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Invalid(domain.ErrInvalidVoucher, "voucher code '%s' not found", code)
		}
		if err != nil {
			return err
		}
		if !v.IsValid(now) {
			return domain.Invalid(domain.ErrInvalidVoucher, "voucher code '%s' is no longer valid", v.Code)
		}
		if err := tx.AttachVoucher(ctx, c.ID, v.ID); err != nil {
			return err
		}
		out = v
		return tx.SetCartExpiry(ctx, c.ID, now.Add(s.ttl))
	})
	return out, err
}

// Summary computes the live price preview for the cart. Pricing output is
// never stored; checkout recomputes it fresh at commit time.
func (s *Service) Summary(ctx context.Context, cartID uuid.UUID) (pricing.Summary, error) {
	var out pricing.Summary
	err := s.store.InTx(ctx, func(tx Tx) error {
		c, err := tx.CartForUpdate(ctx, cartID)
		if err != nil {
			return err
		}
		items, err := tx.Items(ctx, cartID)
		if err != nil {
			return err
		}
		var voucher *domain.Voucher
		if c.VoucherID != nil {
			voucher, err = tx.VoucherByID(ctx, *c.VoucherID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		out = pricing.Price(Lines(items), voucher)
		return nil
	})
	return out, err
}

// Lines converts cart items into pricing input.
func Lines(items []domain.CartItem) []pricing.Line {
	lines := make([]pricing.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, pricing.Line{
			ItemID:       item.ID,
			Description:  item.Description(),
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice(),
			TicketTypeID: item.TicketTypeID,
			AddOnID:      item.AddOnID,
		})
	}
	return lines
}

func (s *Service) openCartForUpdate(ctx context.Context, tx Tx, cartID uuid.UUID, now time.Time) (*domain.Cart, error) {
	c, err := tx.CartForUpdate(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if !c.Open(now) {
		return nil, domain.Invalid(domain.ErrCartNotOpen, "only open carts can be modified")
	}
	return c, nil
}

func (s *Service) lockedTicketItem(ctx context.Context, tx Tx, cartID, ticketTypeID uuid.UUID) (*domain.CartItem, error) {
	item, err := tx.TicketItemForUpdate(ctx, cartID, ticketTypeID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// checkVoucherGate enforces the requires-voucher flag: a hidden ticket type
// is addable only when the attached voucher unlocks hidden tickets and is
// scoped to it.
func (s *Service) checkVoucherGate(ctx context.Context, tx Tx, c *domain.Cart, tt *domain.TicketType) error {
	if !tt.RequiresVoucher {
		return nil
	}
	if c.VoucherID == nil {
		return domain.Invalid(domain.ErrInvalidVoucher,
			"ticket type '%s' requires a voucher that unlocks hidden tickets", tt.Name)
	}
	v, err := tx.VoucherByID(ctx, *c.VoucherID)
	if err != nil {
		return err
	}
	if !v.UnlocksHiddenTickets {
		return domain.Invalid(domain.ErrInvalidVoucher,
			"ticket type '%s' requires a voucher that unlocks hidden tickets", tt.Name)
	}
	if !v.CoversTicketType(tt.ID) {
		return domain.Invalid(domain.ErrInvalidVoucher,
			"the applied voucher does not cover ticket type '%s'", tt.Name)
	}
	return nil
}

// upsertItem increments the locked line when present, otherwise inserts. An
// insert losing the unique-constraint race retries as a locked increment
// with validation re-run against the freshly read quantity.
func (s *Service) upsertItem(ctx context.Context, tx Tx, c *domain.Cart, tt *domain.TicketType, a *domain.AddOn, item *domain.CartItem, qty int, now time.Time) (*domain.CartItem, error) {
	if item != nil {
		if err := tx.SetItemQuantity(ctx, item.ID, item.Quantity+qty); err != nil {
			return nil, err
		}
		item.Quantity += qty
		return item, nil
	}

	fresh := &domain.CartItem{ID: uuid.New(), CartID: c.ID, Quantity: qty}
	if tt != nil {
		fresh.TicketTypeID = &tt.ID
		fresh.TicketType = tt
	} else {
		fresh.AddOnID = &a.ID
		fresh.AddOn = a
	}

	err := tx.InsertItem(ctx, fresh)
	if err == nil {
		return fresh, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return nil, err
	}

	// Lost a concurrent-insert race: the row exists now, so lock it and
	// increment instead.
	var existing *domain.CartItem
	if tt != nil {
		existing, err = tx.TicketItemForUpdate(ctx, c.ID, tt.ID)
	} else {
		existing, err = tx.AddOnItemForUpdate(ctx, c.ID, a.ID)
	}
	if err != nil {
		return nil, err
	}
	if tt != nil {
		if err := inventory.ValidateTicketAdd(ctx, tx, tt, c.UserID, qty, existing.Quantity, now); err != nil {
			return nil, err
		}
	} else {
		if err := inventory.ValidateAddOnAdd(ctx, tx, a, existing.Quantity+qty, now); err != nil {
			return nil, err
		}
	}
	if err := tx.SetItemQuantity(ctx, existing.ID, existing.Quantity+qty); err != nil {
		return nil, err
	}
	existing.Quantity += qty
	return existing, nil
}

// cascadeOrphanedAddOns removes add-on lines whose prerequisite would no
// longer be satisfied once removedTicketTypeID leaves the cart.
func (s *Service) cascadeOrphanedAddOns(ctx context.Context, tx Tx, cartID uuid.UUID, removedTicketTypeID uuid.UUID) error {
	items, err := tx.Items(ctx, cartID)
	if err != nil {
		return err
	}

	remaining := make(map[uuid.UUID]bool)
	for _, item := range items {
		if item.TicketTypeID != nil && *item.TicketTypeID != removedTicketTypeID {
			remaining[*item.TicketTypeID] = true
		}
	}

	for _, item := range items {
		if item.AddOnID == nil || item.AddOn == nil {
			continue
		}
		if len(item.AddOn.RequiredTicketTypes) == 0 {
			continue
		}
		if !item.AddOn.RequirementMet(remaining) {
			if err := tx.DeleteItem(ctx, item.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ticketTypeIDsInCart returns the set of ticket types currently in the cart.
func (s *Service) ticketTypeIDsInCart(ctx context.Context, tx Tx, cartID uuid.UUID) (map[uuid.UUID]bool, error) {
	items, err := tx.Items(ctx, cartID)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool)
	for _, item := range items {
		if item.TicketTypeID != nil {
			out[*item.TicketTypeID] = true
		}
	}
	return out, nil
}

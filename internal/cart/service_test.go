package cart_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobCoffee/registrar/internal/cart"
	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/observability"
)

// memStore is an in-memory cart.Store. Transactions are not simulated; each
// test asserts on the end state only.
type memStore struct {
	carts       map[uuid.UUID]*domain.Cart
	items       map[uuid.UUID]*domain.CartItem
	ticketTypes map[uuid.UUID]*domain.TicketType
	addOns      map[uuid.UUID]*domain.AddOn
	vouchers    map[uuid.UUID]*domain.Voucher

	committedTicket map[uuid.UUID]int
	committedAddOn  map[uuid.UUID]int
	committedConf   map[uuid.UUID]int
	userPaid        map[uuid.UUID]int // keyed by ticket type

	// forceInsertConflict makes the next InsertItem fail as if a concurrent
	// insert won the unique-constraint race; onConflict seeds the row the
	// imaginary winner created.
	forceInsertConflict bool
	onConflict          func()
}

func newMemStore() *memStore {
	return &memStore{
		carts:           map[uuid.UUID]*domain.Cart{},
		items:           map[uuid.UUID]*domain.CartItem{},
		ticketTypes:     map[uuid.UUID]*domain.TicketType{},
		addOns:          map[uuid.UUID]*domain.AddOn{},
		vouchers:        map[uuid.UUID]*domain.Voucher{},
		committedTicket: map[uuid.UUID]int{},
		committedAddOn:  map[uuid.UUID]int{},
		committedConf:   map[uuid.UUID]int{},
		userPaid:        map[uuid.UUID]int{},
	}
}

func (s *memStore) InTx(ctx context.Context, fn func(cart.Tx) error) error {
	return fn(s)
}

func (s *memStore) CommittedTicketQuantity(_ context.Context, id uuid.UUID, _ time.Time) (int, error) {
	return s.committedTicket[id], nil
}

func (s *memStore) CommittedAddOnQuantity(_ context.Context, id uuid.UUID, _ time.Time) (int, error) {
	return s.committedAddOn[id], nil
}

func (s *memStore) CommittedConferenceQuantity(_ context.Context, id uuid.UUID, _ time.Time) (int, error) {
	return s.committedConf[id], nil
}

func (s *memStore) UserPaidTicketQuantity(_ context.Context, _, _, ticketTypeID uuid.UUID) (int, error) {
	return s.userPaid[ticketTypeID], nil
}

func (s *memStore) ExpireStaleCarts(_ context.Context, userID, conferenceID uuid.UUID, now time.Time) error {
	for _, c := range s.carts {
		if c.UserID == userID && c.ConferenceID == conferenceID && c.Status == domain.CartOpen && !now.Before(c.ExpiresAt) {
			c.Status = domain.CartExpired
		}
	}
	return nil
}

func (s *memStore) OpenCart(_ context.Context, userID, conferenceID uuid.UUID) (*domain.Cart, error) {
	for _, c := range s.carts {
		if c.UserID == userID && c.ConferenceID == conferenceID && c.Status == domain.CartOpen {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) InsertCart(_ context.Context, c *domain.Cart) error {
	s.carts[c.ID] = c
	return nil
}

func (s *memStore) CartForUpdate(_ context.Context, cartID uuid.UUID) (*domain.Cart, error) {
	c, ok := s.carts[cartID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *memStore) SetCartExpiry(_ context.Context, cartID uuid.UUID, expiresAt time.Time) error {
	s.carts[cartID].ExpiresAt = expiresAt
	return nil
}

func (s *memStore) AttachVoucher(_ context.Context, cartID, voucherID uuid.UUID) error {
	s.carts[cartID].VoucherID = &voucherID
	return nil
}

func (s *memStore) Items(_ context.Context, cartID uuid.UUID) ([]domain.CartItem, error) {
	var out []domain.CartItem
	for _, item := range s.items {
		if item.CartID == cartID {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (s *memStore) ItemByID(_ context.Context, cartID, itemID uuid.UUID) (*domain.CartItem, error) {
	item, ok := s.items[itemID]
	if !ok || item.CartID != cartID {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *memStore) TicketItemForUpdate(_ context.Context, cartID, ticketTypeID uuid.UUID) (*domain.CartItem, error) {
	for _, item := range s.items {
		if item.CartID == cartID && item.TicketTypeID != nil && *item.TicketTypeID == ticketTypeID {
			return item, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) AddOnItemForUpdate(_ context.Context, cartID, addOnID uuid.UUID) (*domain.CartItem, error) {
	for _, item := range s.items {
		if item.CartID == cartID && item.AddOnID != nil && *item.AddOnID == addOnID {
			return item, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) InsertItem(_ context.Context, item *domain.CartItem) error {
	if s.forceInsertConflict {
		s.forceInsertConflict = false
		if s.onConflict != nil {
			s.onConflict()
		}
		return domain.ErrConflict
	}
	s.items[item.ID] = item
	return nil
}

func (s *memStore) SetItemQuantity(_ context.Context, itemID uuid.UUID, qty int) error {
	s.items[itemID].Quantity = qty
	return nil
}

func (s *memStore) DeleteItem(_ context.Context, itemID uuid.UUID) error {
	delete(s.items, itemID)
	return nil
}

func (s *memStore) TicketTypeByID(_ context.Context, id uuid.UUID) (*domain.TicketType, error) {
	tt, ok := s.ticketTypes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tt, nil
}

func (s *memStore) AddOnByID(_ context.Context, id uuid.UUID) (*domain.AddOn, error) {
	a, ok := s.addOns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (s *memStore) VoucherByID(_ context.Context, id uuid.UUID) (*domain.Voucher, error) {
	v, ok := s.vouchers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func (s *memStore) VoucherByCode(_ context.Context, conferenceID uuid.UUID, code string) (*domain.Voucher, error) {
	for _, v := range s.vouchers {
		if v.ConferenceID == conferenceID && v.Code == code {
			return v, nil
		}
	}
	return nil, domain.ErrNotFound
}

// seedItem bypasses the service to set up existing cart state.
func (s *memStore) seedItem(cartID uuid.UUID, ticketTypeID, addOnID *uuid.UUID, qty int) *domain.CartItem {
	item := &domain.CartItem{ID: uuid.New(), CartID: cartID, TicketTypeID: ticketTypeID, AddOnID: addOnID, Quantity: qty}
	if ticketTypeID != nil {
		item.TicketType = s.ticketTypes[*ticketTypeID]
	}
	if addOnID != nil {
		item.AddOn = s.addOns[*addOnID]
	}
	s.items[item.ID] = item
	return item
}

type fixture struct {
	store   *memStore
	svc     *cart.Service
	confID  uuid.UUID
	userID  uuid.UUID
	cartID  uuid.UUID
	generic *domain.TicketType
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	svc := cart.NewService(store, time.Hour, observability.NewLogger())

	f := &fixture{
		store:  store,
		svc:    svc,
		confID: uuid.New(),
		userID: uuid.New(),
	}
	f.generic = f.addTicketType("General Admission", "100.00", 0, 0)

	c, err := svc.GetOrCreate(context.Background(), f.userID, f.confID)
	require.NoError(t, err)
	f.cartID = c.ID
	return f
}

func (f *fixture) addTicketType(name, price string, total, limitPerUser int) *domain.TicketType {
	tt := &domain.TicketType{
		ID:            uuid.New(),
		ConferenceID:  f.confID,
		Name:          name,
		Price:         decimal.RequireFromString(price),
		TotalQuantity: total,
		LimitPerUser:  limitPerUser,
		IsActive:      true,
	}
	f.store.ticketTypes[tt.ID] = tt
	return tt
}

func (f *fixture) addAddOn(name, price string, total int, required ...uuid.UUID) *domain.AddOn {
	a := &domain.AddOn{
		ID:                  uuid.New(),
		ConferenceID:        f.confID,
		Name:                name,
		Price:               decimal.RequireFromString(price),
		RequiredTicketTypes: required,
		TotalQuantity:       total,
		IsActive:            true,
	}
	f.store.addOns[a.ID] = a
	return a
}

func TestGetOrCreateReturnsExistingOpenCart(t *testing.T) {
	f := newFixture(t)

	again, err := f.svc.GetOrCreate(context.Background(), f.userID, f.confID)
	require.NoError(t, err)
	assert.Equal(t, f.cartID, again.ID)
}

func TestGetOrCreateReplacesExpiredCart(t *testing.T) {
	f := newFixture(t)
	f.store.carts[f.cartID].ExpiresAt = time.Now().Add(-time.Minute)

	fresh, err := f.svc.GetOrCreate(context.Background(), f.userID, f.confID)
	require.NoError(t, err)
	assert.NotEqual(t, f.cartID, fresh.ID)
	assert.Equal(t, domain.CartExpired, f.store.carts[f.cartID].Status)
}

func TestAddTicketCreatesAndIncrementsLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.svc.AddTicket(ctx, f.cartID, f.generic.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity)

	item, err = f.svc.AddTicket(ctx, f.cartID, f.generic.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Quantity)

	items, _ := f.store.Items(ctx, f.cartID)
	assert.Len(t, items, 1, "adds merge into one line")
}

func TestAddTicketRejectsClosedWindow(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour)
	f.generic.AvailableUntil = &past

	_, err := f.svc.AddTicket(context.Background(), f.cartID, f.generic.ID, 1)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestAddTicketRejectsOverCapacity(t *testing.T) {
	f := newFixture(t)
	limited := f.addTicketType("Workshop", "50.00", 10, 0)
	f.store.committedTicket[limited.ID] = 8

	_, err := f.svc.AddTicket(context.Background(), f.cartID, limited.ID, 3)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	_, err = f.svc.AddTicket(context.Background(), f.cartID, limited.ID, 2)
	assert.NoError(t, err)
}

func TestAddTicketCapacityCountsCartContents(t *testing.T) {
	f := newFixture(t)
	limited := f.addTicketType("Workshop", "50.00", 5, 0)

	_, err := f.svc.AddTicket(context.Background(), f.cartID, limited.ID, 3)
	require.NoError(t, err)

	// 3 in cart + 3 more would exceed the 5 remaining.
	_, err = f.svc.AddTicket(context.Background(), f.cartID, limited.ID, 3)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestAddTicketRejectsPerUserLimit(t *testing.T) {
	f := newFixture(t)
	limited := f.addTicketType("VIP", "250.00", 0, 2)
	f.store.userPaid[limited.ID] = 1

	_, err := f.svc.AddTicket(context.Background(), f.cartID, limited.ID, 2)
	assert.ErrorIs(t, err, domain.ErrPerUserLimitExceeded)

	_, err = f.svc.AddTicket(context.Background(), f.cartID, limited.ID, 1)
	assert.NoError(t, err)
}

func TestAddTicketRejectsWrongConference(t *testing.T) {
	f := newFixture(t)
	other := &domain.TicketType{
		ID:           uuid.New(),
		ConferenceID: uuid.New(),
		Name:         "Other Conf",
		Price:        decimal.RequireFromString("10.00"),
		IsActive:     true,
	}
	f.store.ticketTypes[other.ID] = other

	_, err := f.svc.AddTicket(context.Background(), f.cartID, other.ID, 1)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestAddTicketVoucherGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hidden := f.addTicketType("Sponsor", "0.00", 0, 0)
	hidden.RequiresVoucher = true

	_, err := f.svc.AddTicket(ctx, f.cartID, hidden.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidVoucher, "no voucher attached")

	v := &domain.Voucher{
		ID: uuid.New(), ConferenceID: f.confID, Code: "SPONSOR",
		Type: domain.VoucherComp, MaxUses: 10, IsActive: true,
	}
	f.store.vouchers[v.ID] = v
	_, err = f.svc.ApplyVoucher(ctx, f.cartID, "sponsor")
	require.NoError(t, err)

	_, err = f.svc.AddTicket(ctx, f.cartID, hidden.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidVoucher, "voucher does not unlock hidden tickets")

	v.UnlocksHiddenTickets = true
	v.ApplicableTicketTypes = []uuid.UUID{hidden.ID}
	_, err = f.svc.AddTicket(ctx, f.cartID, hidden.ID, 1)
	assert.NoError(t, err)
}

func TestAddTicketConflictRetriesAsIncrement(t *testing.T) {
	f := newFixture(t)
	var raced *domain.CartItem
	f.store.forceInsertConflict = true
	f.store.onConflict = func() {
		raced = f.store.seedItem(f.cartID, &f.generic.ID, nil, 1)
	}

	item, err := f.svc.AddTicket(context.Background(), f.cartID, f.generic.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, raced.ID, item.ID, "lost race increments the winner's row")
	assert.Equal(t, 3, item.Quantity)
}

func TestAddAddOnRequiresQualifyingTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	workshop := f.addAddOn("Tutorial Day", "75.00", 0, f.generic.ID)

	_, err := f.svc.AddAddOn(ctx, f.cartID, workshop.ID, 1)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.AddTicket(ctx, f.cartID, f.generic.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.AddAddOn(ctx, f.cartID, workshop.ID, 1)
	assert.NoError(t, err)
}

func TestAddAddOnCapacity(t *testing.T) {
	f := newFixture(t)
	dinner := f.addAddOn("Speaker Dinner", "40.00", 2)
	f.store.committedAddOn[dinner.ID] = 1

	_, err := f.svc.AddAddOn(context.Background(), f.cartID, dinner.ID, 2)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	_, err = f.svc.AddAddOn(context.Background(), f.cartID, dinner.ID, 1)
	assert.NoError(t, err)
}

func TestRemoveTicketCascadesOrphanedAddOns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	workshop := f.addAddOn("Tutorial Day", "75.00", 0, f.generic.ID)

	ticketItem, err := f.svc.AddTicket(ctx, f.cartID, f.generic.ID, 1)
	require.NoError(t, err)
	addOnItem, err := f.svc.AddAddOn(ctx, f.cartID, workshop.ID, 1)
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveItem(ctx, f.cartID, ticketItem.ID))

	_, ok := f.store.items[addOnItem.ID]
	assert.False(t, ok, "orphaned add-on line is removed with its ticket")
}

func TestRemoveTicketKeepsAddOnWhenAnotherQualifierRemains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := f.addTicketType("Corporate", "300.00", 0, 0)
	workshop := f.addAddOn("Tutorial Day", "75.00", 0, f.generic.ID, second.ID)

	first, err := f.svc.AddTicket(ctx, f.cartID, f.generic.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.AddTicket(ctx, f.cartID, second.ID, 1)
	require.NoError(t, err)
	addOnItem, err := f.svc.AddAddOn(ctx, f.cartID, workshop.ID, 1)
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveItem(ctx, f.cartID, first.ID))

	_, ok := f.store.items[addOnItem.ID]
	assert.True(t, ok, "a remaining qualifier keeps the add-on")
}

func TestUpdateQuantityZeroRemovesLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.svc.AddTicket(ctx, f.cartID, f.generic.ID, 2)
	require.NoError(t, err)

	out, err := f.svc.UpdateQuantity(ctx, f.cartID, item.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, out)
	_, ok := f.store.items[item.ID]
	assert.False(t, ok)
}

func TestUpdateQuantityRevalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limited := f.addTicketType("Workshop", "50.00", 5, 0)
	item, err := f.svc.AddTicket(ctx, f.cartID, limited.ID, 2)
	require.NoError(t, err)

	_, err = f.svc.UpdateQuantity(ctx, f.cartID, item.ID, 6)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	out, err := f.svc.UpdateQuantity(ctx, f.cartID, item.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Quantity)
}

func TestMutationsRejectNonOpenCart(t *testing.T) {
	f := newFixture(t)
	f.store.carts[f.cartID].Status = domain.CartCheckedOut

	_, err := f.svc.AddTicket(context.Background(), f.cartID, f.generic.ID, 1)
	assert.ErrorIs(t, err, domain.ErrCartNotOpen)
}

func TestMutationsExtendExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.carts[f.cartID].ExpiresAt = time.Now().Add(5 * time.Minute)

	_, err := f.svc.AddTicket(ctx, f.cartID, f.generic.ID, 1)
	require.NoError(t, err)

	assert.True(t, f.store.carts[f.cartID].ExpiresAt.After(time.Now().Add(50*time.Minute)),
		"expiry resets to the full TTL on mutation")
}

func TestApplyVoucherUnknownCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyVoucher(context.Background(), f.cartID, "NOPE")
	assert.ErrorIs(t, err, domain.ErrInvalidVoucher)
}

func TestSummaryAppliesAttachedVoucher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := &domain.Voucher{
		ID: uuid.New(), ConferenceID: f.confID, Code: "TWENTY",
		Type: domain.VoucherPercentage, DiscountValue: decimal.RequireFromString("20"),
		MaxUses: 10, IsActive: true,
	}
	f.store.vouchers[v.ID] = v

	_, err := f.svc.AddTicket(ctx, f.cartID, f.generic.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.ApplyVoucher(ctx, f.cartID, "twenty")
	require.NoError(t, err)

	sum, err := f.svc.Summary(ctx, f.cartID)
	require.NoError(t, err)
	assert.True(t, sum.Discount.Equal(decimal.RequireFromString("20.00")), "discount %s", sum.Discount)
	assert.True(t, sum.Total.Equal(decimal.RequireFromString("80.00")), "total %s", sum.Total)
}

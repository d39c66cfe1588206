package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JacobCoffee/registrar/internal/adapters/postgres"
	"github.com/JacobCoffee/registrar/internal/cart"
	"github.com/JacobCoffee/registrar/internal/checkout"
	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/payment"
	"github.com/JacobCoffee/registrar/internal/webhook"
)

func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "registrar",
				"POSTGRES_PASSWORD": "registrar",
				"POSTGRES_DB":       "registrar",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatal(err)
	}

	dsn := fmt.Sprintf("postgres://registrar:registrar@%s:%s/registrar?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../../migrations/0001_init.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatal(err)
	}
	return postgres.NewStore(pool)
}

func seedConference(t *testing.T, store *postgres.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := store.Pool().Exec(context.Background(),
		`INSERT INTO conferences (id, slug, name, total_capacity, stripe_webhook_secret)
		 VALUES ($1, $2, 'PyGotham', 0, 'whsec_test')`,
		id, "pygotham-"+id.String()[:8])
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func seedTicketType(t *testing.T, store *postgres.Store, confID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := store.Pool().Exec(context.Background(),
		`INSERT INTO ticket_types (id, conference_id, name, price, total_quantity)
		 VALUES ($1, $2, 'General Admission', 100.00, 10)`,
		id, confID)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func seedCart(t *testing.T, store *postgres.Store, confID uuid.UUID) *domain.Cart {
	t.Helper()
	c := &domain.Cart{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		ConferenceID: confID,
		Status:       domain.CartOpen,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	err := store.Carts().InTx(context.Background(), func(tx cart.Tx) error {
		return tx.InsertCart(context.Background(), c)
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func insertOrder(t *testing.T, store *postgres.Store, o *domain.Order) error {
	t.Helper()
	return store.Checkout().InTx(context.Background(), func(tx checkout.Tx) error {
		return tx.InsertOrder(context.Background(), o)
	})
}

func pendingOrder(confID uuid.UUID, holdExpires *time.Time) *domain.Order {
	return &domain.Order{
		ID:            uuid.New(),
		ConferenceID:  confID,
		UserID:        uuid.New(),
		Status:        domain.OrderPending,
		Subtotal:      decimal.RequireFromString("100.00"),
		Total:         decimal.RequireFromString("100.00"),
		Reference:     "ORD-" + uuid.New().String()[:8],
		HoldExpiresAt: holdExpires,
	}
}

func TestInsertItemUniqueConflict(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	confID := seedConference(t, store)
	ttID := seedTicketType(t, store, confID)
	c := seedCart(t, store, confID)

	item := &domain.CartItem{ID: uuid.New(), CartID: c.ID, TicketTypeID: &ttID, Quantity: 1}
	err := store.Carts().InTx(ctx, func(tx cart.Tx) error {
		return tx.InsertItem(ctx, item)
	})
	if err != nil {
		t.Fatal(err)
	}

	dup := &domain.CartItem{ID: uuid.New(), CartID: c.ID, TicketTypeID: &ttID, Quantity: 2}
	err = store.Carts().InTx(ctx, func(tx cart.Tx) error {
		return tx.InsertItem(ctx, dup)
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict error, got %v", err)
	}
}

func TestInsertOrderReferenceConflict(t *testing.T) {
	store := setupStore(t)
	confID := seedConference(t, store)

	first := pendingOrder(confID, nil)
	if err := insertOrder(t, store, first); err != nil {
		t.Fatal(err)
	}

	second := pendingOrder(confID, nil)
	second.Reference = first.Reference
	err := insertOrder(t, store, second)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict error, got %v", err)
	}
}

func TestCommittedQuantityPredicate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	confID := seedConference(t, store)
	ttID := seedTicketType(t, store, confID)

	addLine := func(o *domain.Order, qty int) {
		err := store.Checkout().InTx(ctx, func(tx checkout.Tx) error {
			return tx.InsertLineItems(ctx, []domain.OrderLineItem{{
				ID: uuid.New(), OrderID: o.ID, Description: "General Admission",
				Quantity: qty, UnitPrice: decimal.RequireFromString("100.00"),
				LineTotal:    decimal.RequireFromString("100.00").Mul(decimal.NewFromInt(int64(qty))),
				TicketTypeID: &ttID,
			}})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	liveHold := time.Now().Add(30 * time.Minute)
	lapsedHold := time.Now().Add(-time.Minute)

	paid := pendingOrder(confID, nil)
	paid.Status = domain.OrderPaid
	live := pendingOrder(confID, &liveHold)
	lapsed := pendingOrder(confID, &lapsedHold)
	cancelled := pendingOrder(confID, nil)
	cancelled.Status = domain.OrderCancelled

	for _, o := range []*domain.Order{paid, live, lapsed, cancelled} {
		if err := insertOrder(t, store, o); err != nil {
			t.Fatal(err)
		}
		addLine(o, 2)
	}

	var committed int
	err := store.Checkout().InTx(ctx, func(tx checkout.Tx) error {
		var err error
		committed, err = tx.CommittedTicketQuantity(ctx, ttID, time.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	// Paid and live-hold pending count; lapsed and cancelled do not.
	if committed != 4 {
		t.Errorf("expected committed quantity 4, got %d", committed)
	}
}

func TestExpireStaleLeavesCreditPaidOrders(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	confID := seedConference(t, store)

	lapsed := time.Now().Add(-time.Minute)
	plain := pendingOrder(confID, &lapsed)
	creditPaid := pendingOrder(confID, &lapsed)
	for _, o := range []*domain.Order{plain, creditPaid} {
		if err := insertOrder(t, store, o); err != nil {
			t.Fatal(err)
		}
	}

	err := store.Payments().InTx(ctx, func(tx payment.Tx) error {
		return tx.InsertPayment(ctx, &domain.Payment{
			ID: uuid.New(), OrderID: creditPaid.ID,
			Method: domain.PaymentCredit, Status: domain.PaymentSucceeded,
			Amount: decimal.RequireFromString("100.00"),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.Checkout().InTx(ctx, func(tx checkout.Tx) error {
		return tx.ExpireStalePendingOrders(ctx, confID, time.Now())
	})
	if err != nil {
		t.Fatal(err)
	}

	status := func(id uuid.UUID) string {
		var s string
		if err := store.Pool().QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&s); err != nil {
			t.Fatal(err)
		}
		return s
	}
	if got := status(plain.ID); got != "cancelled" {
		t.Errorf("expected lapsed order cancelled, got %s", got)
	}
	// The consumed credit has to be restored first, which only the cancel
	// path does; the bulk sweep must not touch the order.
	if got := status(creditPaid.ID); got != "pending" {
		t.Errorf("expected credit-paid order untouched, got %s", got)
	}
}

func TestIncrementVoucherUsageGuard(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	confID := seedConference(t, store)

	voucherID := uuid.New()
	_, err := store.Pool().Exec(ctx,
		`INSERT INTO vouchers (id, conference_id, code, voucher_type, discount_value, max_uses)
		 VALUES ($1, $2, 'SPEAKER', 'comp', 0, 1)`,
		voucherID, confID)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	var ok bool
	err = store.Checkout().InTx(ctx, func(tx checkout.Tx) error {
		var err error
		ok, err = tx.IncrementVoucherUsage(ctx, voucherID, now)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected first increment to succeed")
	}

	err = store.Checkout().InTx(ctx, func(tx checkout.Tx) error {
		var err error
		ok, err = tx.IncrementVoucherUsage(ctx, voucherID, now)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected increment past max uses to be refused")
	}
}

func TestInsertEventDedup(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ev := &domain.StripeEvent{
		ID:       uuid.New(),
		StripeID: "evt_test_1",
		Kind:     "payment_intent.succeeded",
		Payload:  []byte(`{"id":"evt_test_1"}`),
	}
	if err := store.InsertEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	dup := &domain.StripeEvent{
		ID:       uuid.New(),
		StripeID: "evt_test_1",
		Kind:     "payment_intent.succeeded",
		Payload:  []byte(`{"id":"evt_test_1"}`),
	}
	if err := store.InsertEvent(ctx, dup); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict error, got %v", err)
	}

	err := store.Webhooks().InTx(ctx, func(tx webhook.Tx) error {
		got, err := tx.EventForUpdate(ctx, "evt_test_1")
		if err != nil {
			return err
		}
		if got.Processed {
			t.Error("expected event to start unprocessed")
		}
		return tx.MarkEventProcessed(ctx, got.ID)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.Webhooks().InTx(ctx, func(tx webhook.Tx) error {
		got, err := tx.EventForUpdate(ctx, "evt_test_1")
		if err != nil {
			return err
		}
		if !got.Processed {
			t.Error("expected event to be marked processed")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

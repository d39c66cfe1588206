// Package postgres is the relational adapter behind every service-level
// Store interface. One *tx value implements all of the per-service Tx
// interfaces; the typed wrappers returned by Carts, Checkout, and friends
// only fix the function signature.
package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JacobCoffee/registrar/internal/cart"
	"github.com/JacobCoffee/registrar/internal/checkout"
	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/observability"
	"github.com/JacobCoffee/registrar/internal/payment"
	"github.com/JacobCoffee/registrar/internal/refund"
	"github.com/JacobCoffee/registrar/internal/webhook"
)

const uniqueViolationCode = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

type tx struct {
	pgx.Tx
}

func (s *Store) inTx(ctx context.Context, fn func(*tx) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	t, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback(ctx)

	if err := fn(&tx{t}); err != nil {
		return err
	}
	return t.Commit(ctx)
}

// isUniqueViolation reports whether err is the unique-constraint error the
// optimistic insert paths turn into domain.ErrConflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// exec runs an INSERT that may lose a unique-constraint race, mapping that
// case to domain.ErrConflict for callers that handle it.
func (t *tx) exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.Exec(ctx, sql, args...)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

type cartStore struct{ *Store }

func (s *Store) Carts() cart.Store { return cartStore{s} }

func (s cartStore) InTx(ctx context.Context, fn func(cart.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

type checkoutStore struct{ *Store }

func (s *Store) Checkout() checkout.Store { return checkoutStore{s} }

func (s checkoutStore) InTx(ctx context.Context, fn func(checkout.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

type paymentStore struct{ *Store }

func (s *Store) Payments() payment.Store { return paymentStore{s} }

func (s paymentStore) InTx(ctx context.Context, fn func(payment.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

type refundStore struct{ *Store }

func (s *Store) Refunds() refund.Store { return refundStore{s} }

func (s refundStore) InTx(ctx context.Context, fn func(refund.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

type webhookStore struct{ *Store }

func (s *Store) Webhooks() webhook.Store { return webhookStore{s} }

func (s webhookStore) InTx(ctx context.Context, fn func(webhook.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

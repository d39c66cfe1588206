// The reaper is a hygiene sweep: it expires overdue open carts and cancels
// pending orders whose inventory hold has lapsed. Correctness never depends
// on it running; the committed-quantity predicate already ignores lapsed
// holds. The sweep keeps ledgers tidy and releases voucher uses promptly.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JacobCoffee/registrar/internal/adapters/postgres"
	"github.com/JacobCoffee/registrar/internal/adapters/rabbit"
	"github.com/JacobCoffee/registrar/internal/checkout"
	"github.com/JacobCoffee/registrar/internal/config"
	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/observability"
)

const sweepBatch = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer rabbitConn.Close()
	notifier, err := rabbit.NewPublisher(rabbitConn, logger)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	orders := checkout.NewService(store.Checkout(), notifier, logger, cfg.HoldDuration, cfg.OrderReferencePrefix)
	reaper := &Reaper{store: store, orders: orders, logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reaper.Run(ctx, time.Minute)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutdown reaper")
}

type Reaper struct {
	store  *postgres.Store
	orders *checkout.Service
	logger observability.Logger
}

func (w *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.sweep(ctx, now)
		}
	}
}

func (w *Reaper) sweep(ctx context.Context, now time.Time) {
	expired, err := w.store.ExpireCarts(ctx, now)
	if err != nil {
		w.logger.Error("failed to expire carts", err)
	} else if expired > 0 {
		w.logger.WithField("count", expired).Info("expired overdue carts")
	}

	ids, err := w.store.LapsedPendingOrders(ctx, now, sweepBatch)
	if err != nil {
		w.logger.Error("failed to list lapsed orders", err)
		return
	}
	for _, id := range ids {
		// Cancel reverses credit payments and releases voucher usage; a
		// concurrent payment success makes the transition fail, which is
		// the right outcome for an order that got paid just in time.
		if _, err := w.orders.Cancel(ctx, id); err != nil {
			if errors.Is(err, domain.ErrIllegalTransition) {
				continue
			}
			w.logger.WithField("order_id", id.String()).Error("failed to cancel lapsed order", err)
		}
	}
}

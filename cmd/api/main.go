package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	mongoadapter "github.com/JacobCoffee/registrar/internal/adapters/mongo"
	"github.com/JacobCoffee/registrar/internal/adapters/postgres"
	"github.com/JacobCoffee/registrar/internal/adapters/rabbit"
	redisadapter "github.com/JacobCoffee/registrar/internal/adapters/redis"
	stripeadapter "github.com/JacobCoffee/registrar/internal/adapters/stripe"
	"github.com/JacobCoffee/registrar/internal/cart"
	"github.com/JacobCoffee/registrar/internal/checkout"
	"github.com/JacobCoffee/registrar/internal/config"
	httphandler "github.com/JacobCoffee/registrar/internal/http"
	"github.com/JacobCoffee/registrar/internal/idempotency"
	"github.com/JacobCoffee/registrar/internal/observability"
	"github.com/JacobCoffee/registrar/internal/payment"
	"github.com/JacobCoffee/registrar/internal/rateLimit"
	"github.com/JacobCoffee/registrar/internal/refund"
	"github.com/JacobCoffee/registrar/internal/webhook"
)

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

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database("registrar"), logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)
	redisIdemp := redisadapter.NewIdempotency(redisClient)
	idemp := idempotency.NewIdempotency(redisIdemp, time.Hour)
	rl := rateLimit.NewRateLimiter(redisCache)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer rabbitConn.Close()
	notifier, err := rabbit.NewPublisher(rabbitConn, logger)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	provider := stripeadapter.NewProvider(cfg.StripeSecretKey)

	carts := cart.NewService(store.Carts(), cfg.CartTTL, logger)
	orders := checkout.NewService(store.Checkout(), notifier, logger, cfg.HoldDuration, cfg.OrderReferencePrefix)
	payments := payment.NewService(store.Payments(), provider, notifier, logger)
	refunds := refund.NewService(store.Refunds(), provider, notifier, logger)
	webhooks := webhook.NewService(store.Webhooks(), notifier, logger, cfg.WebhookTolerance)

	handlers := httphandler.NewHandlers(cfg, store, carts, orders, payments, refunds, webhooks, idemp, audit)
	router := httphandler.SetupRouter(handlers, logger, rl, idemp)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		logger.WithField("addr", cfg.ListenAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-ctx.Done():
		}
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("server exiting")
}

package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	PostgresDSN string
	RedisAddr   string
	RabbitURL   string
	MongoURI    string
	ListenAddr  string

	CartTTL              time.Duration
	HoldDuration         time.Duration
	OrderReferencePrefix string
	WebhookTolerance     time.Duration
	StripeSecretKey      string

	OTLPEndpoint string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RabbitURL:            os.Getenv("RABBIT_URL"),
		MongoURI:             os.Getenv("MONGO_URI"),
		ListenAddr:           envOr("LISTEN_ADDR", ":8080"),
		CartTTL:              durationOr("CART_TTL", time.Hour),
		HoldDuration:         durationOr("HOLD_DURATION", 30*time.Minute),
		OrderReferencePrefix: envOr("ORDER_REFERENCE_PREFIX", "ORD"),
		WebhookTolerance:     durationOr("WEBHOOK_TOLERANCE", 5*time.Minute),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

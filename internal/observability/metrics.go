package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registrar_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	CheckoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registrar_checkouts_total",
			Help: "Checkout attempts by outcome",
		},
		[]string{"outcome"},
	)

	CapacityRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registrar_capacity_rejections_total",
			Help: "Cart or checkout operations rejected for capacity or per-user limits",
		},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registrar_webhook_events_total",
			Help: "Stripe webhook deliveries by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registrar_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registrar_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

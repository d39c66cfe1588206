package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JacobCoffee/registrar/internal/idempotency"
	"github.com/JacobCoffee/registrar/internal/observability"
	"github.com/JacobCoffee/registrar/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	// The provider endpoint authenticates by signature, not by client
	// conventions, so it skips rate limiting and the idempotency key check.
	r.Post("/webhooks/stripe/{slug}", h.StripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(rl))
		r.Use(IdempotencyMiddleware(idemp))

		r.Post("/v1/conferences/{slug}/cart", h.GetOrCreateCart)
		r.Get("/v1/conferences/{slug}/credits", h.ListCredits)

		r.Post("/v1/carts/{cartID}/tickets", h.AddTicket)
		r.Post("/v1/carts/{cartID}/addons", h.AddAddOn)
		r.Patch("/v1/carts/{cartID}/items/{itemID}", h.UpdateQuantity)
		r.Delete("/v1/carts/{cartID}/items/{itemID}", h.RemoveItem)
		r.Post("/v1/carts/{cartID}/voucher", h.ApplyVoucher)
		r.Get("/v1/carts/{cartID}/summary", h.CartSummary)
		r.Post("/v1/carts/{cartID}/checkout", h.Checkout)

		r.Get("/v1/orders/{reference}", h.GetOrder)
		r.Post("/v1/orders/{orderID}/cancel", h.CancelOrder)
		r.Post("/v1/orders/{orderID}/credit", h.ApplyCredit)
		r.Post("/v1/orders/{orderID}/payment", h.InitiatePayment)
		r.Post("/v1/orders/{orderID}/comp", h.RecordComp)
		r.Post("/v1/orders/{orderID}/manual-payment", h.RecordManual)
		r.Post("/v1/orders/{orderID}/refund", h.CreateRefund)
	})

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

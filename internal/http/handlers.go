package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JacobCoffee/registrar/internal/adapters/mongo"
	"github.com/JacobCoffee/registrar/internal/adapters/postgres"
	"github.com/JacobCoffee/registrar/internal/cart"
	"github.com/JacobCoffee/registrar/internal/checkout"
	"github.com/JacobCoffee/registrar/internal/config"
	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/idempotency"
	"github.com/JacobCoffee/registrar/internal/payment"
	"github.com/JacobCoffee/registrar/internal/refund"
	"github.com/JacobCoffee/registrar/internal/webhook"
)

type Handlers struct {
	cfg      *config.Config
	store    *postgres.Store
	carts    *cart.Service
	checkout *checkout.Service
	payments *payment.Service
	refunds  *refund.Service
	webhooks *webhook.Service
	idemp    *idempotency.Idempotency
	audit    *mongo.AuditLogger
}

func NewHandlers(cfg *config.Config, store *postgres.Store, carts *cart.Service, co *checkout.Service, payments *payment.Service, refunds *refund.Service, webhooks *webhook.Service, idemp *idempotency.Idempotency, audit *mongo.AuditLogger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		store:    store,
		carts:    carts,
		checkout: co,
		payments: payments,
		refunds:  refunds,
		webhooks: webhooks,
		idemp:    idemp,
		audit:    audit,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) []byte {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	return data
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, "conflict", http.StatusConflict)
	case domain.IsValidation(err):
		status := http.StatusBadRequest
		if errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, domain.ErrPerUserLimitExceeded) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

func (h *Handlers) GetOrCreateCart(w http.ResponseWriter, r *http.Request) {
	conf, err := h.store.ConferenceBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		http.Error(w, "missing or invalid X-User-ID", http.StatusBadRequest)
		return
	}

	c, err := h.carts.GetOrCreate(r.Context(), userID, conf.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cart_id":    c.ID,
		"status":     c.Status,
		"expires_at": c.ExpiresAt,
	})
}

func (h *Handlers) AddTicket(w http.ResponseWriter, r *http.Request) {
	cartID, err := pathUUID(r, "cartID")
	if err != nil {
		http.Error(w, "invalid cart id", http.StatusBadRequest)
		return
	}
	var req struct {
		TicketTypeID uuid.UUID `json:"ticket_type_id"`
		Quantity     int       `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	item, err := h.carts.AddTicket(r.Context(), cartID, req.TicketTypeID, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemResponse(item))
}

func (h *Handlers) AddAddOn(w http.ResponseWriter, r *http.Request) {
	cartID, err := pathUUID(r, "cartID")
	if err != nil {
		http.Error(w, "invalid cart id", http.StatusBadRequest)
		return
	}
	var req struct {
		AddOnID  uuid.UUID `json:"addon_id"`
		Quantity int       `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	item, err := h.carts.AddAddOn(r.Context(), cartID, req.AddOnID, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemResponse(item))
}

func (h *Handlers) RemoveItem(w http.ResponseWriter, r *http.Request) {
	cartID, err := pathUUID(r, "cartID")
	if err != nil {
		http.Error(w, "invalid cart id", http.StatusBadRequest)
		return
	}
	itemID, err := pathUUID(r, "itemID")
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}

	if err := h.carts.RemoveItem(r.Context(), cartID, itemID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	cartID, err := pathUUID(r, "cartID")
	if err != nil {
		http.Error(w, "invalid cart id", http.StatusBadRequest)
		return
	}
	itemID, err := pathUUID(r, "itemID")
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	item, err := h.carts.UpdateQuantity(r.Context(), cartID, itemID, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse(item))
}

func (h *Handlers) ApplyVoucher(w http.ResponseWriter, r *http.Request) {
	cartID, err := pathUUID(r, "cartID")
	if err != nil {
		http.Error(w, "invalid cart id", http.StatusBadRequest)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v, err := h.carts.ApplyVoucher(r.Context(), cartID, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":         v.Code,
		"voucher_type": v.Type,
	})
}

func (h *Handlers) CartSummary(w http.ResponseWriter, r *http.Request) {
	cartID, err := pathUUID(r, "cartID")
	if err != nil {
		http.Error(w, "invalid cart id", http.StatusBadRequest)
		return
	}

	summary, err := h.carts.Summary(r.Context(), cartID)
	if err != nil {
		writeError(w, err)
		return
	}

	lines := make([]map[string]interface{}, 0, len(summary.Lines))
	for _, l := range summary.Lines {
		lines = append(lines, map[string]interface{}{
			"description": l.Description,
			"quantity":    l.Quantity,
			"unit_price":  l.UnitPrice,
			"discount":    l.Discount,
			"line_total":  l.LineTotal,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lines":    lines,
		"subtotal": summary.Subtotal,
		"discount": summary.Discount,
		"total":    summary.Total,
	})
}

func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	cartID, err := pathUUID(r, "cartID")
	if err != nil {
		http.Error(w, "invalid cart id", http.StatusBadRequest)
		return
	}
	var req struct {
		Name    string `json:"billing_name"`
		Email   string `json:"billing_email"`
		Company string `json:"billing_company"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.checkout.Checkout(r.Context(), cartID, checkout.BillingDetails{
		Name:    req.Name,
		Email:   req.Email,
		Company: req.Company,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.audit.LogOrderCreated(r.Context(), order)

	data := writeJSON(w, http.StatusCreated, orderResponse(order))
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data})
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.store.OrderByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeError(w, err)
		return
	}
	lines, err := h.store.OrderLineItems(r.Context(), order.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	payments, err := h.store.OrderPayments(r.Context(), order.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := orderResponse(order)
	lineOut := make([]map[string]interface{}, 0, len(lines))
	for _, l := range lines {
		lineOut = append(lineOut, map[string]interface{}{
			"description": l.Description,
			"quantity":    l.Quantity,
			"unit_price":  l.UnitPrice,
			"discount":    l.DiscountAmount,
			"line_total":  l.LineTotal,
		})
	}
	payOut := make([]map[string]interface{}, 0, len(payments))
	for _, p := range payments {
		payOut = append(payOut, map[string]interface{}{
			"method": p.Method,
			"status": p.Status,
			"amount": p.Amount,
		})
	}
	resp["line_items"] = lineOut
	resp["payments"] = payOut
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	order, err := h.checkout.Cancel(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.audit.LogOrderStatus(r.Context(), order)
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *Handlers) ApplyCredit(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	var req struct {
		CreditID uuid.UUID `json:"credit_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.checkout.ApplyCredit(r.Context(), orderID, req.CreditID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment_id": p.ID,
		"amount":     p.Amount,
		"status":     p.Status,
	})
}

func (h *Handlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	p, clientSecret, err := h.payments.Initiate(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}

	data := writeJSON(w, http.StatusCreated, map[string]interface{}{
		"payment_id":    p.ID,
		"intent_id":     p.StripePaymentIntentID,
		"client_secret": clientSecret,
		"amount":        p.Amount,
	})
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data})
}

func (h *Handlers) RecordComp(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.payments.RecordComp(r.Context(), orderID, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	h.audit.LogOrderStatus(r.Context(), order)
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *Handlers) RecordManual(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference"`
		Note      string          `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.payments.RecordManual(r.Context(), orderID, req.Amount, req.Reference, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	h.audit.LogOrderStatus(r.Context(), order)
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *Handlers) CreateRefund(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Mode   string          `json:"mode"`
		Note   string          `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	mode := refund.ModeProvider
	if req.Mode == string(refund.ModeCredit) {
		mode = refund.ModeCredit
	}
	order, err := h.refunds.Create(r.Context(), orderID, req.Amount, mode, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	h.audit.LogOrderStatus(r.Context(), order)
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *Handlers) ListCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		http.Error(w, "missing or invalid X-User-ID", http.StatusBadRequest)
		return
	}
	conf, err := h.store.ConferenceBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}

	credits, err := h.store.AvailableCredits(r.Context(), userID, conf.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(credits))
	for _, c := range credits {
		out = append(out, map[string]interface{}{
			"credit_id": c.ID,
			"amount":    c.Amount,
			"remaining": c.RemainingAmount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credits": out})
}

// StripeWebhook is the provider-facing endpoint. Rejected deliveries are
// still acknowledged with 200 so the status code never reveals which
// conference slugs exist or whether a signature was close; the dispatcher
// logs and counts them. Only a failure to durably record the delivery earns
// a non-2xx, which makes the provider re-send it.
func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	err = h.webhooks.Dispatch(r.Context(), chi.URLParam(r, "slug"), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		http.Error(w, "delivery not recorded", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Pool().Ping(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func itemResponse(item *domain.CartItem) map[string]interface{} {
	return map[string]interface{}{
		"item_id":     item.ID,
		"description": item.Description(),
		"quantity":    item.Quantity,
		"unit_price":  item.UnitPrice(),
		"line_total":  item.LineTotal(),
	}
}

func orderResponse(o *domain.Order) map[string]interface{} {
	return map[string]interface{}{
		"order_id":        o.ID,
		"reference":       o.Reference,
		"status":          o.Status,
		"subtotal":        o.Subtotal,
		"discount_amount": o.DiscountAmount,
		"total":           o.Total,
		"hold_expires_at": o.HoldExpiresAt,
	}
}

// Package webhook receives provider event deliveries, verifies their
// signatures, and settles orders from them. Deliveries are at-least-once:
// every event id is persisted before any effect, and an already-processed id
// is acknowledged without doing anything twice.
package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/notify"
	"github.com/JacobCoffee/registrar/internal/observability"
)

type Store interface {
	ConferenceBySlug(ctx context.Context, slug string) (*domain.Conference, error)
	InsertEvent(ctx context.Context, ev *domain.StripeEvent) error
	RecordProcessingError(ctx context.Context, perr *domain.WebhookProcessingError) error
	InTx(ctx context.Context, fn func(Tx) error) error
}

type Tx interface {
	EventForUpdate(ctx context.Context, stripeID string) (*domain.StripeEvent, error)
	MarkEventProcessed(ctx context.Context, eventID uuid.UUID) error

	PaymentByIntentID(ctx context.Context, intentID string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	InsertPayment(ctx context.Context, p *domain.Payment) error

	OrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	OrderByReferenceForUpdate(ctx context.Context, reference string) (*domain.Order, error)
	UpdateOrder(ctx context.Context, o *domain.Order) error
}

// Event is the parsed delivery a handler sees: the persisted dedup record
// plus the raw data.object to unmarshal into a kind-specific shape.
type Event struct {
	Record *domain.StripeEvent
	Object json.RawMessage
}

// Effects collects post-commit work. Handlers run inside a transaction and
// must not send anything; the dispatcher fires these after commit.
type Effects struct {
	Paid     *domain.Order
	Refunded *domain.Order
}

type Handler func(ctx context.Context, tx Tx, ev *Event, fx *Effects) error

type Service struct {
	store     Store
	notifier  notify.OrderNotifier
	logger    observability.Logger
	tolerance time.Duration
	handlers  map[string]Handler
	now       func() time.Time
}

func NewService(store Store, notifier notify.OrderNotifier, logger observability.Logger, tolerance time.Duration) *Service {
	s := &Service{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		tolerance: tolerance,
		handlers:  map[string]Handler{},
		now:       time.Now,
	}
	s.Register("payment_intent.succeeded", s.handlePaymentSucceeded)
	s.Register("payment_intent.payment_failed", s.handlePaymentFailed)
	s.Register("charge.refunded", s.handleChargeRefunded)
	s.Register("charge.dispute.created", s.handleDisputeCreated)
	return s
}

func (s *Service) Register(kind string, h Handler) {
	s.handlers[kind] = h
}

type envelope struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Livemode   bool   `json:"livemode"`
	APIVersion string `json:"api_version"`
	Data       struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Dispatch processes one delivery. Rejections never surface as errors: an
// unknown slug, a missing secret, or a bad signature is logged, counted, and
// acknowledged, so the response code leaks nothing about which conferences
// exist or how their secrets are configured. Handler failures are likewise
// recorded for replay and acknowledged, because a non-2xx would only make
// the provider re-send an event we already know how to find. A returned
// error means this process could not durably record the delivery.
func (s *Service) Dispatch(ctx context.Context, conferenceSlug string, payload []byte, sigHeader string) error {
	conf, err := s.store.ConferenceBySlug(ctx, conferenceSlug)
	if errors.Is(err, domain.ErrNotFound) {
		observability.WebhookEventsTotal.WithLabelValues("unknown", "unknown_conference").Inc()
		s.logger.WithField("slug", conferenceSlug).Warn("webhook for unknown conference")
		return nil
	}
	if err != nil {
		return err
	}
	if conf.StripeWebhookSecret == "" {
		observability.WebhookEventsTotal.WithLabelValues("unknown", "no_secret").Inc()
		s.logger.WithField("slug", conferenceSlug).Error("conference has no webhook secret configured")
		return nil
	}
	if err := VerifySignature(payload, sigHeader, conf.StripeWebhookSecret, s.tolerance, s.now()); err != nil {
		observability.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		s.logger.WithField("slug", conferenceSlug).
			WithField("error", err.Error()).
			Warn("webhook signature verification failed")
		return nil
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		observability.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		s.logger.WithField("slug", conferenceSlug).Warn("malformed webhook payload")
		return nil
	}

	var probe struct {
		Customer string `json:"customer"`
	}
	_ = json.Unmarshal(env.Data.Object, &probe)

	record := &domain.StripeEvent{
		ID:         uuid.New(),
		StripeID:   env.ID,
		Kind:       env.Type,
		Livemode:   env.Livemode,
		APIVersion: env.APIVersion,
		CustomerID: probe.Customer,
		Payload:    payload,
	}
	if err := s.store.InsertEvent(ctx, record); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			observability.WebhookEventsTotal.WithLabelValues(env.Type, "duplicate").Inc()
			return nil
		}
		return err
	}

	handler, ok := s.handlers[env.Type]
	if !ok {
		observability.WebhookEventsTotal.WithLabelValues(env.Type, "ignored").Inc()
		return nil
	}

	fx := &Effects{}
	err = s.store.InTx(ctx, func(tx Tx) error {
		// Re-read under lock: a concurrent delivery of the same id may have
		// processed the event between our insert and this transaction.
		ev, err := tx.EventForUpdate(ctx, env.ID)
		if err != nil {
			return err
		}
		if ev.Processed {
			return nil
		}
		parsed := &Event{Record: ev, Object: env.Data.Object}
		if err := handler(ctx, tx, parsed, fx); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, ev.ID)
	})
	if err != nil {
		observability.WebhookEventsTotal.WithLabelValues(env.Type, "failed").Inc()
		s.recordFailure(ctx, record, err)
		return nil
	}

	if fx.Paid != nil {
		s.notifier.OrderPaid(ctx, fx.Paid)
	}
	if fx.Refunded != nil {
		s.notifier.OrderRefunded(ctx, fx.Refunded)
	}
	observability.WebhookEventsTotal.WithLabelValues(env.Type, "processed").Inc()
	return nil
}

// recordFailure writes the audit row outside the rolled-back transaction so
// it survives. The event row stays unprocessed for replay.
func (s *Service) recordFailure(ctx context.Context, record *domain.StripeEvent, cause error) {
	perr := &domain.WebhookProcessingError{
		ID:       uuid.New(),
		EventID:  record.ID,
		StripeID: record.StripeID,
		Kind:     record.Kind,
		Message:  cause.Error(),
		Detail:   errors.FlattenDetails(cause),
	}
	if err := s.store.RecordProcessingError(ctx, perr); err != nil {
		s.logger.WithField("stripe_id", record.StripeID).
			WithField("error", err.Error()).
			Error("failed to record webhook processing error")
	}
	s.logger.WithField("stripe_id", record.StripeID).
		WithField("kind", record.Kind).
		WithField("error", cause.Error()).
		Error("webhook handler failed")
}

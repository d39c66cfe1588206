// Package rabbit publishes order lifecycle events to a topic exchange.
// Downstream consumers (badge printing, confirmation email) bind their own
// queues; this process only ever publishes.
package rabbit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/observability"
)

const exchange = "registrar.events"

type Publisher struct {
	ch     *amqp.Channel
	logger observability.Logger
}

func NewPublisher(conn *amqp.Connection, logger observability.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, logger: logger}, nil
}

// OrderPaid and OrderRefunded satisfy notify.OrderNotifier. They are called
// after the owning transaction commits; a broker failure is logged and
// dropped rather than failing a request whose state change already happened.
func (p *Publisher) OrderPaid(ctx context.Context, order *domain.Order) {
	p.publish(ctx, "order.paid", order)
}

func (p *Publisher) OrderRefunded(ctx context.Context, order *domain.Order) {
	p.publish(ctx, "order.refunded", order)
}

func (p *Publisher) publish(ctx context.Context, key string, order *domain.Order) {
	payload, _ := json.Marshal(map[string]interface{}{
		"order_id":  order.ID,
		"reference": order.Reference,
		"status":    string(order.Status),
		"total":     order.Total.String(),
		"email":     order.BillingEmail,
	})
	msg := amqp.Publishing{
		MessageId:   uuid.New().String(),
		ContentType: "application/json",
		Body:        payload,
	}
	if err := p.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		p.logger.WithField("routing_key", key).
			WithField("reference", order.Reference).
			WithField("error", err.Error()).
			Error("failed to publish order event")
	}
}

// Package mongo keeps a free-form audit trail of commerce actions. The
// relational ledger is the source of truth; these documents exist for
// support staff digging into "what happened to this order".
package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/observability"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        uuid.UUID `bson:"_id"`
	Action    string    `bson:"action"`
	UserID    uuid.UUID `bson:"user_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, userID uuid.UUID, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.New(),
		Action:    action,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.Error("failed to insert audit log", err)
		return err
	}
	return nil
}

func (a *AuditLogger) LogOrderCreated(ctx context.Context, order *domain.Order) error {
	data := map[string]interface{}{
		"order_id":  order.ID,
		"reference": order.Reference,
		"subtotal":  order.Subtotal.String(),
		"discount":  order.DiscountAmount.String(),
		"total":     order.Total.String(),
		"voucher":   order.VoucherCode,
	}
	return a.LogEvent(ctx, "order.created", order.UserID, data)
}

func (a *AuditLogger) LogOrderStatus(ctx context.Context, order *domain.Order) error {
	data := map[string]interface{}{
		"order_id":  order.ID,
		"reference": order.Reference,
		"status":    string(order.Status),
	}
	return a.LogEvent(ctx, "order."+string(order.Status), order.UserID, data)
}

func (a *AuditLogger) LogWebhook(ctx context.Context, ev *domain.StripeEvent, outcome string) error {
	data := map[string]interface{}{
		"stripe_id": ev.StripeID,
		"kind":      ev.Kind,
		"livemode":  ev.Livemode,
		"outcome":   outcome,
	}
	return a.LogEvent(ctx, "webhook.received", uuid.Nil, data)
}

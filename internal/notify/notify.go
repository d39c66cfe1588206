// Package notify defines the outbound notification port. Checkout and
// webhook processing call it after their transactions commit; implementations
// must tolerate being called at-least-once.
package notify

import (
	"context"

	"github.com/JacobCoffee/registrar/internal/domain"
)

type OrderNotifier interface {
	OrderPaid(ctx context.Context, order *domain.Order)
	OrderRefunded(ctx context.Context, order *domain.Order)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) OrderPaid(context.Context, *domain.Order)     {}
func (NopNotifier) OrderRefunded(context.Context, *domain.Order) {}

// Package idempotency replays stored responses for retried POSTs. Checkout
// and payment initiation are the operations that must not run twice for one
// client intent.
package idempotency

import (
	"context"
	"time"

	redisadapter "github.com/JacobCoffee/registrar/internal/adapters/redis"
)

type Idempotency struct {
	redis *redisadapter.Idempotency
	ttl   time.Duration
}

func NewIdempotency(redis *redisadapter.Idempotency, ttl time.Duration) *Idempotency {
	return &Idempotency{redis: redis, ttl: ttl}
}

type Response struct {
	Status int
	Result []byte
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.redis.Get(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &Response{Status: stored.Status, Result: stored.Result}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.redis.Set(ctx, key, redisadapter.IdempResponse{
		Status: resp.Status,
		Result: resp.Result,
	}, i.ttl)
}

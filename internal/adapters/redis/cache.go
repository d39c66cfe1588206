package redis

import (
	"github.com/redis/go-redis/v9"
)

// Cache wraps the shared client. Rate limiting and the idempotency response
// store both run on it.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

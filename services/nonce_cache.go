package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceCache is a fast-path replay filter in front of NonceClaimStore. It
// may only ever answer "seen"; a miss still goes to the durable claim.
type NonceCache interface {
	Seen(ctx context.Context, nonce string) (bool, error)
	Remember(ctx context.Context, nonce string, ttl time.Duration) error
}

type RedisNonceCache struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceCache(redisURL string) (*RedisNonceCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisNonceCache{client: redis.NewClient(opts), prefix: "nonce:"}, nil
}

func NewRedisNonceCacheFromClient(client *redis.Client) *RedisNonceCache {
	return &RedisNonceCache{client: client, prefix: "nonce:"}
}

func (c *RedisNonceCache) Seen(ctx context.Context, nonce string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+nonce).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisNonceCache) Remember(ctx context.Context, nonce string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+nonce, "1", ttl).Err()
}

func (c *RedisNonceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisNonceCache) Close() error {
	return c.client.Close()
}

package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyPrefix = "chat:idem:"

	// pendingMarker holds a key while its submission is in flight.
	pendingMarker = "pending"
	pendingTTL    = 30 * time.Second
)

// RedisIdempotency remembers which message a client Idempotency-Key produced
// for a ticket, so retried submissions return the original message.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotency returns nil when r is disabled.
func NewRedisIdempotency(r *Redis, ttl time.Duration) *RedisIdempotency {
	if !r.Enabled() {
		return nil
	}
	return &RedisIdempotency{client: r.Client, ttl: ttl}
}

// Reserve claims the key with a short lived pending marker. A crashed holder
// frees the key once the marker expires.
func (s *RedisIdempotency) Reserve(ctx context.Context, ticketID, key string) (string, bool, error) {
	redisKey := idempotencyKey(ticketID, key)
	ok, err := s.client.SetNX(ctx, redisKey, pendingMarker, pendingTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}

	value, err := s.client.Get(ctx, redisKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between the two calls; the caller asks again.
		return "", false, nil
	case err != nil:
		return "", false, err
	case value == pendingMarker:
		return "", false, nil
	}
	return value, false, nil
}

// Complete stores messageID for the key for the full retention window.
func (s *RedisIdempotency) Complete(ctx context.Context, ticketID, key, messageID string) error {
	return s.client.Set(ctx, idempotencyKey(ticketID, key), messageID, s.ttl).Err()
}

// Release drops a reservation whose submission failed.
func (s *RedisIdempotency) Release(ctx context.Context, ticketID, key string) error {
	return s.client.Del(ctx, idempotencyKey(ticketID, key)).Err()
}

func idempotencyKey(ticketID, key string) string {
	return idempotencyPrefix + ticketID + ":" + key
}

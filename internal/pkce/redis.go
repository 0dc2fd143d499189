// Redis-backed durable tier for PKCE pairs.
package pkce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pkcePrefix = "pkce:"

// DefaultPairTTL bounds how long an unconsumed pair survives. A redirect
// round-trip completes within minutes; anything older is abandoned.
const DefaultPairTTL = 30 * time.Minute

// RedisStore implements the durable Store tier using Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store with the default TTL.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: DefaultPairTTL}
}

// CheckHealth verifies Redis connectivity.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// PutPair stores both halves as a single JSON value so they can never be
// persisted separately.
func (s *RedisStore) PutPair(ctx context.Context, flowID string, pair Pair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("marshaling pkce pair: %w", err)
	}
	if err := s.client.Set(ctx, pkcePrefix+flowID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving pkce pair: %w", err)
	}
	return nil
}

// GetPair retrieves a pair by flow ID.
func (s *RedisStore) GetPair(ctx context.Context, flowID string) (Pair, error) {
	data, err := s.client.Get(ctx, pkcePrefix+flowID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Pair{}, ErrNotFound
		}
		return Pair{}, fmt.Errorf("getting pkce pair: %w", err)
	}

	var pair Pair
	if err := json.Unmarshal(data, &pair); err != nil {
		return Pair{}, fmt.Errorf("unmarshaling pkce pair: %w", err)
	}
	if !pair.valid() {
		return Pair{}, ErrCorruptPair
	}
	return pair, nil
}

// DeletePair removes a pair by flow ID.
func (s *RedisStore) DeletePair(ctx context.Context, flowID string) error {
	if err := s.client.Del(ctx, pkcePrefix+flowID).Err(); err != nil {
		return fmt.Errorf("deleting pkce pair: %w", err)
	}
	return nil
}

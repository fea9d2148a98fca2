// Package tokens reads and writes the push token registered for each pet's device.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix is prepended to the pet ID to build the Redis key.
	DefaultPrefix = "device_token:"
	// DefaultTTL bounds how long a registered token is kept.
	DefaultTTL = 30 * 24 * time.Hour
)

// ErrEmptyToken is returned when registering a blank token.
var ErrEmptyToken = errors.New("device token cannot be empty")

// Store is the read side used by the alert dispatcher.
type Store interface {
	// Get returns the token for petID; ok is false when none is registered.
	Get(ctx context.Context, petID string) (token string, ok bool, err error)
}

// RedisStore keeps tokens under "<prefix><petId>" with a TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a store on a shared client.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the Redis key holding the token for petID.
func (s *RedisStore) Key(petID string) string {
	return s.prefix + petID
}

// Get looks up the token for petID.
func (s *RedisStore) Get(ctx context.Context, petID string) (string, bool, error) {
	token, err := s.client.Get(ctx, s.Key(petID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("token store: get %s: %w", petID, err)
	}
	if token == "" {
		return "", false, nil
	}
	return token, true, nil
}

// Put registers token for petID, refreshing the TTL. Device registration flows
// own this write path.
func (s *RedisStore) Put(ctx context.Context, petID, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if err := s.client.Set(ctx, s.Key(petID), token, s.ttl).Err(); err != nil {
		return fmt.Errorf("token store: set %s: %w", petID, err)
	}
	return nil
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a Redis client with the key/value operations the core depends
// on. All keys are lowercased before use so that key construction is
// case-insensitive. Values are stored as JSON.
type Store struct {
	client *redis.Client
}

// NewStore builds a Store around an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get looks a key up and returns its raw payload. The second return value is
// false when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := s.client.Get(ctx, strings.ToLower(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return payload, true, nil
}

// GetJSON looks a key up and unmarshals its payload into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	payload, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

// GetMany looks multiple keys up in a single round trip. The result is
// ordered like the input; missing keys yield nil entries.
func (s *Store) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(keys))
	for i, key := range keys {
		lowered[i] = strings.ToLower(key)
	}
	values, err := s.client.MGet(ctx, lowered...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: mget: %w", err)
	}
	payloads := make([][]byte, len(keys))
	for i, value := range values {
		if str, ok := value.(string); ok {
			payloads[i] = []byte(str)
		}
	}
	return payloads, nil
}

// Set stores a value under a key. A zero ttl means the entry never expires.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, strings.ToLower(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// SetMany stores multiple key/value pairs in one pipelined round trip.
func (s *Store) SetMany(ctx context.Context, values map[string]any, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for key, value := range values {
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("cache: encode %s: %w", key, err)
		}
		pipe.Set(ctx, strings.ToLower(key), payload, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: set many: %w", err)
	}
	return nil
}

// Delete removes a key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, strings.ToLower(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return n > 0, nil
}

// DeleteMany removes multiple keys.
func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	lowered := make([]string, len(keys))
	for i, key := range keys {
		lowered[i] = strings.ToLower(key)
	}
	if err := s.client.Del(ctx, lowered...).Err(); err != nil {
		return fmt.Errorf("cache: delete many: %w", err)
	}
	return nil
}

// Has reports whether a key exists.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, strings.ToLower(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Increment increments a key by delta, creating it when absent. The ttl is
// applied only when this call created the key, so an existing counter keeps
// its original expiry.
func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	key = strings.ToLower(key)
	value, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	if ttl > 0 && value == delta {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return value, fmt.Errorf("cache: expire %s: %w", key, err)
		}
	}
	return value, nil
}

// TTL returns the time until a key expires. Keys without an expiry report a
// negative duration, matching Redis semantics.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, strings.ToLower(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: ttl %s: %w", key, err)
	}
	return ttl, nil
}

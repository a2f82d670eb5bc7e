// Package redis implements the key/value state store adapter over Redis.
//
// The store carries idempotency keys, cooldowns, rolling counters, and
// sessions. Every failure is wrapped as domain.ErrUnavailable so callers can
// apply their own fail-open or fail-closed policy.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/communityforge/synthesis-core/internal/domain"
)

// Store implements domain.KVStore over a Redis client.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store from a Redis URL (redis://host:port/db).
func New(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=kv.New: %w", err)
	}
	return &Store{rdb: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an existing client; used by the engine and tests so a
// single connection pool is shared across the process.
func NewFromClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Client exposes the underlying client for components that share the pool.
func (s *Store) Client() *redis.Client { return s.rdb }

// Ping reports store reachability; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=kv.Ping: %w: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("op=kv.Exists key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	return n > 0, nil
}

// Set stores value under key with the given TTL. A zero TTL persists the key.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=kv.Set key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	return nil
}

// SetNX stores value only when key is absent; reports whether this call won.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=kv.SetNX key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	return ok, nil
}

// Get returns the value under key, or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("op=kv.Get key=%s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=kv.Get key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	return v, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("op=kv.Delete key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	return nil
}

// Increment bumps a windowed counter and returns the new count. The TTL is
// attached only when the key is first created so the window does not slide.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("op=kv.Increment key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	return incr.Val(), nil
}

// Cooldown helpers. Cooldowns gate user-facing actions (e.g. command spam).

func cooldownKey(scope, id string) string { return "cooldown:" + scope + ":" + id }

// SetCooldown arms a cooldown for (scope, id) lasting d.
func (s *Store) SetCooldown(ctx context.Context, scope, id string, d time.Duration) error {
	return s.Set(ctx, cooldownKey(scope, id), "1", d)
}

// InCooldown reports whether (scope, id) is still cooling down.
func (s *Store) InCooldown(ctx context.Context, scope, id string) (bool, error) {
	return s.Exists(ctx, cooldownKey(scope, id))
}

// ClearCooldown removes the cooldown for (scope, id).
func (s *Store) ClearCooldown(ctx context.Context, scope, id string) error {
	return s.Delete(ctx, cooldownKey(scope, id))
}

// Session helpers. Sessions hold short-lived handler state (e.g. multi-step
// verification flows) keyed by user.

func sessionKey(id string) string { return "session:" + id }

// PutSession stores session state under id with TTL.
func (s *Store) PutSession(ctx context.Context, id, state string, ttl time.Duration) error {
	return s.Set(ctx, sessionKey(id), state, ttl)
}

// GetSession returns session state for id, or domain.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (string, error) {
	return s.Get(ctx, sessionKey(id))
}

// DropSession removes the session for id.
func (s *Store) DropSession(ctx context.Context, id string) error {
	return s.Delete(ctx, sessionKey(id))
}

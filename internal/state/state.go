// Package state implements the shared state store contract: TTL
// get/set/delete, JSON convenience, a set-if-absent distributed lock,
// health-status and alert-flag helpers, a diagnostic cache, and pub/sub
// publish. Grounded on pkg/kernel/limiter_redis.go for the
// redis/go-redis/v9 client usage, and on
// original_source/.../workflows/core/redis_client.py for the key-naming
// scheme.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/widip-ai/ctrlplane/internal/contracts"
)

const (
	healthTTL     = 60 * time.Second
	alertTTL      = 5 * time.Minute
	diagnosticTTL = 20 * time.Minute
)

// Store is the shared state store, backed by Redis. One Store instance is
// shared process-wide; every method is safe for concurrent use (the
// underlying client pools connections internally).
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client. Connection lifecycle (dialing,
// retries, pool sizing) is the caller's responsibility, matching the
// pattern of constructing one shared *redis.Client at startup.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Get returns the raw string value stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get %q: %w", key, err)
	}
	return val, true, nil
}

// Set stores value at key with an optional TTL (zero means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("state: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("state: delete %q: %w", key, err)
	}
	return nil
}

// SetJSON marshals value and stores it at key with ttl.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: marshaling %q: %w", key, err)
	}
	return s.Set(ctx, key, string(payload), ttl)
}

// GetJSON reads key and unmarshals it into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return true, fmt.Errorf("state: unmarshaling %q: %w", key, err)
	}
	return true, nil
}

func lockKey(name string) string { return "lock:" + name }

// AcquireLock attempts a set-if-absent with ttl. Returns true if the lock
// was acquired by this call.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(name), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("state: acquiring lock %q: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock drops name's lock, regardless of who holds it — set-if-absent
// locks here are advisory, not fenced, matching spec.md §5's note that the
// mutex only needs single-key atomicity.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	return s.Delete(ctx, lockKey(name))
}

// IsLocked reports whether name currently has a live lock.
func (s *Store) IsLocked(ctx context.Context, name string) (bool, error) {
	n, err := s.rdb.Exists(ctx, lockKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("state: checking lock %q: %w", name, err)
	}
	return n > 0, nil
}

func healthKey(service string) string { return "health:" + service }

// SetHealth records service's health state with the default short TTL —
// absence of a fresh write reads back as HealthUnknown.
func (s *Store) SetHealth(ctx context.Context, service string, status contracts.HealthState) error {
	return s.Set(ctx, healthKey(service), string(status), healthTTL)
}

// GetHealth reads service's health state, defaulting to HealthUnknown when
// the TTL has lapsed or nothing was ever written.
func (s *Store) GetHealth(ctx context.Context, service string) (contracts.HealthState, error) {
	val, found, err := s.Get(ctx, healthKey(service))
	if err != nil {
		return contracts.HealthUnknown, err
	}
	if !found {
		return contracts.HealthUnknown, nil
	}
	return contracts.HealthState(val), nil
}

func alertKey(event string) string { return "alert:" + event }

// SetAlertSent marks event as having already fired a notification, for
// alertTTL, to suppress repeat notifications (anti-spam).
func (s *Store) SetAlertSent(ctx context.Context, event string) error {
	return s.Set(ctx, alertKey(event), "1", alertTTL)
}

// AlertSent reports whether event's anti-spam flag is currently set.
func (s *Store) AlertSent(ctx context.Context, event string) (bool, error) {
	_, found, err := s.Get(ctx, alertKey(event))
	return found, err
}

// ClearAlertSent removes event's anti-spam flag (called on recovery).
func (s *Store) ClearAlertSent(ctx context.Context, event string) error {
	return s.Delete(ctx, alertKey(event))
}

func diagnosticKey(device, date string) string { return fmt.Sprintf("diag:%s:%s", device, date) }

// CacheDiagnostic stores a best-effort diagnostic payload for (device, date).
func (s *Store) CacheDiagnostic(ctx context.Context, device, date string, payload map[string]any) error {
	return s.SetJSON(ctx, diagnosticKey(device, date), payload, diagnosticTTL)
}

// GetDiagnostic reads a cached diagnostic payload, read-through / best
// effort: callers should treat a miss as "go compute it", not an error.
func (s *Store) GetDiagnostic(ctx context.Context, device, date string) (map[string]any, bool, error) {
	var payload map[string]any
	found, err := s.GetJSON(ctx, diagnosticKey(device, date), &payload)
	return payload, found, err
}

// Publish posts message to channel. Subscribers are out of scope here
// (spec.md §4.K).
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	if err := s.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("state: publishing to %q: %w", channel, err)
	}
	return nil
}

// Envelope adapters — Store also backs the approval.EnvelopeStore contract
// via the secret:approval:<uuid> key namespace from spec.md §6.

func secretKey(approvalID string) string { return "secret:approval:" + approvalID }

func (s *Store) PutSecret(ctx context.Context, approvalID, ciphertext string, ttl time.Duration) error {
	return s.Set(ctx, secretKey(approvalID), ciphertext, ttl)
}

func (s *Store) GetSecret(ctx context.Context, approvalID string) (string, bool, error) {
	return s.Get(ctx, secretKey(approvalID))
}

func (s *Store) DeleteSecret(ctx context.Context, approvalID string) error {
	return s.Delete(ctx, secretKey(approvalID))
}

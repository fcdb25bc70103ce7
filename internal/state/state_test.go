package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/widip-ai/ctrlplane/internal/contracts"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestSetGetDeleteRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	val, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	require.NoError(t, s.Delete(ctx, "k"))
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJSONConvenience(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	type payload struct {
		Device string `json:"device"`
	}
	require.NoError(t, s.SetJSON(ctx, "diag", payload{Device: "sw-01"}, time.Minute))

	var out payload
	found, err := s.GetJSON(ctx, "diag", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "sw-01", out.Device)
}

func TestLockSetIfAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while the lock is held")

	locked, err := s.IsLocked(ctx, "cleanup")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, s.ReleaseLock(ctx, "cleanup"))
	ok, err = s.AcquireLock(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHealthDefaultsToUnknownAbsentWriter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	status, err := s.GetHealth(ctx, "upstream")
	require.NoError(t, err)
	assert.Equal(t, contracts.HealthUnknown, status)

	require.NoError(t, s.SetHealth(ctx, "upstream", contracts.HealthOK))
	status, err = s.GetHealth(ctx, "upstream")
	require.NoError(t, err)
	assert.Equal(t, contracts.HealthOK, status)
}

func TestHealthExpiresToUnknownAfterTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetHealth(ctx, "upstream", contracts.HealthDown))
	mr.FastForward(healthTTL + time.Second)

	status, err := s.GetHealth(ctx, "upstream")
	require.NoError(t, err)
	assert.Equal(t, contracts.HealthUnknown, status)
}

func TestAlertAntiSpamFlag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sent, err := s.AlertSent(ctx, "upstream_down")
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, s.SetAlertSent(ctx, "upstream_down"))
	sent, err = s.AlertSent(ctx, "upstream_down")
	require.NoError(t, err)
	assert.True(t, sent)

	require.NoError(t, s.ClearAlertSent(ctx, "upstream_down"))
	sent, err = s.AlertSent(ctx, "upstream_down")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestDiagnosticCacheReadThrough(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetDiagnostic(ctx, "sw-01", "2026-07-31")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.CacheDiagnostic(ctx, "sw-01", "2026-07-31", map[string]any{"cpu": 42.0}))
	payload, found, err := s.GetDiagnostic(ctx, "sw-01", "2026-07-31")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42.0, payload["cpu"])
}

func TestSecretEnvelopeAdapter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSecret(ctx, "abc-123", "ciphertext-blob", time.Minute))
	val, found, err := s.GetSecret(ctx, "abc-123")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ciphertext-blob", val)

	require.NoError(t, s.DeleteSecret(ctx, "abc-123"))
	_, found, err = s.GetSecret(ctx, "abc-123")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPublishDoesNotError(t *testing.T) {
	s, _ := newTestStore(t)
	assert.NoError(t, s.Publish(context.Background(), "events", "hello"))
}

package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/secrets"
)

// memStore and memEnvelopes are in-memory fakes standing in for the
// Postgres/Redis backed implementations, so these tests exercise the
// Queue state machine without any network dependency.

type memStore struct {
	records map[string]contracts.ApprovalRecord
}

func newMemStore() *memStore { return &memStore{records: map[string]contracts.ApprovalRecord{}} }

func (m *memStore) Save(_ context.Context, r contracts.ApprovalRecord) error {
	m.records[r.ID] = r
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*contracts.ApprovalRecord, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) ListPending(_ context.Context, now time.Time, limit int) ([]contracts.ApprovalRecord, error) {
	var out []contracts.ApprovalRecord
	for _, r := range m.records {
		if r.Status == contracts.StatusPending && r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ExpireOld(_ context.Context, now time.Time) ([]string, error) {
	var ids []string
	for id, r := range m.records {
		if r.Status == contracts.StatusPending && !r.ExpiresAt.After(now) {
			r.Status = contracts.StatusExpired
			m.records[id] = r
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memEnvelopes struct {
	data map[string]string
}

func newMemEnvelopes() *memEnvelopes { return &memEnvelopes{data: map[string]string{}} }

func (m *memEnvelopes) PutSecret(_ context.Context, id, ciphertext string, _ time.Duration) error {
	m.data[id] = ciphertext
	return nil
}

func (m *memEnvelopes) GetSecret(_ context.Context, id string) (string, bool, error) {
	v, ok := m.data[id]
	return v, ok, nil
}

func (m *memEnvelopes) DeleteSecret(_ context.Context, id string) error {
	delete(m.data, id)
	return nil
}

func newTestQueue(t *testing.T) (*Queue, *memStore, *memEnvelopes) {
	store := newMemStore()
	envelopes := newMemEnvelopes()
	cipher, err := secrets.NewCipher("test-key-material")
	require.NoError(t, err)
	return New(store, envelopes, cipher), store, envelopes
}

func TestCreateRejectsNonL3(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.Create(context.Background(), "create_ticket", contracts.L1, map[string]any{}, nil, "", 0)
	assert.ErrorIs(t, err, ErrNotL3)
}

func TestCreateRedactsAndStoresEnvelope(t *testing.T) {
	q, _, envelopes := newTestQueue(t)
	record, err := q.Create(context.Background(), "reset_password", contracts.L3, map[string]any{
		"username":     "jdoe",
		"new_password": "S3cret!",
	}, nil, "10.0.0.1", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, secrets.Sentinel, record.Arguments["new_password"])
	_, found, _ := envelopes.GetSecret(context.Background(), record.ID)
	assert.True(t, found)
}

func TestFullArgumentsRequiresApproved(t *testing.T) {
	q, _, _ := newTestQueue(t)
	record, err := q.Create(context.Background(), "reset_password", contracts.L3, map[string]any{
		"username": "jdoe", "new_password": "S3cret!",
	}, nil, "", time.Hour)
	require.NoError(t, err)

	_, _, err = q.FullArguments(context.Background(), record.ID)
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = q.Approve(context.Background(), record.ID, "alice", "")
	require.NoError(t, err)

	merged, _, err := q.FullArguments(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, "S3cret!", merged["new_password"])
}

func TestApproveThenExecuteLifecycle(t *testing.T) {
	q, _, envelopes := newTestQueue(t)
	record, err := q.Create(context.Background(), "reset_password", contracts.L3, map[string]any{
		"username": "jdoe", "new_password": "S3cret!",
	}, nil, "", time.Hour)
	require.NoError(t, err)

	_, err = q.Approve(context.Background(), record.ID, "alice", "looks fine")
	require.NoError(t, err)

	updated, err := q.MarkExecuted(context.Background(), record.ID, map[string]any{"ok": true}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, updated.Status)

	_, found, _ := envelopes.GetSecret(context.Background(), record.ID)
	assert.False(t, found, "envelope must be deleted after terminal state")
}

func TestApproveIdempotenceFailsWithoutSideEffects(t *testing.T) {
	q, _, _ := newTestQueue(t)
	record, err := q.Create(context.Background(), "create_user", contracts.L3, map[string]any{}, nil, "", time.Hour)
	require.NoError(t, err)

	_, err = q.Approve(context.Background(), record.ID, "alice", "")
	require.NoError(t, err)

	_, err = q.Approve(context.Background(), record.ID, "bob", "")
	assert.ErrorIs(t, err, ErrNotPending)

	got, err := q.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Approver, "second approve must not overwrite first approver")
}

func TestExpiredPendingTransitionsBeforeOtherAction(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.now = func() time.Time { return time.Unix(1000, 0) }

	record, err := q.Create(context.Background(), "reset_password", contracts.L3, map[string]any{}, nil, "", time.Second)
	require.NoError(t, err)

	q.now = func() time.Time { return time.Unix(2000, 0) } // well past expiry

	_, err = q.Approve(context.Background(), record.ID, "alice", "")
	assert.ErrorIs(t, err, ErrNotPending)

	got, err := q.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, got.Status)
}

func TestListPendingReturnsUnexpiredPendingRecords(t *testing.T) {
	q, _, _ := newTestQueue(t)
	base := time.Unix(1000, 0)
	q.now = func() time.Time { return base }
	first, err := q.Create(context.Background(), "reset_password", contracts.L3, map[string]any{}, nil, "", time.Hour)
	require.NoError(t, err)

	q.now = func() time.Time { return base.Add(time.Minute) }
	second, err := q.Create(context.Background(), "create_user", contracts.L3, map[string]any{}, nil, "", time.Hour)
	require.NoError(t, err)

	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	pending, err := q.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	ids := map[string]bool{first.ID: true, second.ID: true}
	for _, p := range pending {
		assert.True(t, ids[p.ID])
	}
}

func TestRoundTripNoSensitiveFieldsSkipsEnvelope(t *testing.T) {
	q, _, envelopes := newTestQueue(t)
	record, err := q.Create(context.Background(), "create_user", contracts.L3, map[string]any{
		"username": "jdoe",
	}, nil, "", time.Hour)
	require.NoError(t, err)

	_, found, _ := envelopes.GetSecret(context.Background(), record.ID)
	assert.False(t, found)

	_, err = q.Approve(context.Background(), record.ID, "alice", "")
	require.NoError(t, err)

	merged, _, err := q.FullArguments(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", merged["username"])
}

func TestFullArgumentsFailsWhenEnvelopeIsLost(t *testing.T) {
	q, _, envelopes := newTestQueue(t)
	record, err := q.Create(context.Background(), "reset_password", contracts.L3, map[string]any{
		"username": "jdoe", "new_password": "S3cret!",
	}, nil, "", time.Hour)
	require.NoError(t, err)

	_, err = q.Approve(context.Background(), record.ID, "alice", "")
	require.NoError(t, err)

	// Simulate the envelope expiring or being evicted out from under an
	// approved record that did have sensitive fields at creation time.
	require.NoError(t, envelopes.DeleteSecret(context.Background(), record.ID))

	_, _, err = q.FullArguments(context.Background(), record.ID)
	assert.ErrorIs(t, err, ErrEnvelopeExpired)
}

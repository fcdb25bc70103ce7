// Package approval implements the durable human-in-the-loop approval
// queue: the pending→approved/rejected/expired, approved→executed/failed
// state machine, and its coordination with secret-partitioned side
// storage. Grounded on escalation.Manager (intent lifecycle
// shape: Create/Approve/Deny/CheckTimeouts) generalized from its in-memory
// receipt model to a durable Postgres-backed one, and on
// pkg/registry/postgres_registry.go for the persistence idioms.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/secrets"
)

// DefaultTTL is used when a caller does not supply ttl_minutes (spec.md §6).
const DefaultTTL = 60 * time.Minute

// EnvelopeSafetyMargin keeps a secret envelope alive strictly longer than
// its approval record (spec.md §3 "Secret Envelope").
const EnvelopeSafetyMargin = 10 * time.Minute

// Store is the durable record persistence contract. A Postgres
// implementation lives in store_postgres.go; tests may supply an
// in-memory fake.
type Store interface {
	Save(ctx context.Context, record contracts.ApprovalRecord) error
	Get(ctx context.Context, id string) (*contracts.ApprovalRecord, error)
	ListPending(ctx context.Context, now time.Time, limit int) ([]contracts.ApprovalRecord, error)
	// ExpireOld bulk-transitions pending, past-deadline records to expired
	// and returns the ids it transitioned, so the caller can clean up their
	// paired secret envelopes.
	ExpireOld(ctx context.Context, now time.Time) ([]string, error)
}

// EnvelopeStore is the secret side-store contract: opaque ciphertext keyed
// by approval id, with a TTL strictly greater than the approval's own.
type EnvelopeStore interface {
	PutSecret(ctx context.Context, approvalID string, ciphertext string, ttl time.Duration) error
	GetSecret(ctx context.Context, approvalID string) (string, bool, error)
	DeleteSecret(ctx context.Context, approvalID string) error
}

// Queue is the approval state machine, backed by a durable Store and an
// EnvelopeStore for sensitive fields.
type Queue struct {
	store     Store
	envelopes EnvelopeStore
	cipher    *secrets.Cipher
	now       func() time.Time
}

func New(store Store, envelopes EnvelopeStore, cipher *secrets.Cipher) *Queue {
	return &Queue{store: store, envelopes: envelopes, cipher: cipher, now: time.Now}
}

var (
	// ErrNotL3 is returned when Create is called for a tool not at L3.
	ErrNotL3 = fmt.Errorf("approval: only L3 tools may enter the approval queue")
	// ErrNotFound is returned when an operation targets an unknown id.
	ErrNotFound = fmt.Errorf("approval: record not found")
	// ErrNotPending is returned when approve/reject targets a non-pending record.
	ErrNotPending = fmt.Errorf("approval: record is not pending")
	// ErrNotApproved is returned when mark-executed or full-arguments targets
	// a record that was never approved.
	ErrNotApproved = fmt.Errorf("approval: record is not approved")
	// ErrEnvelopeExpired is returned by FullArguments when the record
	// outlived its secret envelope, or the envelope can no longer be
	// decrypted.
	ErrEnvelopeExpired = fmt.Errorf("approval: secret envelope has expired or is unreadable")
)

// Create enters a new sensitive operation into the queue. Rejects any
// level other than L3. Arguments are split: the redacted tree is stored on
// the record, sensitive leaves go into an encrypted envelope.
func (q *Queue) Create(ctx context.Context, toolName string, level contracts.Level, arguments map[string]any, reqContext map[string]any, callerAddr string, ttl time.Duration) (*contracts.ApprovalRecord, error) {
	if level != contracts.L3 {
		return nil, ErrNotL3
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	redacted, secretTree := secrets.Extract(arguments)
	now := q.now()

	record := contracts.ApprovalRecord{
		ID:         uuid.NewString(),
		ToolName:   toolName,
		Level:      level,
		Arguments:  redacted,
		Context:    reqContext,
		CallerAddr: callerAddr,
		Status:     contracts.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		HasSecrets: len(secretTree) > 0,
	}

	if len(secretTree) > 0 {
		payload, err := json.Marshal(secretTree)
		if err != nil {
			return nil, fmt.Errorf("approval: marshaling secret tree: %w", err)
		}
		ciphertext, err := q.cipher.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("approval: encrypting secret tree: %w", err)
		}
		if err := q.envelopes.PutSecret(ctx, record.ID, ciphertext, ttl+EnvelopeSafetyMargin); err != nil {
			return nil, fmt.Errorf("approval: storing secret envelope: %w", err)
		}
	}

	if err := q.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("approval: saving record: %w", err)
	}
	return &record, nil
}

// ListPending returns pending, unexpired records ordered by creation
// instant descending, lazily transitioning any that have expired.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]contracts.ApprovalRecord, error) {
	now := q.now()
	if _, err := q.ExpireOld(ctx); err != nil {
		return nil, fmt.Errorf("approval: expiring old records: %w", err)
	}
	return q.store.ListPending(ctx, now, limit)
}

// Get returns a single record, transitioning it to expired first if its
// deadline has passed while still pending.
func (q *Queue) Get(ctx context.Context, id string) (*contracts.ApprovalRecord, error) {
	record, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	q.maybeExpire(ctx, record)
	return record, nil
}

func (q *Queue) maybeExpire(ctx context.Context, record *contracts.ApprovalRecord) {
	if record.Status != contracts.StatusPending {
		return
	}
	now := q.now()
	if now.Before(record.ExpiresAt) {
		return
	}
	record.Status = contracts.StatusExpired
	_ = q.store.Save(ctx, *record)
	q.cleanupSecrets(ctx, record.ID)
}

// Approve transitions a pending, unexpired record to approved.
func (q *Queue) Approve(ctx context.Context, id, approver, comment string) (*contracts.ApprovalRecord, error) {
	record, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != contracts.StatusPending {
		return nil, ErrNotPending
	}

	now := q.now()
	record.Status = contracts.StatusApproved
	record.ApprovedAt = &now
	record.Approver = approver
	record.ApprovalComment = comment

	if err := q.store.Save(ctx, *record); err != nil {
		return nil, fmt.Errorf("approval: saving approval: %w", err)
	}
	return record, nil
}

// Reject transitions a pending, unexpired record to rejected.
func (q *Queue) Reject(ctx context.Context, id, approver, comment string) (*contracts.ApprovalRecord, error) {
	record, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != contracts.StatusPending {
		return nil, ErrNotPending
	}

	record.Status = contracts.StatusRejected
	record.Approver = approver
	record.ApprovalComment = comment

	if err := q.store.Save(ctx, *record); err != nil {
		return nil, fmt.Errorf("approval: saving rejection: %w", err)
	}
	q.cleanupSecrets(ctx, record.ID)
	return record, nil
}

// FullArguments reconstitutes the original argument tree for an approved
// record by decrypting its envelope and merging secrets back over the
// redacted arguments. Must be called immediately before dispatch; callers
// must not retain the returned tree beyond the handler invocation
// (spec.md §9 "Secret handling").
func (q *Queue) FullArguments(ctx context.Context, id string) (map[string]any, *contracts.ApprovalRecord, error) {
	record, err := q.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if record.Status != contracts.StatusApproved {
		return nil, nil, ErrNotApproved
	}

	ciphertext, found, err := q.envelopes.GetSecret(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("approval: reading secret envelope: %w", err)
	}
	if !found {
		if !record.HasSecrets {
			// No envelope ever existed (no sensitive fields at creation) —
			// the redacted tree already is the full tree.
			return cloneMap(record.Arguments), record, nil
		}
		// A secret envelope was created at Create time but is gone now —
		// expired, evicted, or never durable across a restart. The redacted
		// tree alone is incomplete; the merge must fail rather than silently
		// dispatch with "[REDACTED]" values (spec.md §9).
		return nil, nil, ErrEnvelopeExpired
	}

	plaintext, err := q.cipher.Decrypt(ciphertext)
	if err != nil {
		return nil, nil, ErrEnvelopeExpired
	}

	var secretTree map[string]any
	if err := json.Unmarshal(plaintext, &secretTree); err != nil {
		return nil, nil, fmt.Errorf("approval: unmarshaling secret tree: %w", err)
	}

	merged := secrets.Merge(cloneMap(record.Arguments), secretTree)
	return merged, record, nil
}

// MarkExecuted transitions an approved record to executed (result != nil)
// or failed (execErr != ""), and deletes its secret envelope.
func (q *Queue) MarkExecuted(ctx context.Context, id string, result map[string]any, execErr string) (*contracts.ApprovalRecord, error) {
	record, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != contracts.StatusApproved {
		return nil, ErrNotApproved
	}

	now := q.now()
	record.ExecutedAt = &now
	if execErr != "" {
		record.Status = contracts.StatusFailed
		record.ExecutionError = execErr
	} else {
		record.Status = contracts.StatusExecuted
		record.ExecutionResult = result
	}

	if err := q.store.Save(ctx, *record); err != nil {
		return nil, fmt.Errorf("approval: saving execution outcome: %w", err)
	}
	q.cleanupSecrets(ctx, id)
	return record, nil
}

// ExpireOld bulk-transitions pending records past their deadline and
// deletes each transitioned record's orphaned secret envelope.
func (q *Queue) ExpireOld(ctx context.Context) (int, error) {
	ids, err := q.store.ExpireOld(ctx, q.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		q.cleanupSecrets(ctx, id)
	}
	return len(ids), nil
}

func (q *Queue) cleanupSecrets(ctx context.Context, id string) {
	_ = q.envelopes.DeleteSecret(ctx, id)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

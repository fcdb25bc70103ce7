package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/widip-ai/ctrlplane/internal/contracts"
)

// PostgresStore persists approval records in the `approvals` table from
// spec.md §6. Modeled on pkg/registry/postgres_registry.go: idempotent
// schema creation at construction, upsert via ON CONFLICT, database/sql
// with the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the approvals schema (creating it if absent) and
// returns a ready Store.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approvals (
			id UUID PRIMARY KEY,
			tool_name TEXT NOT NULL,
			arguments JSONB NOT NULL,
			security_level TEXT NOT NULL,
			requester_ip TEXT,
			request_context JSONB,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			approved_at TIMESTAMPTZ,
			approver TEXT,
			approval_comment TEXT,
			executed_at TIMESTAMPTZ,
			execution_result JSONB,
			execution_error TEXT,
			has_secrets BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS approvals_status_idx ON approvals (status)`,
		`CREATE INDEX IF NOT EXISTS approvals_pending_expires_idx ON approvals (expires_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS approvals_created_at_idx ON approvals (created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("approval: init schema: %w", err)
		}
	}
	return nil
}

// Save upserts a record by id.
func (s *PostgresStore) Save(ctx context.Context, r contracts.ApprovalRecord) error {
	argumentsJSON, err := json.Marshal(r.Arguments)
	if err != nil {
		return fmt.Errorf("approval: marshaling arguments: %w", err)
	}
	contextJSON, err := json.Marshal(r.Context)
	if err != nil {
		return fmt.Errorf("approval: marshaling context: %w", err)
	}
	var resultJSON []byte
	if r.ExecutionResult != nil {
		resultJSON, err = json.Marshal(r.ExecutionResult)
		if err != nil {
			return fmt.Errorf("approval: marshaling execution result: %w", err)
		}
	}

	query := `
		INSERT INTO approvals (
			id, tool_name, arguments, security_level, requester_ip, request_context,
			status, created_at, expires_at, approved_at, approver, approval_comment,
			executed_at, execution_result, execution_error, has_secrets
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			approved_at = EXCLUDED.approved_at,
			approver = EXCLUDED.approver,
			approval_comment = EXCLUDED.approval_comment,
			executed_at = EXCLUDED.executed_at,
			execution_result = EXCLUDED.execution_result,
			execution_error = EXCLUDED.execution_error
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.ToolName, argumentsJSON, string(r.Level), r.CallerAddr, contextJSON,
		string(r.Status), r.CreatedAt, r.ExpiresAt, r.ApprovedAt, r.Approver, r.ApprovalComment,
		r.ExecutedAt, nullableJSON(resultJSON), nullString(r.ExecutionError), r.HasSecrets,
	)
	if err != nil {
		return fmt.Errorf("approval: saving record: %w", err)
	}
	return nil
}

// Get fetches a record by id, or (nil, nil) if absent.
func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, arguments, security_level, requester_ip, request_context,
			status, created_at, expires_at, approved_at, approver, approval_comment,
			executed_at, execution_result, execution_error, has_secrets
		FROM approvals WHERE id = $1
	`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("approval: fetching record: %w", err)
	}
	return r, nil
}

// ListPending returns pending, unexpired records ordered newest-first.
func (s *PostgresStore) ListPending(ctx context.Context, now time.Time, limit int) ([]contracts.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_name, arguments, security_level, requester_ip, request_context,
			status, created_at, expires_at, approved_at, approver, approval_comment,
			executed_at, execution_result, execution_error, has_secrets
		FROM approvals
		WHERE status = 'pending' AND expires_at > $1
		ORDER BY created_at DESC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("approval: listing pending: %w", err)
	}
	defer rows.Close()

	var out []contracts.ApprovalRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scanning pending row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ExpireOld bulk-transitions pending, past-deadline records to expired and
// returns their ids.
func (s *PostgresStore) ExpireOld(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE approvals SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("approval: expiring old records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("approval: scanning expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner abstracts over *sql.Row and *sql.Rows, both of which implement Scan.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*contracts.ApprovalRecord, error) {
	var r contracts.ApprovalRecord
	var argumentsJSON, contextJSON, resultJSON []byte
	var level, status string
	var requesterIP, approver, comment, execErr sql.NullString
	var approvedAt, executedAt sql.NullTime

	if err := row.Scan(
		&r.ID, &r.ToolName, &argumentsJSON, &level, &requesterIP, &contextJSON,
		&status, &r.CreatedAt, &r.ExpiresAt, &approvedAt, &approver, &comment,
		&executedAt, &resultJSON, &execErr, &r.HasSecrets,
	); err != nil {
		return nil, err
	}

	r.Level = contracts.Level(level)
	r.Status = contracts.ApprovalStatus(status)
	r.CallerAddr = requesterIP.String
	r.Approver = approver.String
	r.ApprovalComment = comment.String
	r.ExecutionError = execErr.String

	if len(argumentsJSON) > 0 {
		_ = json.Unmarshal(argumentsJSON, &r.Arguments)
	}
	if len(contextJSON) > 0 {
		_ = json.Unmarshal(contextJSON, &r.Context)
	}
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &r.ExecutionResult)
	}
	if approvedAt.Valid {
		r.ApprovedAt = &approvedAt.Time
	}
	if executedAt.Valid {
		r.ExecutedAt = &executedAt.Time
	}

	return &r, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

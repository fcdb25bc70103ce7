package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/widip-ai/ctrlplane/internal/approval"
	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/dispatch"
	"github.com/widip-ai/ctrlplane/internal/registry"
	"github.com/widip-ai/ctrlplane/internal/safeguard"
	"github.com/widip-ai/ctrlplane/internal/secrets"
)

// memStore is an in-memory approval.Store fake, mirroring the one used in
// internal/approval's own tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]contracts.ApprovalRecord
}

func newMemStore() *memStore { return &memStore{records: make(map[string]contracts.ApprovalRecord)} }

func (m *memStore) Save(_ context.Context, r contracts.ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*contracts.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) ListPending(_ context.Context, now time.Time, limit int) ([]contracts.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.ApprovalRecord
	for _, r := range m.records {
		if r.Status == contracts.StatusPending && r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ExpireOld(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	mu sync.Mutex
	m  map[string]string
}

func newMemEnvelopes() *memEnvelopes { return &memEnvelopes{m: make(map[string]string)} }

func (e *memEnvelopes) PutSecret(_ context.Context, id, ciphertext string, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[id] = ciphertext
	return nil
}

func (e *memEnvelopes) GetSecret(_ context.Context, id string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.m[id]
	return c, ok, nil
}

func (e *memEnvelopes) DeleteSecret(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.m, id)
	return nil
}

func testServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	reg := registry.New()

	require.NoError(t, reg.Register(contracts.Tool{
		Name: "get_device_status", Level: contracts.L0,
		Params: []contracts.ParamSchema{{Name: "device_name", Kind: contracts.KindString, Required: true}},
		Handler: func(_ context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			return map[string]any{"device": args["device_name"], "status": "up"}, nil
		},
	}))
	require.NoError(t, reg.Register(contracts.Tool{
		Name: "create_ticket", Level: contracts.L1,
		Params: []contracts.ParamSchema{{Name: "title", Kind: contracts.KindString, Required: true}},
		Handler: func(_ context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			return map[string]any{"ticket_id": "t-1"}, nil
		},
	}))
	require.NoError(t, reg.Register(contracts.Tool{
		Name: "reset_password", Level: contracts.L3,
		Params: []contracts.ParamSchema{
			{Name: "username", Kind: contracts.KindString, Required: true},
			{Name: "new_password", Kind: contracts.KindString, Required: true},
		},
		Handler: func(_ context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			return map[string]any{"reset": true, "password_used": args["new_password"]}, nil
		},
	}))
	require.NoError(t, reg.Register(contracts.Tool{
		Name: "create_user", Level: contracts.L4,
		Params: []contracts.ParamSchema{{Name: "username", Kind: contracts.KindString, Required: true}},
		Handler: func(_ context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			return map[string]any{"created": true}, nil
		},
	}))

	store := newMemStore()
	cipher, err := secrets.NewCipher("test-key-material-not-empty")
	require.NoError(t, err)
	queue := approval.New(store, newMemEnvelopes(), cipher)

	srv := &Server{
		Auth:       AuthConfig{Enabled: false},
		Registry:   reg,
		Dispatcher: dispatch.New(reg),
		Gate:       safeguard.New(),
		Queue:      queue,
	}
	return srv, store
}

func TestL0ReadSucceedsWithoutApproval(t *testing.T) {
	srv, store := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"get_device_status","params":{"name":"get_device_status","arguments":{"device_name":"sw-01"}}}`
	resp, err := http.Post(ts.URL+"/mcp/call", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Nil(t, parsed["error"])
	assert.Empty(t, store.records)
}

func TestL1BelowThresholdReturns403WithRateLimitCode(t *testing.T) {
	srv, store := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"jsonrpc":"2.0","id":2,"method":"create_ticket","params":{"name":"create_ticket","arguments":{"title":"printer"},"confidence":50}}`
	resp, err := http.Post(ts.URL+"/mcp/call", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var parsed rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.NotNil(t, parsed.Error)
	assert.Equal(t, -32003, parsed.Error.Code)
	assert.Equal(t, true, parsed.Error.Data["requires_human"])
	assert.Equal(t, "L1", parsed.Error.Data["level"])
	assert.Empty(t, store.records)
}

func TestL3BlockedThenApprovedLifecycle(t *testing.T) {
	srv, store := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	callBody := `{"jsonrpc":"2.0","id":3,"method":"reset_password","params":{"name":"reset_password","arguments":{"username":"jdoe","new_password":"S3cret!"}}}`
	resp, err := http.Post(ts.URL+"/mcp/call", "application/json", bytes.NewBufferString(callBody))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	reqBody := `{"tool_name":"reset_password","arguments":{"username":"jdoe","new_password":"S3cret!"}}`
	resp, err = http.Post(ts.URL+"/safeguard/request", "application/json", bytes.NewBufferString(reqBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	approvalID, _ := created["approval_id"].(string)
	require.NotEmpty(t, approvalID)

	stored, ok := store.records[approvalID]
	require.True(t, ok)
	assert.Equal(t, secrets.Sentinel, stored.Arguments["new_password"])

	approveBody := `{"approver":"alice"}`
	resp, err = http.Post(ts.URL+"/safeguard/approve/"+approvalID, "application/json", bytes.NewBufferString(approveBody))
	require.NoError(t, err)
	var approved map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&approved))
	resp.Body.Close()
	assert.Equal(t, "approved", approved["status"])

	resp, err = http.Post(ts.URL+"/safeguard/execute/"+approvalID, "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	var executed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&executed))
	resp.Body.Close()
	assert.Equal(t, "executed", executed["status"])
}

func TestL4ForbiddenNeverCreatesApproval(t *testing.T) {
	srv, store := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	callBody := `{"jsonrpc":"2.0","id":4,"method":"create_user","params":{"name":"create_user","arguments":{"username":"eve"}}}`
	resp, err := http.Post(ts.URL+"/mcp/call", "application/json", bytes.NewBufferString(callBody))
	require.NoError(t, err)
	var parsed rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "L4", parsed.Error.Data["level"])

	reqBody := `{"tool_name":"create_user","arguments":{"username":"eve"}}`
	resp, err = http.Post(ts.URL+"/safeguard/request", "application/json", bytes.NewBufferString(reqBody))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, store.records)
}

func TestToolShortcutStripsConfidence(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/tools/create_ticket", "application/json",
		bytes.NewBufferString(`{"title":"printer","_confidence":90}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthMiddlewareRejectsMissingSharedSecret(t *testing.T) {
	srv, _ := testServer(t)
	srv.Auth = AuthConfig{Enabled: true, Header: "X-API-Key", Key: "super-secret"}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/mcp/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthPublicPathBypassesAuth(t *testing.T) {
	srv, _ := testServer(t)
	srv.Auth = AuthConfig{Enabled: true, Header: "X-API-Key", Key: "super-secret"}
	srv.Checkers = []Checker{{Name: "upstream", Critical: true, Probe: func(context.Context) error { return nil }}}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthDegradesOnNonCriticalFailure(t *testing.T) {
	srv, _ := testServer(t)
	srv.Checkers = []Checker{
		{Name: "critical", Critical: true, Probe: func(context.Context) error { return nil }},
		{Name: "sidecar", Critical: false, Probe: func(context.Context) error { return assert.AnError }},
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "degraded", parsed["status"])
}

func TestHealthUnhealthyOnCriticalFailure(t *testing.T) {
	srv, _ := testServer(t)
	srv.Checkers = []Checker{{Name: "critical", Critical: true, Probe: func(context.Context) error { return assert.AnError }}}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSSEEmitsToolsEventThenDisconnects(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/mcp/sse", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "event: tools")
}

func TestListToolsEnumeratesSchemas(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/mcp/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	tools, ok := parsed["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 4)
}

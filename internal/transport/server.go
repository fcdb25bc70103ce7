package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/widip-ai/ctrlplane/internal/approval"
	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/dispatch"
	"github.com/widip-ai/ctrlplane/internal/registry"
	"github.com/widip-ai/ctrlplane/internal/safeguard"
	"github.com/widip-ai/ctrlplane/internal/scheduler"
)

// Checker is one named, bounded collaborator probe for the aggregated
// /health endpoint. Critical checkers failing makes the whole response
// unhealthy; non-critical failures only degrade it (spec.md §4.F).
type Checker struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// CheckDeadline bounds a single collaborator probe inside GET /health.
const CheckDeadline = 3 * time.Second

// SSEHeartbeat is the interval between heartbeat events on /mcp/sse.
const SSEHeartbeat = 30 * time.Second

// Server wires the dispatcher, SAFEGUARD gate, and approval queue onto the
// HTTP surface named in spec.md §4.F. Grounded on pkg/mcp/gateway.go's
// route shape and pkg/kernelruntime/server.go's http.Server construction.
type Server struct {
	Auth      AuthConfig
	Origins   []string
	RateLimit *RateLimiter

	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Gate       *safeguard.Gate
	Queue      *approval.Queue
	Scheduler  *scheduler.Scheduler

	Checkers []Checker

	Log *slog.Logger
}

// Handler builds the fully wrapped net/http.Handler for this server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /mcp/sse", s.handleSSE)
	mux.HandleFunc("POST /mcp/call", s.handleMCPCall)
	mux.HandleFunc("POST /tools/{name}", s.handleToolShortcut)
	mux.HandleFunc("GET /mcp/tools", s.handleListTools)

	mux.HandleFunc("POST /safeguard/request", s.handleApprovalCreate)
	mux.HandleFunc("GET /safeguard/pending", s.handleApprovalPending)
	mux.HandleFunc("GET /safeguard/status/{id}", s.handleApprovalStatus)
	mux.HandleFunc("POST /safeguard/approve/{id}", s.handleApprovalApprove)
	mux.HandleFunc("POST /safeguard/reject/{id}", s.handleApprovalReject)
	mux.HandleFunc("POST /safeguard/execute/{id}", s.handleApprovalExecute)

	mux.HandleFunc("POST /webhooks/{path}", s.handleWebhook)

	mws := []func(http.Handler) http.Handler{
		originMiddleware(s.Origins),
		authMiddleware(s.Auth),
	}
	if s.RateLimit != nil {
		mws = append(mws, s.RateLimit.Middleware)
	}
	return chain(mux, mws...)
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// handleHealth runs every configured checker concurrently under
// CheckDeadline and aggregates into healthy/degraded/unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		name     string
		critical bool
		err      error
	}

	results := make([]outcome, len(s.Checkers))
	var wg sync.WaitGroup
	for i, c := range s.Checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), CheckDeadline)
			defer cancel()
			results[i] = outcome{name: c.Name, critical: c.Critical, err: c.Probe(ctx)}
		}(i, c)
	}
	wg.Wait()

	status := "healthy"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(results))
	for _, o := range results {
		if o.err == nil {
			checks[o.name] = "ok"
			continue
		}
		checks[o.name] = o.err.Error()
		if o.critical {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// handleSSE emits the tool-schema discovery event once, then a heartbeat
// every SSEHeartbeat until the client disconnects or the server stops.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternal(w, fmt.Errorf("transport: streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSEEvent(w, "tools", s.Dispatcher.Discover())
	flusher.Flush()

	ticker := time.NewTicker(SSEHeartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			writeSSEEvent(w, "heartbeat", map[string]any{"timestamp": t.UTC().Format(time.RFC3339)})
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Method  string         `json:"method"`
	Params  rpcCallParams  `json:"params"`
}

type rpcCallParams struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Confidence *int           `json:"confidence"`
}

// handleMCPCall runs the dispatcher under the SAFEGUARD gate for the
// JSON-RPC 2.0 envelope (spec.md §4.F, §6).
func (s *Server) handleMCPCall(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, dispatch.KindParseError.Code(), "invalid JSON-RPC envelope", nil)
		return
	}

	name := req.Params.Name
	if name == "" {
		name = req.Method
	}
	confidence := 100
	if req.Params.Confidence != nil {
		confidence = *req.Params.Confidence
	}

	s.dispatchGated(w, r, req.ID, name, req.Params.Arguments, confidence)
}

// handleToolShortcut is POST /tools/{name}: no JSON-RPC framing, and
// _confidence is stripped from arguments before validation (spec.md §4.F).
func (s *Server) handleToolShortcut(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var arguments map[string]any
	if err := json.NewDecoder(r.Body).Decode(&arguments); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, dispatch.KindParseError.Code(), "invalid request body", nil)
		return
	}
	if arguments == nil {
		arguments = map[string]any{}
	}

	confidence := 100
	if raw, ok := arguments["_confidence"]; ok {
		if f, ok := raw.(float64); ok {
			confidence = int(f)
		}
		delete(arguments, "_confidence")
	}

	s.dispatchGated(w, r, nil, name, arguments, confidence)
}

// dispatchGated is the shared POST /mcp/call and POST /tools/{name} path:
// resolve the tool's level, run it through the SAFEGUARD gate, and either
// dispatch or return the block/queue envelope.
func (s *Server) dispatchGated(w http.ResponseWriter, r *http.Request, id any, name string, arguments map[string]any, confidence int) {
	tool, ok := s.Registry.Lookup(name)
	if !ok {
		writeRPCError(w, http.StatusNotFound, id, dispatch.KindToolNotFound.Code(), fmt.Sprintf("tool %q is not registered", name), nil)
		return
	}

	decision := s.Gate.Decide(tool.Level, confidence)
	if !decision.Allowed {
		data := map[string]any{
			"allowed":        false,
			"level":          string(decision.Level),
			"message":        decision.Reason,
			"requires_human": decision.RequiresHuman,
		}
		if decision.ApprovalHint != "" {
			data["approval_hint"] = decision.ApprovalHint
		}

		if decision.Level == contracts.L3 && s.Queue != nil {
			record, err := s.Queue.Create(r.Context(), name, tool.Level, arguments, nil, r.RemoteAddr, approval.DefaultTTL)
			if err != nil {
				writeInternal(w, err)
				return
			}
			data["pending_approval_id"] = record.ID
		}

		writeRPCError(w, http.StatusForbidden, id, dispatch.KindRateLimit.Code(), decision.Reason, data)
		return
	}

	if safeguard.NotifiesOutOfBand(decision) {
		s.logger().Warn("transport: L2 mutation executed", "tool", name, "caller", r.RemoteAddr)
	}

	execCtx := s.Dispatcher.NewExecutionContext(name, r.RemoteAddr, "")
	result, callErr := s.Dispatcher.Call(r.Context(), name, arguments, execCtx)
	if callErr != nil {
		writeRPCError(w, callErr.Kind.HTTPStatus(), id, callErr.Kind.Code(), callErr.Message, callErr.Data)
		return
	}
	writeRPCResult(w, id, result.Value)
}

// handleListTools is GET /mcp/tools: plain JSON enumeration of schemas.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tools": s.Dispatcher.Discover()})
}

type approvalCreateBody struct {
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	Context     map[string]any `json:"context"`
	TTLMinutes  *int           `json:"ttl_minutes"`
}

func (s *Server) handleApprovalCreate(w http.ResponseWriter, r *http.Request) {
	var body approvalCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	tool, ok := s.Registry.Lookup(body.ToolName)
	if !ok {
		writeNotFound(w, fmt.Sprintf("tool %q is not registered", body.ToolName))
		return
	}
	if tool.Level != contracts.L3 {
		writeBadRequest(w, fmt.Sprintf("tool %q is not L3", body.ToolName))
		return
	}

	ttl := approval.DefaultTTL
	if body.TTLMinutes != nil {
		ttl = time.Duration(*body.TTLMinutes) * time.Minute
	}

	record, err := s.Queue.Create(r.Context(), body.ToolName, tool.Level, body.Arguments, body.Context, r.RemoteAddr, ttl)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(approvalView(*record, time.Now()))
}

func (s *Server) handleApprovalPending(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.Queue.ListPending(r.Context(), limit)
	if err != nil {
		writeInternal(w, err)
		return
	}

	now := time.Now()
	views := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		views = append(views, approvalView(rec, now))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": len(views), "approvals": views})
}

func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	record, err := s.Queue.Get(r.Context(), r.PathValue("id"))
	if s.handleApprovalLookupErr(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(approvalView(*record, time.Now()))
}

type approvalDecisionBody struct {
	Approver string `json:"approver"`
	Comment  string `json:"comment"`
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	var body approvalDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	record, err := s.Queue.Approve(r.Context(), r.PathValue("id"), body.Approver, body.Comment)
	if s.handleApprovalLookupErr(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(approvalView(*record, time.Now()))
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	var body approvalDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	record, err := s.Queue.Reject(r.Context(), r.PathValue("id"), body.Approver, body.Comment)
	if s.handleApprovalLookupErr(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(approvalView(*record, time.Now()))
}

// handleApprovalExecute re-dispatches the tool with the approved record's
// merged (redacted + decrypted secret) arguments and updates the record
// with the outcome (spec.md §4.F).
func (s *Server) handleApprovalExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	arguments, record, err := s.Queue.FullArguments(r.Context(), id)
	if s.handleApprovalLookupErr(w, err) {
		return
	}

	execCtx := s.Dispatcher.NewExecutionContext(record.ToolName, record.CallerAddr, record.Approver)
	result, callErr := s.Dispatcher.Call(r.Context(), record.ToolName, arguments, execCtx)

	var execErr string
	var resultValue map[string]any
	if callErr != nil {
		execErr = callErr.Message
	} else {
		resultValue = result.Value
	}

	updated, err := s.Queue.MarkExecuted(r.Context(), id, resultValue, execErr)
	if err != nil {
		writeInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if callErr != nil {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(approvalView(*updated, time.Now()))
}

func (s *Server) handleApprovalLookupErr(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case err == approval.ErrNotFound:
		writeNotFound(w, "approval record not found")
	case err == approval.ErrNotPending:
		writeConflict(w, "approval record is not pending")
	case err == approval.ErrNotApproved:
		writeConflict(w, "approval record is not approved")
	case err == approval.ErrEnvelopeExpired:
		writeConflict(w, "secret envelope has expired")
	default:
		writeInternal(w, err)
	}
	return true
}

func approvalView(r contracts.ApprovalRecord, now time.Time) map[string]any {
	return map[string]any{
		"approval_id":           r.ID,
		"tool_name":             r.ToolName,
		"arguments":             r.Arguments,
		"security_level":        string(r.Level),
		"requester_ip":          r.CallerAddr,
		"context":               r.Context,
		"status":                string(r.Status),
		"created_at":            r.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at":            r.ExpiresAt.UTC().Format(time.RFC3339),
		"time_remaining_seconds": r.SecondsRemaining(now),
	}
}

// handleWebhook fires the workflow registered under path, if any.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if s.Scheduler == nil {
		writeNotFound(w, "no scheduler configured")
		return
	}

	result, ok := s.Scheduler.TriggerWebhook(r.Context(), path)
	if !ok {
		writeNotFound(w, fmt.Sprintf("no workflow registered for webhook path %q", path))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

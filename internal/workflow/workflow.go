// Package workflow defines the common workflow execution contract shared
// by every scheduled job: validate → execute → success/error hooks, plus
// a CallTool helper that counts MCP calls (it keeps no per-call audit
// entry). Grounded on
// original_source/.../workflows/core/base.py for the lifecycle shape and
// on escalation.Manager for its exactly-once-callback
// discipline.
package workflow

import (
	"context"
	"time"

	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/mcpclient"
)

// RunContext is the per-run state threaded through Validate/Execute/
// OnSuccess/OnError. ToolsCalled increments on every CallTool invocation.
type RunContext struct {
	context.Context
	WorkflowID  string
	StartedAt   time.Time
	ToolsCalled int
	client      *mcpclient.Client
}

// NewRunContext builds a RunContext bound to ctx, stamped with id and now.
func NewRunContext(ctx context.Context, id string, now time.Time, client *mcpclient.Client) *RunContext {
	return &RunContext{Context: ctx, WorkflowID: id, StartedAt: now, client: client}
}

// ElapsedMS reports milliseconds since the run started.
func (r *RunContext) ElapsedMS(now time.Time) int64 {
	return now.Sub(r.StartedAt).Milliseconds()
}

// CallTool wraps the MCP client's Call, incrementing ToolsCalled
// regardless of outcome — callers get a counted call without having to
// remember the bookkeeping themselves. It records no audit entry: the
// call's duration and success are not kept on the RunContext.
func (r *RunContext) CallTool(tool string, arguments map[string]any, confidence *int) (map[string]any, *mcpclient.CallError) {
	r.ToolsCalled++
	return r.client.Call(r.Context, tool, arguments, confidence)
}

// Workflow is the contract every scheduled job implements. Validate,
// OnSuccess, and OnError have no-op defaults via Base, embedded by
// concrete workflows that only need to override Execute.
type Workflow interface {
	Name() string
	Description() string
	Timeout() time.Duration
	SafeguardLevel() contracts.Level
	Validate(rc *RunContext) error
	Execute(rc *RunContext) (map[string]any, error)
	OnSuccess(rc *RunContext, result map[string]any)
	OnError(rc *RunContext, err error)
}

// Base supplies no-op Validate/OnSuccess/OnError so concrete workflows only
// need to implement Execute (and whichever hooks they care about).
type Base struct {
	NameField        string
	DescriptionField string
	TimeoutField     time.Duration
	LevelField       contracts.Level
}

func (b Base) Name() string                       { return b.NameField }
func (b Base) Description() string                { return b.DescriptionField }
func (b Base) Timeout() time.Duration              { return b.TimeoutField }
func (b Base) SafeguardLevel() contracts.Level     { return b.LevelField }
func (b Base) Validate(*RunContext) error          { return nil }
func (b Base) OnSuccess(*RunContext, map[string]any) {}
func (b Base) OnError(*RunContext, error)            {}

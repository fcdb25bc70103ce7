// Package dispatch implements the dispatcher: argument validation against
// a tool's schema, deadline-bounded handler invocation, uniform envelope
// and error mapping, and execution-context audit recording. Grounded on
// pkg/mcp/gateway.go's request/response envelope shape and
// pkg/guardian/audit.go's audit-entry recording (without its hash chain —
// spec.md never asks for tamper evidence here).
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/registry"
)

// DefaultTimeout bounds a handler invocation when the caller supplies none.
const DefaultTimeout = 10 * time.Second

// Dispatcher resolves tools from a Registry and invokes their handlers
// under a timeout, producing a uniform result envelope.
type Dispatcher struct {
	reg     *registry.Registry
	timeout time.Duration
	now     func() time.Time
}

func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{reg: reg, timeout: DefaultTimeout, now: time.Now}
}

// WithTimeout returns a copy of the dispatcher using a different default
// handler timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	return &Dispatcher{reg: d.reg, timeout: timeout, now: d.now}
}

// Result is the uniform envelope Call returns on success.
type Result struct {
	Value map[string]any
}

// NewExecutionContext builds a fresh context for a dispatch entry, stamped
// with a generated request ID.
func (d *Dispatcher) NewExecutionContext(tool, callerAddr, principal string) *contracts.ExecutionContext {
	return contracts.NewExecutionContext(uuid.NewString(), tool, callerAddr, principal, d.now())
}

// Call resolves name, validates arguments against its schema, and invokes
// its handler under ctx's deadline (or the dispatcher's default timeout if
// ctx carries none). Every invocation is recorded on execCtx with
// redacted arguments, regardless of outcome.
func (d *Dispatcher) Call(ctx context.Context, name string, arguments map[string]any, execCtx *contracts.ExecutionContext) (*Result, *Error) {
	tool, ok := d.reg.Lookup(name)
	if !ok {
		return nil, NewError(KindToolNotFound, fmt.Sprintf("tool %q is not registered", name))
	}

	if err := ValidateArguments(tool.Params, arguments); err != nil {
		return nil, err
	}

	callCtx, cancel := d.boundedContext(ctx)
	defer cancel()

	start := d.now()
	resultCh := make(chan handlerOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		value, err := tool.Handler(callCtx, execCtx, arguments)
		resultCh <- handlerOutcome{value: value, err: err}
	}()

	select {
	case <-callCtx.Done():
		d.audit(execCtx, name, arguments, "timeout", d.now().Sub(start))
		return nil, NewError(KindTimeout, fmt.Sprintf("tool %q exceeded its deadline", name))

	case outcome := <-resultCh:
		elapsed := d.now().Sub(start)
		if outcome.err != nil {
			d.audit(execCtx, name, arguments, "error", elapsed)
			return nil, NewErrorWithData(KindToolExecution, outcome.err.Error(), map[string]any{
				"tool": name,
			})
		}
		d.audit(execCtx, name, arguments, "success", elapsed)
		return &Result{Value: outcome.value}, nil
	}
}

type handlerOutcome struct {
	value map[string]any
	err   error
}

func (d *Dispatcher) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Dispatcher) audit(execCtx *contracts.ExecutionContext, tool string, arguments map[string]any, outcome string, duration time.Duration) {
	if execCtx == nil {
		return
	}
	execCtx.RecordAudit(contracts.AuditEntry{
		Tool:      tool,
		Arguments: redactForAudit(arguments),
		Outcome:   outcome,
		Duration:  duration,
	})
}

// Discover enumerates every registered tool's public schema with its
// SAFEGUARD level annotation.
func (d *Dispatcher) Discover() []registry.SchemaView {
	return d.reg.SchemasForDiscovery()
}

// Package scheduler registers workflows on interval, cron, or webhook
// triggers and runs them through a shared run path: validate → execute
// (under timeout) → success/error hooks → uniform result envelope.
// Grounded on original_source/.../workflows/core/scheduler.py for the
// trigger taxonomy and run-path shape, ported from APScheduler's
// thread-pool model to Go goroutines + time.Ticker for intervals and
// github.com/robfig/cron/v3 for cron expressions, the same cron library
// used elsewhere in the Go ecosystem for this job (see
// goadesign-goa-ai/rakunlabs-at).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/mcpclient"
	"github.com/widip-ai/ctrlplane/internal/workflow"
)

// entry tracks one registered workflow's scheduling state.
type entry struct {
	reg      contracts.WorkflowRegistration
	wf       workflow.Workflow
	paused   bool
	stopFunc func()
}

// Scheduler owns the set of registered workflows and the goroutines
// driving their triggers.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	cron    *cron.Cron
	client  *mcpclient.Client
	log     *slog.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	runCtx  context.Context
}

func New(client *mcpclient.Client, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		entries: make(map[string]*entry),
		cron:    cron.New(),
		client:  client,
		log:     log,
		runCtx:  runCtx,
		cancel:  cancel,
	}
}

// RegisterInterval schedules wf to run every interval.
func (s *Scheduler) RegisterInterval(wf workflow.Workflow, interval time.Duration) {
	reg := contracts.WorkflowRegistration{
		Name: wf.Name(), Description: wf.Description(), Timeout: wf.Timeout(),
		Level: wf.SafeguardLevel(), Trigger: contracts.TriggerInterval, Interval: interval,
	}
	e := &entry{reg: reg, wf: wf}

	tickerCtx, stop := context.WithCancel(s.runCtx)
	e.stopFunc = stop

	s.mu.Lock()
	s.entries[wf.Name()] = e
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				s.runIfNotPaused(e)
			}
		}
	}()
}

// RegisterCron schedules wf on a cron expression.
func (s *Scheduler) RegisterCron(wf workflow.Workflow, expr string) error {
	reg := contracts.WorkflowRegistration{
		Name: wf.Name(), Description: wf.Description(), Timeout: wf.Timeout(),
		Level: wf.SafeguardLevel(), Trigger: contracts.TriggerCron, CronExpr: expr,
	}
	e := &entry{reg: reg, wf: wf}

	s.mu.Lock()
	s.entries[wf.Name()] = e
	s.mu.Unlock()

	id, err := s.cron.AddFunc(expr, func() { s.runIfNotPaused(e) })
	if err != nil {
		return err
	}
	e.stopFunc = func() { s.cron.Remove(id) }
	return nil
}

// RegisterWebhook registers wf under path; TriggerWebhook returns its result
// directly to the caller (the transport layer's webhook handler invokes
// this instead of waiting on a timer).
func (s *Scheduler) RegisterWebhook(wf workflow.Workflow, path string) {
	reg := contracts.WorkflowRegistration{
		Name: wf.Name(), Description: wf.Description(), Timeout: wf.Timeout(),
		Level: wf.SafeguardLevel(), Trigger: contracts.TriggerWebhook, WebhookPath: path,
	}
	s.mu.Lock()
	s.entries[wf.Name()] = &entry{reg: reg, wf: wf}
	s.mu.Unlock()
}

// TriggerWebhook runs the workflow registered under path, if any.
func (s *Scheduler) TriggerWebhook(ctx context.Context, path string) (*contracts.RunResult, bool) {
	s.mu.Lock()
	var found *entry
	for _, e := range s.entries {
		if e.reg.Trigger == contracts.TriggerWebhook && e.reg.WebhookPath == path {
			found = e
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return nil, false
	}
	return s.Run(ctx, found.wf), true
}

// Start launches the cron scheduler goroutine. Interval-triggered
// workflows already run their own goroutine from RegisterInterval.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Shutdown stops accepting new ticks and waits for in-flight runs to
// finish (spec.md §4.G "shutdown waits for in-flight runs").
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Pause prevents name's workflow from running on its own trigger until
// Resume is called. In-flight runs are unaffected.
func (s *Scheduler) Pause(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		e.paused = true
	}
}

func (s *Scheduler) Resume(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		e.paused = false
	}
}

func (s *Scheduler) runIfNotPaused(e *entry) {
	s.mu.Lock()
	paused := e.paused
	s.mu.Unlock()
	if paused {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.Run(s.runCtx, e.wf)
}

// Run executes wf through the shared run path and returns its envelope.
// Exported so tests and webhook triggers can invoke a run synchronously
// without going through a timer.
func (s *Scheduler) Run(ctx context.Context, wf workflow.Workflow) *contracts.RunResult {
	id := uuid.NewString()
	runCtx, cancel := context.WithTimeout(ctx, wf.Timeout())
	defer cancel()

	rc := workflow.NewRunContext(runCtx, id, time.Now(), s.client)
	result := &contracts.RunResult{WorkflowID: id}

	if err := wf.Validate(rc); err != nil {
		result.Success = false
		result.Error = &contracts.RunError{Kind: "workflow", Message: err.Error()}
		result.ElapsedMS = rc.ElapsedMS(time.Now())
		wf.OnError(rc, err)
		return result
	}

	type outcome struct {
		value map[string]any
		err   error
	}
	outcomeCh := make(chan outcome, 1)

	go func() {
		value, err := wf.Execute(rc)
		outcomeCh <- outcome{value: value, err: err}
	}()

	select {
	case <-runCtx.Done():
		now := time.Now()
		timeoutErr := &contracts.RunError{Kind: "timeout", Message: "workflow exceeded its timeout"}
		result.Success = false
		result.Error = timeoutErr
		result.ElapsedMS = rc.ElapsedMS(now)
		result.ToolsCalledCount = rc.ToolsCalled
		wf.OnError(rc, context.DeadlineExceeded)
		return result

	case o := <-outcomeCh:
		now := time.Now()
		result.ElapsedMS = rc.ElapsedMS(now)
		result.ToolsCalledCount = rc.ToolsCalled
		if o.err != nil {
			result.Success = false
			result.Error = &contracts.RunError{Kind: "workflow", Message: o.err.Error()}
			wf.OnError(rc, o.err)
			return result
		}
		result.Success = true
		result.Result = o.value
		wf.OnSuccess(rc, o.value)
		return result
	}
}

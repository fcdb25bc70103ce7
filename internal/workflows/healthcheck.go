// Package workflows holds the concrete scheduled jobs this process runs:
// the upstream health check and the approval-queue cleanup sweep. Both are
// thin workflow.Workflow wrappers over machinery that already lives
// elsewhere (internal/healthmon, internal/approval) — per spec.md §4.H a
// workflow only needs to supply name/description/timeout/level and an
// Execute; it does not need to own the logic it drives.
package workflows

import (
	"time"

	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/healthmon"
	"github.com/widip-ai/ctrlplane/internal/workflow"
)

// HealthCheck drives one healthmon.Monitor tick per scheduler run. It is
// registered on an interval trigger matching healthmon.TickPeriod so the
// scheduler's run path (and its uniform RunResult envelope) covers the
// health loop the same way it covers every other workflow, rather than the
// monitor running its own free-standing goroutine.
type HealthCheck struct {
	workflow.Base
	Monitor *healthmon.Monitor
}

// NewHealthCheck builds the health-check workflow for monitor, documented
// as SAFEGUARD L0 — it only reads upstream status, never mutates anything
// the gate would care about.
func NewHealthCheck(monitor *healthmon.Monitor) *HealthCheck {
	return &HealthCheck{
		Base: workflow.Base{
			NameField:        "healthcheck:" + monitor.Service,
			DescriptionField: "Probes the " + monitor.Service + " upstream and records its liveness state.",
			TimeoutField:     healthmon.ProbeDeadline + 2*time.Second,
			LevelField:       contracts.L0,
		},
		Monitor: monitor,
	}
}

func (h *HealthCheck) Execute(rc *workflow.RunContext) (map[string]any, error) {
	state := h.Monitor.Tick(rc.Context)
	return map[string]any{"service": h.Monitor.Service, "state": string(state)}, nil
}

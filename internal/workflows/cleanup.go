package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/widip-ai/ctrlplane/internal/approval"
	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/workflow"
)

// lockHolder is the distributed mutex the cleanup sweep uses to serialize
// at-most-one run across replicas (spec.md §5, §9 "Approval queue cleanup
// sweep").
type lockHolder interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// CleanupSweepTimeout bounds one cleanup run.
const CleanupSweepTimeout = 30 * time.Second

// cleanupLockName is the shared-state key this sweep serializes on.
const cleanupLockName = "approval-cleanup-sweep"

// cleanupLockTTL must comfortably exceed CleanupSweepTimeout so a slow
// replica cannot have its lock reclaimed mid-sweep.
const cleanupLockTTL = CleanupSweepTimeout + 30*time.Second

// ApprovalCleanupSweep periodically expires overdue pending approvals and
// deletes their orphaned secret envelopes, serialized across replicas with
// a set-if-absent lock so only one instance runs it per tick.
type ApprovalCleanupSweep struct {
	workflow.Base
	Queue *approval.Queue
	Locks lockHolder
}

// NewApprovalCleanupSweep builds the cleanup workflow, documented as
// SAFEGUARD L2: it mutates the approval store (moderate, logged) but never
// touches tool-level state.
func NewApprovalCleanupSweep(queue *approval.Queue, locks lockHolder) *ApprovalCleanupSweep {
	return &ApprovalCleanupSweep{
		Base: workflow.Base{
			NameField:        "approval-cleanup-sweep",
			DescriptionField: "Expires overdue pending approvals and deletes their secret envelopes.",
			TimeoutField:     CleanupSweepTimeout,
			LevelField:       contracts.L2,
		},
		Queue: queue,
		Locks: locks,
	}
}

func (c *ApprovalCleanupSweep) Execute(rc *workflow.RunContext) (map[string]any, error) {
	acquired, err := c.Locks.AcquireLock(rc.Context, cleanupLockName, cleanupLockTTL)
	if err != nil {
		return nil, fmt.Errorf("workflows: acquiring cleanup lock: %w", err)
	}
	if !acquired {
		return map[string]any{"skipped": true, "reason": "another replica holds the cleanup lock"}, nil
	}
	defer func() { _ = c.Locks.ReleaseLock(rc.Context, cleanupLockName) }()

	expired, err := c.Queue.ExpireOld(rc.Context)
	if err != nil {
		return nil, fmt.Errorf("workflows: expiring approvals: %w", err)
	}
	return map[string]any{"expired_count": expired}, nil
}

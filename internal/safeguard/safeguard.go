// Package safeguard implements the SAFEGUARD access-control gate: a
// state-free decision function over the five tool levels. Loosely named
// after guardian.EvaluateDecision/Verdict pair, stripped of
// the policy-bundle/signing machinery that job never needed here — this
// gate is a lookup table, not a policy evaluator.
package safeguard

import (
	"github.com/widip-ai/ctrlplane/internal/contracts"
)

// L1Threshold is the minimum caller confidence required to auto-allow an
// L1 (minor mutation) tool.
const L1Threshold = 80

// Gate evaluates tool levels against caller confidence. Disabled turns
// every decision into an L0 allow, regardless of the tool's real level —
// the global escape hatch named in spec.md §4.C.
type Gate struct {
	Disabled bool
}

func New() *Gate {
	return &Gate{}
}

// Decide is pure: same (level, confidence, disabled) always yields the same
// GateDecision. It never touches the registry, the clock, or any store.
func (g *Gate) Decide(level contracts.Level, confidence int) contracts.GateDecision {
	if g.Disabled {
		return contracts.GateDecision{Allowed: true, Level: contracts.L0, Reason: "safeguard disabled"}
	}

	switch level {
	case contracts.L0:
		return contracts.GateDecision{Allowed: true, Level: contracts.L0, Reason: "read-only / discovery"}

	case contracts.L1:
		if confidence >= L1Threshold {
			return contracts.GateDecision{Allowed: true, Level: contracts.L1, Reason: "confidence meets L1 threshold"}
		}
		return contracts.GateDecision{
			Allowed:       false,
			Level:         contracts.L1,
			Reason:        "confidence below L1 threshold",
			RequiresHuman: true,
			ApprovalHint:  "recheck_l1",
		}

	case contracts.L2:
		return contracts.GateDecision{Allowed: true, Level: contracts.L2, Reason: "moderate mutation, logged and notified"}

	case contracts.L3:
		return contracts.GateDecision{
			Allowed:       false,
			Level:         contracts.L3,
			Reason:        "sensitive mutation always requires approval",
			RequiresHuman: true,
			ApprovalHint:  "submit_to_approval_queue",
		}

	case contracts.L4:
		return contracts.GateDecision{
			Allowed: false,
			Level:   contracts.L4,
			Reason:  "forbidden, no queue path",
		}

	default:
		// Unknown level at execution time: deny by precaution.
		return contracts.GateDecision{
			Allowed:       false,
			Level:         level,
			Reason:        "unknown level, deny by precaution",
			RequiresHuman: true,
		}
	}
}

// NotifiesOutOfBand reports whether a decision should trigger the L2
// side-channel warning-level notification mentioned in spec.md §4.C. It is
// a read of the decision, not part of Decide's pure return value, because
// acting on it is an I/O side effect the caller performs. The transport
// acts on it by logging a warning; it sends no webhook notification.
func NotifiesOutOfBand(d contracts.GateDecision) bool {
	return d.Allowed && d.Level == contracts.L2
}

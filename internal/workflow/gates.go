package workflow

import (
	"fmt"

	"github.com/storyloom/storyloom-agent/internal/project"
)

type GateSeverity string

const (
	SeverityBlocker GateSeverity = "blocker"
	SeverityWarning GateSeverity = "warning"
)

// Gate is a computed refusal or caution guarding a forward phase
// transition. Gates are never persisted.
type Gate struct {
	ID          string       `json:"id"`
	Severity    GateSeverity `json:"severity"`
	Message     string       `json:"message"`
	AutoFixable bool         `json:"auto_fixable"`
}

// TransitionDecision is the outcome of CanTransition.
type TransitionDecision struct {
	Allowed  bool   `json:"allowed"`
	Blockers []Gate `json:"blockers,omitempty"`
}

// EvaluateGates inspects the same signals as the checklist for the phase
// about to be left, emitting a blocker for every unmet critical step and a
// warning for every unmet recommended step. Skipped steps do not gate.
func EvaluateGates(phase Phase, p *project.Project) []Gate {
	var gates []Gate
	for _, def := range stepLibrary[phase] {
		if def.priority == PriorityOptional {
			continue
		}
		status := deriveStatus(def, phase, p)
		if status != StepPending {
			continue
		}

		severity := SeverityWarning
		if def.priority == PriorityCritical {
			severity = SeverityBlocker
		}
		gates = append(gates, Gate{
			ID:          "gate_" + def.id,
			Severity:    severity,
			Message:     fmt.Sprintf("%s before leaving the %s phase", def.label, phase),
			AutoFixable: def.autoExecutable,
		})
	}
	return gates
}

// CanTransition decides whether navigating from the active phase to the
// target is permitted. Moving backward or staying put never blocks; moving
// forward requires the active phase to carry no blocker gates. Expert-mode
// bypass is a caller policy, not this function's concern.
func CanTransition(active, target Phase, p *project.Project) TransitionDecision {
	if target.Index() <= active.Index() {
		return TransitionDecision{Allowed: true}
	}

	var blockers []Gate
	for _, g := range EvaluateGates(active, p) {
		if g.Severity == SeverityBlocker {
			blockers = append(blockers, g)
		}
	}
	return TransitionDecision{Allowed: len(blockers) == 0, Blockers: blockers}
}

package workflow

import (
	"testing"

	"github.com/storyloom/storyloom-agent/internal/project"
)

func TestEvaluateGates_SeverityMapping(t *testing.T) {
	p := project.New("test")

	gates := EvaluateGates(PhaseGenesis, &p)

	var blockers, warnings int
	for _, g := range gates {
		switch g.Severity {
		case SeverityBlocker:
			blockers++
		case SeverityWarning:
			warnings++
		}
	}
	// write_script and analyze_script unmet critical; define_cast unmet
	// recommended. choose_style is optional and never gates.
	if blockers != 2 {
		t.Errorf("blockers = %d, want 2", blockers)
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want 1", warnings)
	}
}

func TestEvaluateGates_SkippedStepDoesNotGate(t *testing.T) {
	p := project.New("test")
	p.Script = "story"
	p.AddScene(project.Scene{Description: "s"})

	next, err := MarkStepSkipped(p, PhaseGenesis, "define_cast")
	if err != nil {
		t.Fatalf("MarkStepSkipped() error = %v", err)
	}

	for _, g := range EvaluateGates(PhaseGenesis, &next) {
		if g.ID == "gate_define_cast" {
			t.Error("skipped step must not emit a gate")
		}
	}
}

func TestCanTransition_BackwardAlwaysAllowed(t *testing.T) {
	p := project.New("test") // everything unmet

	for _, target := range []Phase{PhaseGenesis, PhaseManifest} {
		d := CanTransition(PhaseManifest, target, &p)
		if !d.Allowed {
			t.Errorf("transition manifest -> %s should always be allowed", target)
		}
		if len(d.Blockers) != 0 {
			t.Errorf("backward transition carried blockers: %+v", d.Blockers)
		}
	}
}

func TestCanTransition_ForwardBlocked(t *testing.T) {
	p := project.New("test")

	d := CanTransition(PhaseGenesis, PhaseManifest, &p)
	if d.Allowed {
		t.Fatal("forward transition should be blocked with unmet critical steps")
	}
	if len(d.Blockers) == 0 {
		t.Fatal("blocked decision must name its blockers")
	}
	for _, g := range d.Blockers {
		if g.Severity != SeverityBlocker {
			t.Errorf("blocker list contains %s gate %s", g.Severity, g.ID)
		}
	}
}

func TestCanTransition_ForwardAllowedWhenCriticalMet(t *testing.T) {
	p := project.New("test")
	p.Script = "story"
	p.AddScene(project.Scene{Description: "s"})
	// define_cast (recommended) left unmet: warnings never block.

	d := CanTransition(PhaseGenesis, PhaseManifest, &p)
	if !d.Allowed {
		t.Errorf("forward transition blocked by non-blocker gates: %+v", d.Blockers)
	}
}

func TestEvaluateGates_AutoFixable(t *testing.T) {
	p := project.New("test")
	p.Script = "story"

	for _, g := range EvaluateGates(PhaseGenesis, &p) {
		if g.ID == "gate_analyze_script" && !g.AutoFixable {
			t.Error("analyze_script gate should be auto-fixable")
		}
	}
}

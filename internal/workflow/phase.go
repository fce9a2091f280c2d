// Package workflow derives production phases, checklists and quality gates
// from project snapshots. Everything here is a pure function of the snapshot;
// no state is kept between calls.
package workflow

import "github.com/storyloom/storyloom-agent/internal/project"

// Phase is one of four ordered production stages.
type Phase string

const (
	PhaseGenesis   Phase = "genesis"
	PhaseManifest  Phase = "manifest"
	PhaseSynthesis Phase = "synthesis"
	PhasePost      Phase = "post"
)

var phaseOrder = []Phase{PhaseGenesis, PhaseManifest, PhaseSynthesis, PhasePost}

// Index returns the phase's position in the production order, or -1 for an
// unknown phase.
func (ph Phase) Index() int {
	for i, p := range phaseOrder {
		if p == ph {
			return i
		}
	}
	return -1
}

// Phases returns the production order.
func Phases() []Phase {
	return append([]Phase(nil), phaseOrder...)
}

// Classify derives the currently-reached phase from a snapshot. Rules are
// evaluated in order:
//   - no script, or script but zero scenes: genesis
//   - scenes but no complete asset: manifest
//   - every scene's asset complete: post
//   - otherwise: synthesis
func Classify(p *project.Project) Phase {
	if p.Script == "" || len(p.Scenes) == 0 {
		return PhaseGenesis
	}

	complete := 0
	for _, s := range p.Scenes {
		if a, ok := p.Assets[s.ID]; ok && a != nil && a.Status == project.AssetComplete {
			complete++
		}
	}

	if complete == 0 {
		return PhaseManifest
	}
	if complete == len(p.Scenes) {
		return PhasePost
	}
	return PhaseSynthesis
}

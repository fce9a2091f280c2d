package workflow

import (
	"fmt"
	"math"

	"github.com/storyloom/storyloom-agent/internal/project"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

type StepPriority string

const (
	PriorityCritical    StepPriority = "critical"
	PriorityRecommended StepPriority = "recommended"
	PriorityOptional    StepPriority = "optional"
)

type Step struct {
	ID             string       `json:"id"`
	Label          string       `json:"label"`
	Description    string       `json:"description"`
	Status         StepStatus   `json:"status"`
	Priority       StepPriority `json:"priority"`
	AutoExecutable bool         `json:"auto_executable"`
}

type Checklist struct {
	Phase         Phase  `json:"phase"`
	RequiredSteps []Step `json:"required_steps"`
	OptionalSteps []Step `json:"optional_steps"`
	Completion    int    `json:"completion"`
}

// stepDef is a step template. Signal derives completion from an explicit
// project condition; a nil signal means the step is purely user-driven and
// only the recorded override can complete or skip it.
type stepDef struct {
	id             string
	label          string
	description    string
	priority       StepPriority
	autoExecutable bool
	signal         func(*project.Project) bool
}

var stepLibrary = map[Phase][]stepDef{
	PhaseGenesis: {
		{
			id: "write_script", label: "Write script",
			description: "Draft the story script",
			priority:    PriorityCritical,
			signal:      func(p *project.Project) bool { return p.Script != "" },
		},
		{
			id: "analyze_script", label: "Analyze script",
			description:    "Break the script into scenes",
			priority:       PriorityCritical,
			autoExecutable: true,
			signal:         func(p *project.Project) bool { return len(p.Scenes) > 0 },
		},
		{
			id: "define_cast", label: "Define cast",
			description: "Identify the characters in the story",
			priority:    PriorityRecommended,
			signal:      func(p *project.Project) bool { return len(p.Characters) > 0 },
		},
		{
			id: "choose_style", label: "Choose visual style",
			description: "Pick a visual style for generation",
			priority:    PriorityOptional,
			signal:      func(p *project.Project) bool { return p.Style != "" },
		},
	},
	PhaseManifest: {
		{
			id: "assign_voices", label: "Assign voices",
			description: "Give every character a voice",
			priority:    PriorityCritical,
			signal: func(p *project.Project) bool {
				if len(p.Characters) == 0 {
					return false
				}
				for _, c := range p.Characters {
					if c.VoiceID == "" {
						return false
					}
				}
				return true
			},
		},
		{
			id: "scene_prompts", label: "Refine scene prompts",
			description: "Every scene needs an image prompt",
			priority:    PriorityRecommended,
			signal: func(p *project.Project) bool {
				if len(p.Scenes) == 0 {
					return false
				}
				for _, s := range p.Scenes {
					if s.ImagePrompt == "" {
						return false
					}
				}
				return true
			},
		},
		{
			id: "review_scenes", label: "Review scenes",
			description: "Read through the scene breakdown",
			priority:    PriorityRecommended,
		},
		{
			id: "outline_image", label: "Set outline image",
			description: "Pick a reference image for visual continuity",
			priority:    PriorityOptional,
			signal:      func(p *project.Project) bool { return p.Modules["outline_image"] != "" },
		},
	},
	PhaseSynthesis: {
		{
			id: "generate_assets", label: "Generate scene assets",
			description:    "Run batch generation for every scene",
			priority:       PriorityCritical,
			autoExecutable: true,
			signal: func(p *project.Project) bool {
				return len(p.Scenes) > 0 && p.CompleteCount() == len(p.Scenes)
			},
		},
		{
			id: "resolve_failures", label: "Resolve failed scenes",
			description: "Retry scenes that failed generation",
			priority:    PriorityRecommended,
			signal:      func(p *project.Project) bool { return p.ErrorCount() == 0 },
		},
		{
			id: "audio_review", label: "Review audio",
			description: "Listen to the generated narration",
			priority:    PriorityOptional,
		},
	},
	PhasePost: {
		{
			id: "mastering_settings", label: "Configure mastering",
			description: "Choose transitions and music",
			priority:    PriorityRecommended,
			signal: func(p *project.Project) bool {
				return p.Mastering.Transition != "" || p.Mastering.MusicURL != ""
			},
		},
		{
			id: "continuity_audit", label: "Run continuity audit",
			description:    "Check the finished scenes for continuity breaks",
			priority:       PriorityOptional,
			autoExecutable: true,
		},
	},
}

// BuildChecklist enumerates the phase's steps with derived status. Critical
// and recommended steps form the required list; optional steps are listed
// separately. Completion counts completed steps across both lists.
func BuildChecklist(phase Phase, p *project.Project) Checklist {
	cl := Checklist{Phase: phase}

	completed := 0
	total := 0
	for _, def := range stepLibrary[phase] {
		step := Step{
			ID:             def.id,
			Label:          def.label,
			Description:    def.description,
			Priority:       def.priority,
			AutoExecutable: def.autoExecutable,
			Status:         deriveStatus(def, phase, p),
		}

		total++
		if step.Status == StepCompleted {
			completed++
		}

		if def.priority == PriorityOptional {
			cl.OptionalSteps = append(cl.OptionalSteps, step)
		} else {
			cl.RequiredSteps = append(cl.RequiredSteps, step)
		}
	}

	if total > 0 {
		cl.Completion = int(math.Round(float64(completed) / float64(total) * 100))
	}
	return cl
}

func deriveStatus(def stepDef, phase Phase, p *project.Project) StepStatus {
	if overrides, ok := p.Workflow[string(phase)]; ok {
		switch overrides[def.id] {
		case project.StepCompleted:
			return StepCompleted
		case project.StepSkipped:
			return StepSkipped
		}
	}
	if def.signal != nil && def.signal(p) {
		return StepCompleted
	}
	return StepPending
}

// MarkStepCompleted records a user override completing a step and returns
// the new snapshot.
func MarkStepCompleted(p project.Project, phase Phase, stepID string) (project.Project, error) {
	return markStep(p, phase, stepID, project.StepCompleted)
}

// MarkStepSkipped records a user override skipping a step and returns the
// new snapshot.
func MarkStepSkipped(p project.Project, phase Phase, stepID string) (project.Project, error) {
	return markStep(p, phase, stepID, project.StepSkipped)
}

func markStep(p project.Project, phase Phase, stepID string, state project.StepState) (project.Project, error) {
	if !stepExists(phase, stepID) {
		return p, fmt.Errorf("unknown step %q in phase %q", stepID, phase)
	}

	next := p.Clone()
	if next.Workflow[string(phase)] == nil {
		next.Workflow[string(phase)] = map[string]project.StepState{}
	}
	next.Workflow[string(phase)][stepID] = state
	return next, nil
}

func stepExists(phase Phase, stepID string) bool {
	for _, def := range stepLibrary[phase] {
		if def.id == stepID {
			return true
		}
	}
	return false
}

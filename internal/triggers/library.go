package triggers

import (
	"time"

	"github.com/storyloom/storyloom-agent/internal/project"
)

// Well-known action ids dispatched by the API layer.
const (
	ActionAnalyzeScript  = "analyze_script"
	ActionDetectCast     = "detect_cast"
	ActionAssignVoices   = "assign_voices"
	ActionStartBatch     = "start_batch"
	ActionRetryFailed    = "retry_failed"
	ActionContinuityScan = "run_continuity_audit"
)

// DefaultLibrary returns the fixed rule library, in evaluation order.
func DefaultLibrary() []Trigger {
	return []Trigger{
		{
			ID:       "missing_voices",
			Priority: 9,
			Cooldown: 30 * time.Second,
			Condition: func(current, previous *project.Project) bool {
				if len(current.Scenes) == 0 || len(current.Characters) == 0 {
					return false
				}
				for _, c := range current.Characters {
					if c.VoiceID == "" {
						return true
					}
				}
				return false
			},
			Intervention: Intervention{
				ID:      "iv_missing_voices",
				Title:   "Characters are missing voices",
				Message: "Audio generation will skip lines for unvoiced characters. Assign a voice to every character before generating.",
				Type:    TypeWarning,
				Actions: []Action{
					{ID: ActionAssignVoices, Label: "Assign voices"},
				},
				Dismissible: false,
				Priority:    9,
			},
		},
		{
			ID:       "failure_cluster",
			Priority: 8,
			Cooldown: 2 * time.Minute,
			Condition: func(current, previous *project.Project) bool {
				return current.ErrorCount() >= 3
			},
			Intervention: Intervention{
				ID:      "iv_failure_cluster",
				Title:   "Several scenes failed to generate",
				Message: "Three or more scenes are in an error state. This usually means the generation service is rate limiting; waiting a bit before retrying tends to help.",
				Type:    TypeWarning,
				Actions: []Action{
					{ID: ActionRetryFailed, Label: "Retry failed scenes", OneClick: true},
				},
				Dismissible: true,
				Priority:    8,
			},
		},
		{
			ID:       "all_scenes_complete",
			Priority: 7,
			Cooldown: 10 * time.Minute,
			Condition: func(current, previous *project.Project) bool {
				if len(current.Scenes) == 0 || current.CompleteCount() != len(current.Scenes) {
					return false
				}
				return previous == nil || previous.CompleteCount() != len(previous.Scenes) || len(previous.Scenes) == 0
			},
			Intervention: Intervention{
				ID:      "iv_all_complete",
				Title:   "Every scene is generated",
				Message: "All scenes have finished generating. Time to review the results and move on to mastering.",
				Type:    TypeCelebration,
				Actions: []Action{
					{ID: ActionContinuityScan, Label: "Run continuity audit", OneClick: true},
				},
				Dismissible: true,
				Priority:    7,
			},
		},
		{
			ID:       "batch_ready",
			Priority: 6,
			Cooldown: 10 * time.Minute,
			Condition: func(current, previous *project.Project) bool {
				if len(current.Scenes) < 3 || current.CompleteCount() > 0 {
					return false
				}
				for _, s := range current.Scenes {
					if s.ImagePrompt == "" {
						return false
					}
				}
				return true
			},
			Intervention: Intervention{
				ID:      "iv_batch_ready",
				Title:   "Ready for batch generation",
				Message: "Every scene has a prompt. Start a batch run to generate them all in sequence.",
				Type:    TypeOpportunity,
				Actions: []Action{
					{ID: ActionStartBatch, Label: "Start batch run", OneClick: true},
				},
				Dismissible: true,
				Priority:    6,
			},
		},
		{
			ID:       "retry_failed",
			Priority: 5,
			Cooldown: 5 * time.Minute,
			Condition: func(current, previous *project.Project) bool {
				return current.ErrorCount() > 0 && current.ErrorCount() < 3
			},
			Intervention: Intervention{
				ID:      "iv_retry_failed",
				Title:   "A scene needs another attempt",
				Message: "One or more scenes ended in an error. Retrying individual scenes usually succeeds once the service recovers.",
				Type:    TypeSuggestion,
				Actions: []Action{
					{ID: ActionRetryFailed, Label: "Retry failed scenes", OneClick: true},
				},
				Dismissible: true,
				Priority:    5,
			},
		},
		{
			ID:       "cast_missing",
			Priority: 4,
			Cooldown: 5 * time.Minute,
			Condition: func(current, previous *project.Project) bool {
				return current.Script != "" && len(current.Scenes) > 0 && len(current.Characters) == 0
			},
			Intervention: Intervention{
				ID:      "iv_cast_missing",
				Title:   "No cast defined yet",
				Message: "Scenes exist but the project has no characters. Detecting the cast improves image and audio consistency.",
				Type:    TypeSuggestion,
				Actions: []Action{
					{ID: ActionDetectCast, Label: "Detect cast", OneClick: true},
				},
				Dismissible: true,
				Priority:    4,
			},
		},
		{
			ID:       "script_analyzed",
			Priority: 3,
			Cooldown: time.Minute,
			Condition: func(current, previous *project.Project) bool {
				return len(current.Scenes) > 0 && previous != nil && len(previous.Scenes) == 0
			},
			Intervention: Intervention{
				ID:          "iv_script_analyzed",
				Title:       "Script analyzed",
				Message:     "Your script has been broken into scenes. Review the breakdown before generating.",
				Type:        TypeCelebration,
				Dismissible: true,
				Priority:    3,
			},
		},
		{
			ID:       "long_script",
			Priority: 3,
			Cooldown: 10 * time.Minute,
			Condition: func(current, previous *project.Project) bool {
				return len(current.Script) > 6000 && len(current.Scenes) == 0
			},
			Intervention: Intervention{
				ID:      "iv_long_script",
				Title:   "That's a long script",
				Message: "Long scripts produce many scenes. Analyze it now to see the scene count before committing to generation.",
				Type:    TypeOpportunity,
				Actions: []Action{
					{ID: ActionAnalyzeScript, Label: "Analyze script", OneClick: true},
				},
				Dismissible: true,
				Priority:    3,
			},
		},
		{
			ID:       "first_scene_complete",
			Priority: 2,
			Cooldown: 10 * time.Minute,
			Condition: func(current, previous *project.Project) bool {
				return current.CompleteCount() == 1 && previous != nil && previous.CompleteCount() == 0
			},
			Intervention: Intervention{
				ID:          "iv_first_complete",
				Title:       "First scene generated",
				Message:     "Your first scene is complete. The rest of the batch will follow the same look.",
				Type:        TypeCelebration,
				Dismissible: true,
				Priority:    2,
			},
		},
	}
}

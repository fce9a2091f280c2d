package triggers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/storyloom/storyloom-agent/internal/project"
)

// ExpertPriorityFloor is the minimum priority evaluated in expert mode.
// Rules at or above it flag conditions that should never be silently
// skippable, and their interventions are non-dismissible.
const ExpertPriorityFloor = 9

// Condition decides whether a trigger fires for a (current, previous)
// snapshot pair. previous may be nil on the first evaluation.
type Condition func(current, previous *project.Project) bool

type Trigger struct {
	ID           string
	Priority     int
	Cooldown     time.Duration
	Condition    Condition
	Intervention Intervention
}

// Engine owns its cooldown map and active intervention list. Cooldown state
// is process-lifetime only: it throttles notification frequency within a
// session, not whether a condition is still true, so it resets on reload.
type Engine struct {
	mu        sync.Mutex
	library   []Trigger
	lastFired map[string]time.Time
	active    []Intervention
	logger    *slog.Logger

	nowFn func() time.Time
}

func NewEngine(library []Trigger, logger *slog.Logger) *Engine {
	return &Engine{
		library:   library,
		lastFired: map[string]time.Time{},
		logger:    logger,
		nowFn:     time.Now,
	}
}

// Evaluate runs the library in order against a state delta. Guided mode
// evaluates everything; expert mode only rules at or above the priority
// floor. Fired interventions are prepended to the active list, de-duplicated
// by id, and the whole list is returned sorted by descending priority.
func (e *Engine) Evaluate(current, previous *project.Project, guided bool) []Intervention {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFn()

	var fired []Intervention
	for _, t := range e.library {
		if !guided && t.Priority < ExpertPriorityFloor {
			continue
		}

		if t.Cooldown > 0 {
			if last, ok := e.lastFired[t.ID]; ok && now.Sub(last) < t.Cooldown {
				continue
			}
		}

		if t.Intervention.Dismissible && current.IsDismissed(t.Intervention.ID) {
			continue
		}

		if !t.Condition(current, previous) {
			continue
		}

		e.lastFired[t.ID] = now
		fired = append(fired, t.Intervention)

		if e.logger != nil {
			e.logger.Info("trigger fired",
				"trigger_id", t.ID,
				"intervention_id", t.Intervention.ID,
				"priority", t.Priority,
			)
		}
	}

	// Newest first, then drop anything already active.
	merged := make([]Intervention, 0, len(fired)+len(e.active))
	seen := map[string]bool{}
	for _, iv := range fired {
		if !seen[iv.ID] {
			seen[iv.ID] = true
			merged = append(merged, iv)
		}
	}
	for _, iv := range e.active {
		if !seen[iv.ID] {
			seen[iv.ID] = true
			merged = append(merged, iv)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority > merged[j].Priority
	})

	e.active = merged
	return append([]Intervention(nil), e.active...)
}

// Active returns the current active list, highest priority first.
func (e *Engine) Active() []Intervention {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Intervention(nil), e.active...)
}

// Remove drops an intervention from the active list, e.g. after the user
// dismisses it or executes one of its actions. The permanent dismissal
// record lives on the project, not here.
func (e *Engine) Remove(interventionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.active[:0]
	for _, iv := range e.active {
		if iv.ID != interventionID {
			kept = append(kept, iv)
		}
	}
	e.active = kept
}

// Find returns the active intervention with the given id, or nil.
func (e *Engine) Find(interventionID string) *Intervention {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.active {
		if e.active[i].ID == interventionID {
			iv := e.active[i]
			return &iv
		}
	}
	return nil
}

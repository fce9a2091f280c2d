// Package session owns the live project snapshot and coordinates every
// mutation: persistence write-through, version bumps, trigger evaluation and
// subscriber notification all happen on one code path.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-agent/internal/project"
	"github.com/storyloom/storyloom-agent/internal/triggers"
	"github.com/storyloom/storyloom-agent/internal/workflow"
)

var nowFn = time.Now

// QueueStore is the slice of the batch store the session needs: switching or
// restarting a project invalidates any persisted run.
type QueueStore interface {
	ClearQueue(ctx context.Context) error
}

// Listener receives a snapshot after every applied mutation. Called outside
// the manager's lock; the snapshot is the listener's to keep.
type Listener func(p project.Project)

// Manager holds the single authoritative snapshot behind a mutex. Components
// never keep references into it; they read clones and submit mutations.
type Manager struct {
	mu      sync.Mutex
	current project.Project
	guided  bool

	store  *project.Store
	queue  QueueStore
	engine *triggers.Engine
	logger *slog.Logger

	listeners []Listener
}

func NewManager(initial project.Project, store *project.Store, queue QueueStore, engine *triggers.Engine, logger *slog.Logger) *Manager {
	if initial.Phase == "" {
		initial.Phase = string(workflow.Classify(&initial))
	}
	return &Manager{
		current: initial,
		guided:  true,
		store:   store,
		queue:   queue,
		engine:  engine,
		logger:  logger,
	}
}

// Subscribe registers a listener for applied snapshots.
func (m *Manager) Subscribe(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Current returns a clone of the live snapshot.
func (m *Manager) Current() project.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// Apply runs a mutation against a clone of the live snapshot, bumps the
// version, persists write-through, re-evaluates triggers on the (old, new)
// pair and notifies subscribers. Returns the new snapshot.
func (m *Manager) Apply(mutate func(p *project.Project)) project.Project {
	m.mu.Lock()

	old := m.current
	next := old.Clone()
	mutate(&next)
	next.Version++
	next.UpdatedAt = nowFn()

	m.current = next
	guided := m.guided
	snapshot := next.Clone()

	m.mu.Unlock()

	// Persistence never fails the mutation; the store degrades internally.
	m.store.SaveProject(context.Background(), snapshot)
	m.engine.Evaluate(&snapshot, &old, guided)
	m.notify(snapshot)

	return snapshot
}

func (m *Manager) notify(p project.Project) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(p.Clone())
	}
}

// Guided reports whether guided mode is on. Expert mode (guided off) only
// evaluates high-priority triggers and may force past warning-level gates.
func (m *Manager) Guided() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guided
}

func (m *Manager) SetGuided(guided bool) {
	m.mu.Lock()
	m.guided = guided
	m.mu.Unlock()
	m.logger.Info("assistance mode changed", "guided", guided)
}

// ActivePhase returns the user's active phase, falling back to the derived
// phase when the stored value is unknown.
func (m *Manager) ActivePhase() workflow.Phase {
	p := m.Current()
	ph := workflow.Phase(p.Phase)
	if ph.Index() < 0 {
		ph = workflow.Classify(&p)
	}
	return ph
}

// Checklist builds the checklist for the active phase.
func (m *Manager) Checklist() workflow.Checklist {
	p := m.Current()
	return workflow.BuildChecklist(m.ActivePhase(), &p)
}

// Gates evaluates the active phase's exit gates.
func (m *Manager) Gates() []workflow.Gate {
	p := m.Current()
	return workflow.EvaluateGates(m.ActivePhase(), &p)
}

// TransitionPhase moves the active phase. Backward moves always succeed.
// Forward moves are blocked by unmet critical gates; force bypasses them in
// expert mode only, recording the bypass in the project log.
func (m *Manager) TransitionPhase(target workflow.Phase, force bool) (workflow.TransitionDecision, error) {
	if target.Index() < 0 {
		return workflow.TransitionDecision{}, fmt.Errorf("unknown phase %q", target)
	}

	p := m.Current()
	active := m.ActivePhase()
	decision := workflow.CanTransition(active, target, &p)

	if !decision.Allowed {
		if !force || m.Guided() {
			return decision, nil
		}
		m.Apply(func(p *project.Project) {
			p.Phase = string(target)
			p.AppendLog("warn", fmt.Sprintf("forced transition %s -> %s past %d open gate(s)", active, target, len(decision.Blockers)))
		})
		decision.Allowed = true
		return decision, nil
	}

	m.Apply(func(p *project.Project) {
		p.Phase = string(target)
	})
	m.logger.Info("phase transition", "from", string(active), "to", string(target))
	return decision, nil
}

// CompleteStep records a user-driven completion override for a step in the
// given phase.
func (m *Manager) CompleteStep(phase workflow.Phase, stepID string) (project.Project, error) {
	return m.markStep(phase, stepID, workflow.MarkStepCompleted)
}

// SkipStep records a user-driven skip override for a step in the given phase.
func (m *Manager) SkipStep(phase workflow.Phase, stepID string) (project.Project, error) {
	return m.markStep(phase, stepID, workflow.MarkStepSkipped)
}

func (m *Manager) markStep(phase workflow.Phase, stepID string, mark func(project.Project, workflow.Phase, string) (project.Project, error)) (project.Project, error) {
	var markErr error
	next := m.Apply(func(p *project.Project) {
		updated, err := mark(*p, phase, stepID)
		if err != nil {
			markErr = err
			return
		}
		*p = updated
	})
	if markErr != nil {
		return project.Project{}, markErr
	}
	return next, nil
}

// Dismiss permanently dismisses an intervention for this project and drops
// it from the active list. Non-dismissible interventions are refused.
func (m *Manager) Dismiss(interventionID string) error {
	if iv := m.engine.Find(interventionID); iv != nil && !iv.Dismissible {
		return fmt.Errorf("intervention %s is not dismissible", interventionID)
	}
	m.Apply(func(p *project.Project) {
		p.Dismiss(interventionID)
	})
	m.engine.Remove(interventionID)
	return nil
}

// Interventions returns the active list, highest priority first.
func (m *Manager) Interventions() []triggers.Intervention {
	return m.engine.Active()
}

// FindIntervention returns the active intervention with the given id, or nil.
func (m *Manager) FindIntervention(interventionID string) *triggers.Intervention {
	return m.engine.Find(interventionID)
}

// RemoveIntervention drops an intervention from the active list without
// recording a dismissal, e.g. after one of its actions executed.
func (m *Manager) RemoveIntervention(interventionID string) {
	m.engine.Remove(interventionID)
}

// AnalyzeScript derives scenes from the current script: one scene per
// non-empty paragraph, existing scenes untouched. Returns the number of
// scenes added.
func (m *Manager) AnalyzeScript() int {
	added := 0
	m.Apply(func(p *project.Project) {
		if p.Script == "" {
			return
		}
		for _, para := range splitParagraphs(p.Script) {
			id := p.AddScene(project.Scene{
				Description: para,
				ImagePrompt: para,
			})
			p.Scenes[len(p.Scenes)-1].Title = fmt.Sprintf("Scene %d", id)
			added++
		}
		if added > 0 {
			p.AppendLog("info", fmt.Sprintf("script analyzed, %d scene(s) added", added))
		}
	})
	return added
}

var speakerPattern = regexp.MustCompile(`(?m)^([A-Z][A-Za-z .'-]{0,40}?):`)

// DetectCast scans the script's dialogue markers (NAME: line) and adds a
// character per distinct speaker. Returns the number of characters added.
func (m *Manager) DetectCast() int {
	added := 0
	m.Apply(func(p *project.Project) {
		known := map[string]bool{}
		for _, c := range p.Characters {
			known[strings.ToLower(c.Name)] = true
		}
		for _, match := range speakerPattern.FindAllStringSubmatch(p.Script, -1) {
			name := strings.TrimSpace(match[1])
			if name == "" || known[strings.ToLower(name)] {
				continue
			}
			known[strings.ToLower(name)] = true
			p.Characters = append(p.Characters, project.Character{
				ID:   uuid.NewString(),
				Name: name,
			})
			added++
		}
		if added > 0 {
			p.AppendLog("info", fmt.Sprintf("cast detected, %d character(s) added", added))
		}
	})
	return added
}

func splitParagraphs(script string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(script, "\r\n", "\n"), "\n\n") {
		if trimmed := strings.TrimSpace(block); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ListArchive returns metadata for archived projects, most recent last.
func (m *Manager) ListArchive(ctx context.Context) ([]project.ArchiveEntry, error) {
	return m.store.LoadArchive(ctx)
}

// FreshStart archives the current project and replaces it with a new empty
// one. Any persisted batch queue belongs to the old project and is cleared.
func (m *Manager) FreshStart(ctx context.Context, title string) (project.Project, error) {
	m.mu.Lock()
	old := m.current.Clone()
	m.mu.Unlock()

	if err := m.archiveProject(ctx, old); err != nil {
		return project.Project{}, err
	}

	next := project.New(title)
	m.replaceCurrent(ctx, next)
	m.logger.Info("fresh project started", "project_id", next.ID, "archived", old.ID)
	return next.Clone(), nil
}

// SwitchProject archives the current project and activates an archived one.
func (m *Manager) SwitchProject(ctx context.Context, projectID string) (project.Project, error) {
	data, err := m.store.GetBlob(ctx, archiveBlobKey(projectID))
	if err != nil {
		return project.Project{}, err
	}
	if data == nil {
		return project.Project{}, fmt.Errorf("no archived project %s", projectID)
	}

	var next project.Project
	if err := json.Unmarshal(data, &next); err != nil {
		return project.Project{}, fmt.Errorf("corrupt archived project %s: %w", projectID, err)
	}

	m.mu.Lock()
	old := m.current.Clone()
	m.mu.Unlock()

	if err := m.archiveProject(ctx, old); err != nil {
		return project.Project{}, err
	}

	m.replaceCurrent(ctx, next)
	m.logger.Info("switched project", "project_id", next.ID, "archived", old.ID)
	return next.Clone(), nil
}

func (m *Manager) replaceCurrent(ctx context.Context, next project.Project) {
	m.mu.Lock()
	m.current = next
	snapshot := next.Clone()
	m.mu.Unlock()

	m.store.SaveProject(ctx, snapshot)
	if err := m.queue.ClearQueue(ctx); err != nil {
		m.logger.Warn("failed to clear batch queue on project switch", "error", err)
	}
	m.notify(snapshot)
}

func (m *Manager) archiveProject(ctx context.Context, p project.Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project for archive: %w", err)
	}
	if err := m.store.PutBlob(ctx, archiveBlobKey(p.ID), data); err != nil {
		return fmt.Errorf("archive project %s: %w", p.ID, err)
	}

	entries, err := m.store.LoadArchive(ctx)
	if err != nil {
		return err
	}
	entry := project.ArchiveEntry{
		ID:         p.ID,
		Title:      p.Title,
		SceneCount: len(p.Scenes),
		UpdatedAt:  p.UpdatedAt,
	}
	replaced := false
	for i := range entries {
		if entries[i].ID == p.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return m.store.SaveArchive(ctx, entries)
}

func archiveBlobKey(projectID string) string {
	return "project:" + projectID
}

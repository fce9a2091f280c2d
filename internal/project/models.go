// Package project defines the canonical, versioned record of a production
// project and its persistence contract. All other components read snapshots
// of a Project and produce new snapshots; the package owns no orchestration
// logic itself.
package project

import (
	"time"

	"github.com/google/uuid"
)

// AssetStatus is the per-scene generation state. Transitions follow a single
// forward path per attempt: pending -> generating_image -> generating_video
// -> (complete | error). A retry re-enters at generating_image (or a later
// stage for targeted retries) regardless of prior status.
type AssetStatus string

const (
	AssetPending         AssetStatus = "pending"
	AssetGeneratingImage AssetStatus = "generating_image"
	AssetGeneratingVideo AssetStatus = "generating_video"
	AssetGeneratingAudio AssetStatus = "generating_audio"
	AssetComplete        AssetStatus = "complete"
	AssetError           AssetStatus = "error"
)

const (
	// MaxAssetHistory caps the retained prior successful variants per asset,
	// most recent first.
	MaxAssetHistory = 5

	// MaxLogEntries caps the project log ring buffer, most recent first.
	MaxLogEntries = 100
)

type Scene struct {
	ID          int     `json:"id"`
	Order       int     `json:"order"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description"`
	ImagePrompt string  `json:"image_prompt,omitempty"`
	VideoPrompt string  `json:"video_prompt,omitempty"`
	Lines       string  `json:"lines,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
}

type Character struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	VoiceID     string `json:"voice_id,omitempty"`
}

// AssetVariant is a prior successful generation result kept for rollback.
type AssetVariant struct {
	ImageURL    string    `json:"image_url,omitempty"`
	VideoURL    string    `json:"video_url,omitempty"`
	AudioURL    string    `json:"audio_url,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Asset struct {
	Status    AssetStatus    `json:"status"`
	ImageURL  string         `json:"image_url,omitempty"`
	VideoURL  string         `json:"video_url,omitempty"`
	AudioURL  string         `json:"audio_url,omitempty"`
	Error     string         `json:"error,omitempty"`
	History   []AssetVariant `json:"history,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StepState is a user-driven override recorded against a workflow step.
type StepState string

const (
	StepCompleted StepState = "completed"
	StepSkipped   StepState = "skipped"
)

type LogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// DismissalRecord marks an intervention id as permanently dismissed for
// this project. It survives reload.
type DismissalRecord struct {
	InterventionID string    `json:"intervention_id"`
	DismissedAt    time.Time `json:"dismissed_at"`
}

type MasteringSettings struct {
	Transition string  `json:"transition,omitempty"`
	MusicURL   string  `json:"music_url,omitempty"`
	Volume     float64 `json:"volume,omitempty"`
}

type Project struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Script      string      `json:"script"`
	Style       string      `json:"style,omitempty"`
	Scenes      []Scene     `json:"scenes"`
	Characters  []Character `json:"characters"`
	Assets      map[int]*Asset `json:"assets"`
	NextSceneID int            `json:"next_scene_id"`

	// Phase is the user's active production phase. Moving backward is always
	// allowed; moving forward is validated against the phase's gates.
	Phase string `json:"phase"`

	// Workflow holds user-driven completed/skipped overrides keyed by
	// phase then step id. Derived step status never lives here.
	Workflow map[string]map[string]StepState `json:"workflow,omitempty"`

	Dismissals []DismissalRecord `json:"dismissals,omitempty"`
	Logs       []LogEntry        `json:"logs,omitempty"`
	Modules    map[string]string `json:"modules,omitempty"`
	Mastering  MasteringSettings `json:"mastering,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty project with a fresh id.
func New(title string) Project {
	now := time.Now()
	return Project{
		ID:          uuid.NewString(),
		Title:       title,
		Assets:      map[int]*Asset{},
		NextSceneID: 1,
		Phase:       "genesis",
		Workflow:    map[string]map[string]StepState{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy. Consumers always receive and hand back whole
// snapshots; nothing shares mutable state with the stored copy.
func (p Project) Clone() Project {
	c := p

	c.Scenes = append([]Scene(nil), p.Scenes...)
	c.Characters = append([]Character(nil), p.Characters...)
	c.Dismissals = append([]DismissalRecord(nil), p.Dismissals...)
	c.Logs = append([]LogEntry(nil), p.Logs...)

	c.Assets = make(map[int]*Asset, len(p.Assets))
	for id, a := range p.Assets {
		if a == nil {
			continue
		}
		cp := *a
		cp.History = append([]AssetVariant(nil), a.History...)
		c.Assets[id] = &cp
	}

	c.Workflow = make(map[string]map[string]StepState, len(p.Workflow))
	for phase, steps := range p.Workflow {
		m := make(map[string]StepState, len(steps))
		for id, st := range steps {
			m[id] = st
		}
		c.Workflow[phase] = m
	}

	c.Modules = make(map[string]string, len(p.Modules))
	for k, v := range p.Modules {
		c.Modules[k] = v
	}

	return c
}

// AddScene appends a scene with a fresh, never-reused numeric id and
// initializes its asset entry to pending.
func (p *Project) AddScene(s Scene) int {
	s.ID = p.NextSceneID
	p.NextSceneID++
	s.Order = len(p.Scenes) + 1
	p.Scenes = append(p.Scenes, s)
	p.Assets[s.ID] = &Asset{Status: AssetPending, UpdatedAt: time.Now()}
	return s.ID
}

// DuplicateScene copies an existing scene under a fresh id, placing it
// directly after the original. Returns 0 if the scene does not exist.
func (p *Project) DuplicateScene(sceneID int) int {
	idx := p.sceneIndex(sceneID)
	if idx < 0 {
		return 0
	}

	dup := p.Scenes[idx]
	dup.ID = p.NextSceneID
	p.NextSceneID++

	p.Scenes = append(p.Scenes, Scene{})
	copy(p.Scenes[idx+2:], p.Scenes[idx+1:])
	p.Scenes[idx+1] = dup
	p.renumber()

	p.Assets[dup.ID] = &Asset{Status: AssetPending, UpdatedAt: time.Now()}
	return dup.ID
}

// DeleteScene removes a scene and its asset entry. The id is never reused.
func (p *Project) DeleteScene(sceneID int) bool {
	idx := p.sceneIndex(sceneID)
	if idx < 0 {
		return false
	}
	p.Scenes = append(p.Scenes[:idx], p.Scenes[idx+1:]...)
	delete(p.Assets, sceneID)
	p.renumber()
	return true
}

func (p *Project) sceneIndex(sceneID int) int {
	for i, s := range p.Scenes {
		if s.ID == sceneID {
			return i
		}
	}
	return -1
}

func (p *Project) renumber() {
	for i := range p.Scenes {
		p.Scenes[i].Order = i + 1
	}
}

// Scene returns the scene with the given id, or nil.
func (p *Project) Scene(sceneID int) *Scene {
	idx := p.sceneIndex(sceneID)
	if idx < 0 {
		return nil
	}
	return &p.Scenes[idx]
}

// Asset returns the asset entry for a scene id, creating a pending entry if
// the invariant (one asset per scene) was somehow violated.
func (p *Project) Asset(sceneID int) *Asset {
	if a, ok := p.Assets[sceneID]; ok && a != nil {
		return a
	}
	a := &Asset{Status: AssetPending, UpdatedAt: time.Now()}
	p.Assets[sceneID] = a
	return a
}

// SetAssetStatus records a status transition for a scene's asset.
func (p *Project) SetAssetStatus(sceneID int, status AssetStatus, errMsg string) {
	a := p.Asset(sceneID)
	a.Status = status
	a.Error = errMsg
	a.UpdatedAt = time.Now()
}

// CompleteAsset records a successful generation result, archiving the prior
// successful variant into the capped history.
func (p *Project) CompleteAsset(sceneID int, imageURL, videoURL, audioURL string) {
	a := p.Asset(sceneID)
	if a.VideoURL != "" || a.ImageURL != "" {
		variant := AssetVariant{
			ImageURL:    a.ImageURL,
			VideoURL:    a.VideoURL,
			AudioURL:    a.AudioURL,
			GeneratedAt: a.UpdatedAt,
		}
		a.History = append([]AssetVariant{variant}, a.History...)
		if len(a.History) > MaxAssetHistory {
			a.History = a.History[:MaxAssetHistory]
		}
	}
	a.ImageURL = imageURL
	a.VideoURL = videoURL
	a.AudioURL = audioURL
	a.Status = AssetComplete
	a.Error = ""
	a.UpdatedAt = time.Now()
}

// AppendLog prepends a log entry to the bounded ring buffer.
func (p *Project) AppendLog(level, message string) {
	entry := LogEntry{At: time.Now(), Level: level, Message: message}
	p.Logs = append([]LogEntry{entry}, p.Logs...)
	if len(p.Logs) > MaxLogEntries {
		p.Logs = p.Logs[:MaxLogEntries]
	}
}

// IsDismissed reports whether an intervention id is in the persisted
// dismissal history.
func (p *Project) IsDismissed(interventionID string) bool {
	for _, d := range p.Dismissals {
		if d.InterventionID == interventionID {
			return true
		}
	}
	return false
}

// Dismiss records a permanent dismissal. Duplicate dismissals are no-ops.
func (p *Project) Dismiss(interventionID string) {
	if p.IsDismissed(interventionID) {
		return
	}
	p.Dismissals = append(p.Dismissals, DismissalRecord{
		InterventionID: interventionID,
		DismissedAt:    time.Now(),
	})
}

// SceneIDs returns scene ids in their current order.
func (p *Project) SceneIDs() []int {
	ids := make([]int, len(p.Scenes))
	for i, s := range p.Scenes {
		ids[i] = s.ID
	}
	return ids
}

// CompleteCount returns the number of assets in complete status.
func (p *Project) CompleteCount() int {
	n := 0
	for _, s := range p.Scenes {
		if a, ok := p.Assets[s.ID]; ok && a != nil && a.Status == AssetComplete {
			n++
		}
	}
	return n
}

// ErrorCount returns the number of assets in error status.
func (p *Project) ErrorCount() int {
	n := 0
	for _, s := range p.Scenes {
		if a, ok := p.Assets[s.ID]; ok && a != nil && a.Status == AssetError {
			n++
		}
	}
	return n
}

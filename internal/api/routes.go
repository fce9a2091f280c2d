package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storyloom/storyloom-agent/internal/batch"
	"github.com/storyloom/storyloom-agent/internal/config"
	"github.com/storyloom/storyloom-agent/internal/project"
	"github.com/storyloom/storyloom-agent/internal/triggers"
	"github.com/storyloom/storyloom-agent/internal/workflow"
)

// batchControl remembers the outcome of the last finished run for the
// status endpoint. Runs execute on their own goroutine; the runner itself
// rejects overlap.
type batchControl struct {
	mu   sync.Mutex
	last *batch.Result
}

func (b *batchControl) setLast(r batch.Result) {
	b.mu.Lock()
	b.last = &r
	b.mu.Unlock()
}

func (b *batchControl) lastResult() *batch.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return nil
	}
	cp := *b.last
	return &cp
}

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()
	ctrl := &batchControl{}

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Store, cfg.Logger))

		r.Get("/status", statusHandler(cfg, ctrl))

		r.Get("/project", getProjectHandler(cfg))
		r.Put("/project/script", putScriptHandler(cfg))
		r.Post("/project/script/analyze", analyzeScriptHandler(cfg))
		r.Post("/project/characters/detect", detectCastHandler(cfg))
		r.Put("/project/characters/{id}/voice", assignVoiceHandler(cfg))
		r.Post("/project/scenes/{id}/duplicate", duplicateSceneHandler(cfg))
		r.Delete("/project/scenes/{id}", deleteSceneHandler(cfg))
		r.Post("/project/fresh", freshStartHandler(cfg))

		r.Get("/archive", listArchiveHandler(cfg))
		r.Post("/archive/{id}/activate", activateArchiveHandler(cfg))

		r.Get("/workflow/phase", getPhaseHandler(cfg))
		r.Get("/workflow/checklist", checklistHandler(cfg))
		r.Post("/workflow/transition", transitionHandler(cfg))
		r.Post("/workflow/steps/{id}/complete", stepHandler(cfg, true))
		r.Post("/workflow/steps/{id}/skip", stepHandler(cfg, false))

		r.Get("/batch", batchStatusHandler(cfg, ctrl))
		r.Post("/batch", batchStartHandler(cfg, ctrl))
		r.Post("/batch/cancel", batchCancelHandler(cfg))
		r.Post("/batch/resume", batchResumeHandler(cfg, ctrl))
		r.Get("/batch/ws", cfg.Hub.ServeWS)

		r.Get("/interventions", interventionsHandler(cfg))
		r.Post("/interventions/{id}/dismiss", dismissHandler(cfg))
		r.Post("/interventions/{id}/actions/{actionID}", actionHandler(cfg, ctrl))

		r.Put("/mode", modeHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  config.Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig, ctrl *batchControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := cfg.Session.Current()

		state := "idle"
		if cfg.Runner.IsRunning() {
			state = "generating"
		} else if p.ErrorCount() > 0 {
			state = "error"
		}

		offer, _ := cfg.Runner.ResumeOffer(r.Context())

		WriteJSON(w, http.StatusOK, StatusResponse{
			State:           state,
			Phase:           string(cfg.Session.ActivePhase()),
			Guided:          cfg.Session.Guided(),
			ProjectID:       p.ID,
			SceneCount:      len(p.Scenes),
			CompleteCount:   p.CompleteCount(),
			ErrorCount:      p.ErrorCount(),
			BatchRunning:    cfg.Runner.IsRunning(),
			ResumeAvailable: offer != nil,
			StoreDegraded:   cfg.Store.Degraded(),
		})
	}
}

func getProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := cfg.Session.Current()
		WriteJSON(w, http.StatusOK, p)
	}
}

func putScriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScriptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		next := cfg.Session.Apply(func(p *project.Project) {
			p.Script = req.Script
		})
		WriteJSON(w, http.StatusOK, next)
	}
}

func analyzeScriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Session.Current().Script == "" {
			WriteError(w, http.StatusBadRequest, "project has no script", "BAD_REQUEST")
			return
		}
		added := cfg.Session.AnalyzeScript()
		WriteJSON(w, http.StatusOK, map[string]int{"scenes_added": added})
	}
}

func detectCastHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		added := cfg.Session.DetectCast()
		WriteJSON(w, http.StatusOK, map[string]int{"characters_added": added})
	}
}

func assignVoiceHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req VoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.VoiceID == "" {
			WriteError(w, http.StatusBadRequest, "voice_id is required", "BAD_REQUEST")
			return
		}

		found := false
		cfg.Session.Apply(func(p *project.Project) {
			for i := range p.Characters {
				if p.Characters[i].ID == id {
					p.Characters[i].VoiceID = req.VoiceID
					found = true
					return
				}
			}
		})
		if !found {
			WriteError(w, http.StatusNotFound, "character not found", "NOT_FOUND")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func duplicateSceneHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sceneID, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid scene id", "BAD_REQUEST")
			return
		}

		newID := 0
		cfg.Session.Apply(func(p *project.Project) {
			newID = p.DuplicateScene(sceneID)
		})
		if newID == 0 {
			WriteError(w, http.StatusNotFound, "scene not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusCreated, SceneResponse{SceneID: newID})
	}
}

func deleteSceneHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sceneID, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid scene id", "BAD_REQUEST")
			return
		}

		deleted := false
		cfg.Session.Apply(func(p *project.Project) {
			deleted = p.DeleteScene(sceneID)
		})
		if !deleted {
			WriteError(w, http.StatusNotFound, "scene not found", "NOT_FOUND")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func freshStartHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner.IsRunning() {
			WriteError(w, http.StatusConflict, "a batch run is in progress", "CONFLICT")
			return
		}

		var req FreshStartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Title == "" {
			WriteError(w, http.StatusBadRequest, "title is required", "BAD_REQUEST")
			return
		}

		next, err := cfg.Session.FreshStart(r.Context(), req.Title)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusCreated, next)
	}
}

func listArchiveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := cfg.Session.ListArchive(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list archive", "INTERNAL_ERROR")
			return
		}
		if entries == nil {
			entries = []project.ArchiveEntry{}
		}
		WriteJSON(w, http.StatusOK, entries)
	}
}

func activateArchiveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner.IsRunning() {
			WriteError(w, http.StatusConflict, "a batch run is in progress", "CONFLICT")
			return
		}

		next, err := cfg.Session.SwitchProject(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, next)
	}
}

func getPhaseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := cfg.Session.Current()
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"phase":   string(cfg.Session.ActivePhase()),
			"derived": string(workflow.Classify(&p)),
			"gates":   cfg.Session.Gates(),
		})
	}
}

func checklistHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Session.Checklist())
	}
}

func transitionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		decision, err := cfg.Session.TransitionPhase(workflow.Phase(req.Target), req.Force)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		status := http.StatusOK
		if !decision.Allowed {
			status = http.StatusConflict
		}
		WriteJSON(w, status, TransitionResponse{
			Allowed:  decision.Allowed,
			Phase:    string(cfg.Session.ActivePhase()),
			Blockers: decision.Blockers,
		})
	}
}

func stepHandler(cfg ServerConfig, complete bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stepID := chi.URLParam(r, "id")

		var req StepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		phase := workflow.Phase(req.Phase)
		if req.Phase == "" {
			phase = cfg.Session.ActivePhase()
		}

		var err error
		if complete {
			_, err = cfg.Session.CompleteStep(phase, stepID)
		} else {
			_, err = cfg.Session.SkipStep(phase, stepID)
		}
		if err != nil {
			WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, cfg.Session.Checklist())
	}
}

func batchStatusHandler(cfg ServerConfig, ctrl *batchControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offer, err := cfg.Runner.ResumeOffer(r.Context())
		if err != nil {
			cfg.Logger.Warn("failed to load resume offer", "error", err)
		}
		WriteJSON(w, http.StatusOK, BatchStatusResponse{
			Running:     cfg.Runner.IsRunning(),
			ResumeOffer: offer,
			LastResult:  ctrl.lastResult(),
		})
	}
}

func batchStartHandler(cfg ServerConfig, ctrl *batchControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := cfg.Session.Current()
		if len(p.Scenes) == 0 {
			WriteError(w, http.StatusBadRequest, "project has no scenes", "BAD_REQUEST")
			return
		}
		if cfg.Runner.IsRunning() {
			WriteError(w, http.StatusConflict, "a batch run is already in progress", "CONFLICT")
			return
		}

		go runBatch(cfg, ctrl, cfg.Runner.Start)

		WriteJSON(w, http.StatusAccepted, BatchStartResponse{Started: true, Scenes: len(p.Scenes)})
	}
}

func batchResumeHandler(cfg ServerConfig, ctrl *batchControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner.IsRunning() {
			WriteError(w, http.StatusConflict, "a batch run is already in progress", "CONFLICT")
			return
		}

		offer, err := cfg.Runner.ResumeOffer(r.Context())
		if err != nil || offer == nil {
			WriteError(w, http.StatusNotFound, "nothing to resume", "NOT_FOUND")
			return
		}

		go runBatch(cfg, ctrl, cfg.Runner.Resume)

		WriteJSON(w, http.StatusAccepted, BatchStartResponse{Started: true, Scenes: len(offer.Pending)})
	}
}

func batchCancelHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Runner.IsRunning() {
			WriteError(w, http.StatusConflict, "no batch run in progress", "CONFLICT")
			return
		}
		cfg.Runner.Cancel()
		w.WriteHeader(http.StatusAccepted)
	}
}

// runBatch executes a (blocking) run function on its own goroutine and
// records the outcome for the status endpoint.
func runBatch(cfg ServerConfig, ctrl *batchControl, run func(context.Context) (batch.Result, error)) {
	result, err := run(context.Background())
	if err != nil {
		if !errors.Is(err, batch.ErrAlreadyRunning) {
			cfg.Logger.Error("batch run failed", "error", err)
		}
		return
	}
	ctrl.setLast(result)
	if cfg.Hub != nil {
		cfg.Hub.Broadcast(Event{Type: "batch_finished", Payload: result})
	}
}

func interventionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Session.Interventions())
	}
}

func dismissHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Session.Dismiss(chi.URLParam(r, "id")); err != nil {
			WriteError(w, http.StatusForbidden, err.Error(), "FORBIDDEN")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func actionHandler(cfg ServerConfig, ctrl *batchControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		interventionID := chi.URLParam(r, "id")
		actionID := chi.URLParam(r, "actionID")

		iv := cfg.Session.FindIntervention(interventionID)
		if iv == nil {
			WriteError(w, http.StatusNotFound, "intervention not found", "NOT_FOUND")
			return
		}
		if !hasAction(iv, actionID) {
			WriteError(w, http.StatusNotFound, "action not offered by this intervention", "NOT_FOUND")
			return
		}

		detail, err := executeAction(cfg, ctrl, actionID)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		cfg.Session.RemoveIntervention(interventionID)
		WriteJSON(w, http.StatusOK, ActionResponse{Executed: true, Detail: detail})
	}
}

func hasAction(iv *triggers.Intervention, actionID string) bool {
	for _, a := range iv.Actions {
		if a.ID == actionID {
			return true
		}
	}
	return false
}

// executeAction is the dispatch table behind one-click intervention actions.
// Action ids are opaque commands; new actions register here.
func executeAction(cfg ServerConfig, ctrl *batchControl, actionID string) (string, error) {
	switch actionID {
	case triggers.ActionAnalyzeScript:
		added := cfg.Session.AnalyzeScript()
		return "scenes added: " + strconv.Itoa(added), nil

	case triggers.ActionDetectCast:
		added := cfg.Session.DetectCast()
		return "characters added: " + strconv.Itoa(added), nil

	case triggers.ActionStartBatch, triggers.ActionRetryFailed:
		// A retry run re-enters the same loop: complete assets are skipped,
		// errored ones regenerate.
		if cfg.Runner.IsRunning() {
			return "", batch.ErrAlreadyRunning
		}
		go runBatch(cfg, ctrl, cfg.Runner.Start)
		return "batch started", nil

	case triggers.ActionContinuityScan:
		if _, err := cfg.Session.CompleteStep(workflow.PhasePost, "continuity_audit"); err != nil {
			return "", err
		}
		return "continuity audit recorded", nil

	case triggers.ActionAssignVoices:
		return "", errors.New("assigning voices requires manual input")

	default:
		return "", errors.New("unknown action " + actionID)
	}
}

func modeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ModeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		cfg.Session.SetGuided(req.Guided)
		WriteJSON(w, http.StatusOK, map[string]bool{"guided": req.Guided})
	}
}

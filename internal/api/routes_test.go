package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storyloom/storyloom-agent/internal/batch"
	"github.com/storyloom/storyloom-agent/internal/config"
	"github.com/storyloom/storyloom-agent/internal/db"
	"github.com/storyloom/storyloom-agent/internal/generate"
	"github.com/storyloom/storyloom-agent/internal/project"
	"github.com/storyloom/storyloom-agent/internal/session"
	"github.com/storyloom/storyloom-agent/internal/triggers"
)

func testConfig(t *testing.T, initial project.Project) ServerConfig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := project.NewStore(database.Conn(), 1<<20, logger)
	queue := batch.NewBlobStore(store)
	engine := triggers.NewEngine(triggers.DefaultLibrary(), logger)
	mgr := session.NewManager(initial, store, queue, engine, logger)

	policy := config.BatchPolicy{
		MaxRetries:     1,
		QueueFreshness: 24 * time.Hour,
	}
	runner := batch.NewRunner(mgr, generate.NewStubService(logger), queue, policy, logger)

	return ServerConfig{
		Port:      0,
		Session:   mgr,
		Runner:    runner,
		Store:     store,
		Hub:       NewHub(logger),
		Logger:    logger,
		StartTime: time.Now(),
		DeviceID:  "test-device",
	}
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestHealthHandler(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	healthHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["device_id"] != "test-device" {
		t.Errorf("device_id = %v", body["device_id"])
	}
}

func TestStatusHandler(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	statusHandler(cfg, &batchControl{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["phase"] != "genesis" {
		t.Errorf("phase = %v, want genesis", body["phase"])
	}
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}
	if body["batch_running"] != false {
		t.Error("batch_running should be false")
	}
	if body["guided"] != true {
		t.Error("guided should default to true")
	}
}

func TestPutScriptHandler(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	payload, _ := json.Marshal(ScriptRequest{Script: "Once upon a time."})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/project/script", bytes.NewReader(payload))

	putScriptHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if cfg.Session.Current().Script != "Once upon a time." {
		t.Error("script not applied to project")
	}
}

func TestPutScriptHandler_InvalidBody(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/project/script", bytes.NewReader([]byte("{broken")))

	putScriptHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAnalyzeScriptHandler_NoScript(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/project/script/analyze", nil)

	analyzeScriptHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAnalyzeScriptHandler(t *testing.T) {
	p := project.New("demo")
	p.Script = "First beat.\n\nSecond beat."
	cfg := testConfig(t, p)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/project/script/analyze", nil)

	analyzeScriptHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if len(cfg.Session.Current().Scenes) != 2 {
		t.Errorf("scenes = %d, want 2", len(cfg.Session.Current().Scenes))
	}
}

func TestTransitionHandler_Blocked(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	payload, _ := json.Marshal(TransitionRequest{Target: "manifest"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workflow/transition", bytes.NewReader(payload))

	transitionHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusConflict)
	}
	body := decodeJSONBody(t, rr)
	if body["allowed"] != false {
		t.Error("allowed should be false")
	}
	if body["phase"] != "genesis" {
		t.Errorf("phase = %v, want genesis", body["phase"])
	}
}

func TestTransitionHandler_UnknownPhase(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	payload, _ := json.Marshal(TransitionRequest{Target: "bogus"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workflow/transition", bytes.NewReader(payload))

	transitionHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStepHandler(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))
	router := chi.NewRouter()
	router.Post("/workflow/steps/{id}/complete", stepHandler(cfg, true))

	payload, _ := json.Marshal(StepRequest{Phase: "genesis"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workflow/steps/define_cast/complete", bytes.NewReader(payload))

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if cfg.Session.Current().Workflow["genesis"]["define_cast"] != project.StepCompleted {
		t.Error("override not recorded")
	}
}

func TestStepHandler_UnknownStep(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))
	router := chi.NewRouter()
	router.Post("/workflow/steps/{id}/complete", stepHandler(cfg, true))

	payload, _ := json.Marshal(StepRequest{Phase: "genesis"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workflow/steps/no_such_step/complete", bytes.NewReader(payload))

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestBatchStartHandler_NoScenes(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batch", nil)

	batchStartHandler(cfg, &batchControl{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestBatchCancelHandler_NotRunning(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batch/cancel", nil)

	batchCancelHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestBatchResumeHandler_NothingToResume(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batch/resume", nil)

	batchResumeHandler(cfg, &batchControl{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDuplicateSceneHandler(t *testing.T) {
	p := project.New("demo")
	p.Script = "script"
	p.AddScene(project.Scene{Description: "opening"})
	cfg := testConfig(t, p)

	router := chi.NewRouter()
	router.Post("/project/scenes/{id}/duplicate", duplicateSceneHandler(cfg))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/project/scenes/1/duplicate", nil)

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusCreated)
	}
	if len(cfg.Session.Current().Scenes) != 2 {
		t.Errorf("scenes = %d, want 2", len(cfg.Session.Current().Scenes))
	}
}

func TestDeleteSceneHandler_NotFound(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	router := chi.NewRouter()
	router.Delete("/project/scenes/{id}", deleteSceneHandler(cfg))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/project/scenes/42", nil)

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestActionHandler_UnknownIntervention(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	router := chi.NewRouter()
	router.Post("/interventions/{id}/actions/{actionID}", actionHandler(cfg, &batchControl{}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/interventions/iv_nope/actions/analyze_script", nil)

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestActionHandler_ExecutesOffered(t *testing.T) {
	p := project.New("demo")
	// Long enough to trip the long-script rule, which offers script analysis.
	long := make([]byte, 6100)
	for i := range long {
		long[i] = 'a'
	}
	p.Script = string(long)
	cfg := testConfig(t, p)

	// First mutation evaluates triggers against the initial snapshot.
	cfg.Session.Apply(func(p *project.Project) {})

	iv := cfg.Session.FindIntervention("iv_long_script")
	if iv == nil {
		t.Fatal("long-script intervention did not fire")
	}

	router := chi.NewRouter()
	router.Post("/interventions/{id}/actions/{actionID}", actionHandler(cfg, &batchControl{}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/interventions/iv_long_script/actions/analyze_script", nil)

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if len(cfg.Session.Current().Scenes) == 0 {
		t.Error("analyze_script action did not add scenes")
	}
	if cfg.Session.FindIntervention("iv_long_script") != nil {
		t.Error("intervention should be removed after its action executed")
	}
}

func TestModeHandler(t *testing.T) {
	cfg := testConfig(t, project.New("demo"))

	payload, _ := json.Marshal(ModeRequest{Guided: false})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/mode", bytes.NewReader(payload))

	modeHandler(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if cfg.Session.Guided() {
		t.Error("guided mode should be off")
	}
}

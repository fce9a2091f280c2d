package api

import (
	"github.com/storyloom/storyloom-agent/internal/batch"
	"github.com/storyloom/storyloom-agent/internal/workflow"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State           string `json:"state"`
	Phase           string `json:"phase"`
	Guided          bool   `json:"guided"`
	ProjectID       string `json:"project_id"`
	SceneCount      int    `json:"scene_count"`
	CompleteCount   int    `json:"complete_count"`
	ErrorCount      int    `json:"error_count"`
	BatchRunning    bool   `json:"batch_running"`
	ResumeAvailable bool   `json:"resume_available"`
	StoreDegraded   bool   `json:"store_degraded"`
}

type ScriptRequest struct {
	Script string `json:"script"`
}

type VoiceRequest struct {
	VoiceID string `json:"voice_id"`
}

type SceneResponse struct {
	SceneID int `json:"scene_id"`
}

type TransitionRequest struct {
	Target string `json:"target"`
	Force  bool   `json:"force,omitempty"`
}

type TransitionResponse struct {
	Allowed  bool            `json:"allowed"`
	Phase    string          `json:"phase"`
	Blockers []workflow.Gate `json:"blockers,omitempty"`
}

type StepRequest struct {
	Phase string `json:"phase,omitempty"`
}

type ModeRequest struct {
	Guided bool `json:"guided"`
}

type BatchStartResponse struct {
	Started bool `json:"started"`
	Scenes  int  `json:"scenes"`
}

type BatchStatusResponse struct {
	Running     bool          `json:"running"`
	ResumeOffer *batch.Queue  `json:"resume_offer,omitempty"`
	LastResult  *batch.Result `json:"last_result,omitempty"`
}

type ActionResponse struct {
	Executed bool   `json:"executed"`
	Detail   string `json:"detail,omitempty"`
}

type FreshStartRequest struct {
	Title string `json:"title"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

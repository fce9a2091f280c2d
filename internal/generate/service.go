// Package generate is the client side of the external generation service.
// The agent never produces media itself; it asks a worker for each stage
// and validates every payload before accepting it.
package generate

import (
	"context"
	"fmt"

	"github.com/storyloom/storyloom-agent/internal/project"
)

// Stage names used in errors and logs.
const (
	StageImage = "image"
	StageVideo = "video"
	StageAudio = "audio"
)

type StyleParams struct {
	Style  string `json:"style,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// AudioLine is one character's spoken line within a scene.
type AudioLine struct {
	Character string `json:"character,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
	Text      string `json:"text"`
}

// AudioResult carries the narration media plus any per-line failures the
// worker tolerated. Partial failures do not fail the scene.
type AudioResult struct {
	MediaURL        string   `json:"media_url"`
	PartialFailures []string `json:"partial_failures,omitempty"`
}

// Service is the three-stage generation contract. Each call blocks until
// the worker finishes or the context is done.
type Service interface {
	GenerateImage(ctx context.Context, scene project.Scene, characters []project.Character, style StyleParams) (string, error)
	GenerateVideo(ctx context.Context, imageURL, prompt string, style StyleParams) (string, error)
	GenerateAudio(ctx context.Context, lines []AudioLine, characters []project.Character) (AudioResult, error)
}

// GenError classifies a generation failure by stage and retryability.
// Worker 4xx responses and invalid payloads are permanent; network errors
// and 5xx responses are retryable.
type GenError struct {
	Stage     string
	Err       error
	Permanent bool
}

func (e *GenError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Stage, e.Err)
}

func (e *GenError) Unwrap() error {
	return e.Err
}

func (e *GenError) Retryable() bool {
	return !e.Permanent
}

package generate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/storyloom/storyloom-agent/internal/project"
)

// StubService stands in for the worker when no worker URL is configured.
// Every stage succeeds immediately with a placeholder reference, which
// keeps the rest of the agent exercisable offline.
type StubService struct {
	logger *slog.Logger
}

func NewStubService(logger *slog.Logger) *StubService {
	return &StubService{logger: logger}
}

func (s *StubService) GenerateImage(ctx context.Context, scene project.Scene, characters []project.Character, style StyleParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &GenError{Stage: StageImage, Err: err}
	}
	s.logger.Info("generate stub: image requested", "scene_id", scene.ID)
	return fmt.Sprintf("https://stub.local/scenes/%d/image.png", scene.ID), nil
}

func (s *StubService) GenerateVideo(ctx context.Context, imageURL, prompt string, style StyleParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &GenError{Stage: StageVideo, Err: err}
	}
	s.logger.Info("generate stub: video requested", "image_url", imageURL)
	return imageURL + ".mp4", nil
}

func (s *StubService) GenerateAudio(ctx context.Context, lines []AudioLine, characters []project.Character) (AudioResult, error) {
	if err := ctx.Err(); err != nil {
		return AudioResult{}, &GenError{Stage: StageAudio, Err: err}
	}
	s.logger.Info("generate stub: audio requested", "lines", len(lines))
	return AudioResult{MediaURL: "https://stub.local/audio.mp3"}, nil
}

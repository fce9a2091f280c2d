package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-agent/internal/project"
)

// HTTPService talks to a generation worker over HTTP. One POST per stage;
// the worker holds the connection until the job finishes.
type HTTPService struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPService(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPService {
	return &HTTPService{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type generateRequest struct {
	RequestID  string                 `json:"request_id"`
	Kind       string                 `json:"kind"`
	Parameters map[string]interface{} `json:"parameters"`
}

type generateResponse struct {
	Status          string   `json:"status"`
	MediaURL        string   `json:"media_url"`
	Error           string   `json:"error,omitempty"`
	PartialFailures []string `json:"partial_failures,omitempty"`
}

func (s *HTTPService) GenerateImage(ctx context.Context, scene project.Scene, characters []project.Character, style StyleParams) (string, error) {
	prompt := scene.ImagePrompt
	if prompt == "" {
		prompt = scene.Description
	}

	names := make([]string, len(characters))
	for i, c := range characters {
		names[i] = c.Name
	}

	resp, err := s.post(ctx, StageImage, map[string]interface{}{
		"scene_id":   scene.ID,
		"prompt":     prompt,
		"characters": names,
		"style":      style.Style,
		"width":      style.Width,
		"height":     style.Height,
	})
	if err != nil {
		return "", err
	}

	if err := ValidateImage(resp.MediaURL); err != nil {
		return "", &GenError{Stage: StageImage, Err: err, Permanent: true}
	}
	return resp.MediaURL, nil
}

func (s *HTTPService) GenerateVideo(ctx context.Context, imageURL, prompt string, style StyleParams) (string, error) {
	resp, err := s.post(ctx, StageVideo, map[string]interface{}{
		"image_url": imageURL,
		"prompt":    prompt,
		"style":     style.Style,
	})
	if err != nil {
		return "", err
	}

	if err := ValidateVideo(resp.MediaURL); err != nil {
		return "", &GenError{Stage: StageVideo, Err: err, Permanent: true}
	}
	return resp.MediaURL, nil
}

func (s *HTTPService) GenerateAudio(ctx context.Context, lines []AudioLine, characters []project.Character) (AudioResult, error) {
	voices := map[string]string{}
	for _, c := range characters {
		if c.VoiceID != "" {
			voices[c.Name] = c.VoiceID
		}
	}

	resp, err := s.post(ctx, StageAudio, map[string]interface{}{
		"lines":  lines,
		"voices": voices,
	})
	if err != nil {
		return AudioResult{}, err
	}

	result := AudioResult{MediaURL: resp.MediaURL, PartialFailures: resp.PartialFailures}
	if err := ValidateAudio(result); err != nil {
		return AudioResult{}, &GenError{Stage: StageAudio, Err: err, Permanent: true}
	}
	return result, nil
}

func (s *HTTPService) post(ctx context.Context, stage string, params map[string]interface{}) (*generateResponse, error) {
	reqBody := generateRequest{
		RequestID:  uuid.NewString(),
		Kind:       stage,
		Parameters: params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &GenError{Stage: stage, Err: fmt.Errorf("marshal request: %w", err), Permanent: true}
	}

	url := s.baseURL + "/v1/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &GenError{Stage: stage, Err: err, Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	if s.logger != nil {
		s.logger.Info("dispatching generation request",
			"stage", stage,
			"request_id", reqBody.RequestID,
			"url", url,
		)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &GenError{Stage: stage, Err: fmt.Errorf("worker request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GenError{
			Stage:     stage,
			Err:       fmt.Errorf("worker HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 512)),
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, &GenError{Stage: stage, Err: fmt.Errorf("decode worker response: %w", err), Permanent: true}
	}

	if gr.Status == "failed" || gr.Status == "error" {
		return nil, &GenError{Stage: stage, Err: fmt.Errorf("worker reported failure: %s", gr.Error)}
	}
	return &gr, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

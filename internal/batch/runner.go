package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/storyloom/storyloom-agent/internal/config"
	"github.com/storyloom/storyloom-agent/internal/generate"
	"github.com/storyloom/storyloom-agent/internal/project"
)

// StateAccessor gives the runner the latest project snapshot, never a stale
// closure. Apply mutates a clone of the most recent snapshot and returns
// the new one; the single state-owning coordinator implements it.
type StateAccessor interface {
	Current() project.Project
	Apply(mutate func(*project.Project)) project.Project
}

type Outcome string

const (
	// OutcomeCompleted: every scene generated; queue cleared.
	OutcomeCompleted Outcome = "completed"
	// OutcomeCompletedWithFailures: loop finished but some scenes
	// exhausted their retries; queue cleared, failures retried manually.
	OutcomeCompletedWithFailures Outcome = "completed_with_failures"
	// OutcomeCancelled: user stopped the run; queue retained for resume.
	OutcomeCancelled Outcome = "cancelled"
)

type Result struct {
	Outcome   Outcome `json:"outcome"`
	Completed []int   `json:"completed"`
	Failed    []int   `json:"failed"`
	Pending   []int   `json:"pending"`
}

// Progress is emitted after every observable queue or asset change.
type Progress struct {
	SceneID   int    `json:"scene_id"`
	Stage     string `json:"stage,omitempty"`
	Status    string `json:"status"`
	Done      int    `json:"done"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Attempt   int    `json:"attempt,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

var (
	// ErrNothingToResume is returned when no fresh queue with pending
	// scenes exists.
	ErrNothingToResume = errors.New("no resumable batch queue")
	// ErrAlreadyRunning guards against overlapping runs.
	ErrAlreadyRunning = errors.New("a batch run is already in progress")

	errCancelled = errors.New("batch cancelled")
)

// Runner owns one batch run at a time. Cancellation is cooperative: a
// single flag checked at the loop head and before each retry. An in-flight
// worker call or delay is not interrupted, so cancellation latency is
// bounded by the current call, not instantaneous.
type Runner struct {
	state  StateAccessor
	gen    generate.Service
	store  Store
	policy config.BatchPolicy
	logger *slog.Logger

	running    atomic.Bool
	cancelled  atomic.Bool
	onProgress func(Progress)

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func NewRunner(state StateAccessor, gen generate.Service, store Store, policy config.BatchPolicy, logger *slog.Logger) *Runner {
	return &Runner{
		state:  state,
		gen:    gen,
		store:  store,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// SetProgressFunc registers the progress callback. Must be called before
// the run starts.
func (r *Runner) SetProgressFunc(fn func(Progress)) {
	r.onProgress = fn
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Cancel raises the cooperative cancellation flag for the current run.
func (r *Runner) Cancel() {
	if r.running.Load() {
		r.cancelled.Store(true)
		r.logger.Info("batch cancellation requested")
	}
}

// Start begins a fresh run over the current scene list. The snapshot of
// scene ids is taken once, up front; concurrent edits to the live scene
// list do not change the processing order.
func (r *Runner) Start(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	cur := r.state.Current()
	ids := cur.SceneIDs()
	if len(ids) == 0 {
		return Result{}, fmt.Errorf("project has no scenes")
	}

	q := NewQueue(ids)
	r.persist(ctx, q)
	r.logger.Info("batch run started", "scenes", len(ids))

	return r.run(ctx, q)
}

// Resume continues a previously persisted run. Only queues within the
// freshness window and with pending scenes qualify.
func (r *Runner) Resume(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	q, err := r.ResumeOffer(ctx)
	if err != nil {
		return Result{}, err
	}
	if q == nil {
		return Result{}, ErrNothingToResume
	}

	r.logger.Info("batch run resumed",
		"pending", len(q.Pending),
		"completed", len(q.Completed),
		"failed", len(q.Failed),
	)
	return r.run(ctx, q)
}

// ResumeOffer loads the persisted queue if it is fresh and has pending
// work. Stale queues are discarded as if absent.
func (r *Runner) ResumeOffer(ctx context.Context) (*Queue, error) {
	q, err := r.store.LoadQueue(ctx)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, nil
	}
	if time.Since(q.Timestamp) > r.policy.QueueFreshness {
		r.logger.Info("discarding stale batch queue", "age", time.Since(q.Timestamp))
		if err := r.store.ClearQueue(ctx); err != nil {
			r.logger.Warn("failed to clear stale queue", "error", err)
		}
		return nil, nil
	}
	if len(q.Pending) == 0 {
		return nil, nil
	}
	return q, nil
}

func (r *Runner) run(ctx context.Context, q *Queue) (Result, error) {
	r.cancelled.Store(false)

	// Processing order was captured when the queue was built.
	snapshot := append([]int(nil), q.Pending...)

	for i, sceneID := range snapshot {
		if r.cancelled.Load() || ctx.Err() != nil {
			return r.finishCancelled(ctx, q), nil
		}

		if !q.IsPending(sceneID) {
			continue
		}

		cur := r.state.Current()
		if a, ok := cur.Assets[sceneID]; ok && a != nil && a.Status == project.AssetComplete {
			// Already resolved in a prior session; re-running is
			// idempotent for these.
			q.MarkCompleted(sceneID)
			r.persist(ctx, q)
			r.notify(Progress{SceneID: sceneID, Status: "skipped", Done: len(q.Completed), Failed: len(q.Failed), Total: q.TotalScenes})
			continue
		}

		err := r.generateScene(ctx, sceneID)
		switch {
		case errors.Is(err, errCancelled):
			return r.finishCancelled(ctx, q), nil

		case err != nil:
			r.state.Apply(func(p *project.Project) {
				p.SetAssetStatus(sceneID, project.AssetError, err.Error())
				p.AppendLog("error", fmt.Sprintf("scene %d failed after retries: %v", sceneID, err))
			})
			q.MarkFailed(sceneID)
			r.persist(ctx, q)
			r.notify(Progress{SceneID: sceneID, Status: "failed", Done: len(q.Completed), Failed: len(q.Failed), Total: q.TotalScenes, LastError: err.Error()})
			r.logger.Warn("scene failed, cooling down", "scene_id", sceneID, "cooldown", r.policy.FailureCooldown)

			// Exhausted failures usually mean upstream quota trouble;
			// pausing gives it time to recover instead of burning the
			// rest of the queue at the same failure rate.
			if !r.cancelled.Load() {
				r.sleep(ctx, r.policy.FailureCooldown)
			}

		default:
			q.MarkCompleted(sceneID)
			r.persist(ctx, q)
			r.notify(Progress{SceneID: sceneID, Status: "completed", Done: len(q.Completed), Failed: len(q.Failed), Total: q.TotalScenes})
		}

		if i < len(snapshot)-1 && !r.cancelled.Load() {
			r.sleep(ctx, r.policy.InterSceneDelay)
		}
	}

	result := Result{
		Completed: append([]int(nil), q.Completed...),
		Failed:    append([]int(nil), q.Failed...),
		Pending:   append([]int(nil), q.Pending...),
	}

	if err := r.store.ClearQueue(ctx); err != nil {
		r.logger.Warn("failed to clear finished queue", "error", err)
	}

	if len(q.Failed) > 0 {
		result.Outcome = OutcomeCompletedWithFailures
	} else {
		result.Outcome = OutcomeCompleted
	}
	r.logger.Info("batch run finished",
		"outcome", result.Outcome,
		"completed", len(result.Completed),
		"failed", len(result.Failed),
	)
	return result, nil
}

func (r *Runner) finishCancelled(ctx context.Context, q *Queue) Result {
	// Queue stays persisted as-is so a later session can offer resume.
	r.persist(ctx, q)
	r.logger.Info("batch run cancelled",
		"completed", len(q.Completed),
		"pending", len(q.Pending),
	)
	return Result{
		Outcome:   OutcomeCancelled,
		Completed: append([]int(nil), q.Completed...),
		Failed:    append([]int(nil), q.Failed...),
		Pending:   append([]int(nil), q.Pending...),
	}
}

// generateScene runs the three-stage pipeline for one scene with bounded
// retries. The cancellation flag is re-checked before every retry.
func (r *Runner) generateScene(ctx context.Context, sceneID int) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.cancelled.Load() || ctx.Err() != nil {
				return errCancelled
			}
			delay := r.policy.RetryBaseDelay * time.Duration(r.policy.BackoffMultiplier*attempt)
			r.logger.Info("retrying scene", "scene_id", sceneID, "attempt", attempt, "delay", delay)
			r.notify(Progress{SceneID: sceneID, Status: "retrying", Attempt: attempt, LastError: lastErr.Error()})
			r.sleep(ctx, delay)
			if r.cancelled.Load() || ctx.Err() != nil {
				return errCancelled
			}
		}

		lastErr = r.attemptScene(ctx, sceneID)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errCancelled) {
			return errCancelled
		}
		r.logger.Warn("scene attempt failed", "scene_id", sceneID, "attempt", attempt, "error", lastErr)
	}

	return lastErr
}

// attemptScene is one pass through image -> video -> audio. The audio
// stage is non-blocking: a failed narration never fails the scene.
func (r *Runner) attemptScene(ctx context.Context, sceneID int) error {
	cur := r.state.Current()
	scene := cur.Scene(sceneID)
	if scene == nil {
		// Deleted mid-run; nothing left to generate.
		return nil
	}
	style := generate.StyleParams{Style: cur.Style}

	r.state.Apply(func(p *project.Project) {
		p.SetAssetStatus(sceneID, project.AssetGeneratingImage, "")
	})
	r.notify(Progress{SceneID: sceneID, Stage: generate.StageImage, Status: "generating"})

	imageURL, err := r.gen.GenerateImage(ctx, *scene, cur.Characters, style)
	if err != nil {
		return r.stageError(ctx, err)
	}

	r.state.Apply(func(p *project.Project) {
		p.SetAssetStatus(sceneID, project.AssetGeneratingVideo, "")
	})
	r.notify(Progress{SceneID: sceneID, Stage: generate.StageVideo, Status: "generating"})

	prompt := scene.VideoPrompt
	if prompt == "" {
		prompt = scene.Description
	}
	videoURL, err := r.gen.GenerateVideo(ctx, imageURL, prompt, style)
	if err != nil {
		return r.stageError(ctx, err)
	}

	r.state.Apply(func(p *project.Project) {
		p.SetAssetStatus(sceneID, project.AssetGeneratingAudio, "")
	})
	r.notify(Progress{SceneID: sceneID, Stage: generate.StageAudio, Status: "generating"})

	audioURL := ""
	lines := sceneLines(scene)
	if len(lines) > 0 {
		audio, err := r.gen.GenerateAudio(ctx, lines, cur.Characters)
		if err != nil {
			r.logger.Warn("audio generation failed, continuing without narration",
				"scene_id", sceneID, "error", err)
			r.state.Apply(func(p *project.Project) {
				p.AppendLog("warn", fmt.Sprintf("scene %d audio failed: %v", sceneID, err))
			})
		} else {
			audioURL = audio.MediaURL
			for _, pf := range audio.PartialFailures {
				r.logger.Warn("partial audio failure", "scene_id", sceneID, "detail", pf)
			}
		}
	}

	r.state.Apply(func(p *project.Project) {
		p.CompleteAsset(sceneID, imageURL, videoURL, audioURL)
		p.AppendLog("info", fmt.Sprintf("scene %d generated", sceneID))
	})
	return nil
}

// stageError maps a context cancellation surfaced through a worker call to
// the cooperative-cancel sentinel so the loop stops cleanly.
func (r *Runner) stageError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	return err
}

func sceneLines(s *project.Scene) []generate.AudioLine {
	text := s.Lines
	if text == "" {
		text = s.Description
	}
	if text == "" {
		return nil
	}
	return []generate.AudioLine{{Text: text}}
}

func (r *Runner) persist(ctx context.Context, q *Queue) {
	// Write-through, not transactional with the in-memory update: a
	// missed final persist self-heals on resume because already-complete
	// assets are re-checked and skipped.
	if err := r.store.SaveQueue(ctx, q); err != nil {
		r.logger.Warn("failed to persist batch queue", "error", err)
	}
}

func (r *Runner) notify(p Progress) {
	if r.onProgress != nil {
		r.onProgress(p)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

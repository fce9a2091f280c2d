package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/storyloom/storyloom-agent/internal/config"
	"github.com/storyloom/storyloom-agent/internal/generate"
	"github.com/storyloom/storyloom-agent/internal/project"
)

// memState is a minimal coordinator: it owns one snapshot and records
// every asset status transition in order.
type memState struct {
	mu          sync.Mutex
	p           project.Project
	transitions map[int][]project.AssetStatus
}

func newMemState(p project.Project) *memState {
	return &memState{p: p, transitions: map[int][]project.AssetStatus{}}
}

func (m *memState) Current() project.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p.Clone()
}

func (m *memState) Apply(mutate func(*project.Project)) project.Project {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := map[int]project.AssetStatus{}
	for id, a := range m.p.Assets {
		before[id] = a.Status
	}

	next := m.p.Clone()
	mutate(&next)
	next.Version++
	m.p = next

	for id, a := range next.Assets {
		if before[id] != a.Status {
			m.transitions[id] = append(m.transitions[id], a.Status)
		}
	}
	return next.Clone()
}

// fakeGen is a scripted generation service. failUntil[sceneID] = n makes
// the first n image attempts for that scene fail; n < 0 fails forever.
type fakeGen struct {
	mu        sync.Mutex
	failUntil map[int]int
	attempts  map[int]int
	order     []int
	audioErr  error
	onAttempt func(sceneID, attempt int)
}

func newFakeGen() *fakeGen {
	return &fakeGen{failUntil: map[int]int{}, attempts: map[int]int{}}
}

func (g *fakeGen) GenerateImage(ctx context.Context, scene project.Scene, chars []project.Character, style generate.StyleParams) (string, error) {
	g.mu.Lock()
	g.attempts[scene.ID]++
	attempt := g.attempts[scene.ID]
	g.order = append(g.order, scene.ID)
	limit := g.failUntil[scene.ID]
	hook := g.onAttempt
	g.mu.Unlock()

	if hook != nil {
		hook(scene.ID, attempt)
	}
	if limit < 0 || attempt <= limit {
		return "", &generate.GenError{Stage: generate.StageImage, Err: errors.New("scripted failure")}
	}
	return fmt.Sprintf("https://cdn.test/%d.png", scene.ID), nil
}

func (g *fakeGen) GenerateVideo(ctx context.Context, imageURL, prompt string, style generate.StyleParams) (string, error) {
	return imageURL + ".mp4", nil
}

func (g *fakeGen) GenerateAudio(ctx context.Context, lines []generate.AudioLine, chars []project.Character) (generate.AudioResult, error) {
	if g.audioErr != nil {
		return generate.AudioResult{}, g.audioErr
	}
	return generate.AudioResult{MediaURL: "https://cdn.test/audio.mp3"}, nil
}

// memStore keeps the queue in memory and snapshots the partition at every
// save for invariant checking.
type memStore struct {
	mu    sync.Mutex
	q     *Queue
	saves []Queue
}

func (s *memStore) SaveQueue(ctx context.Context, q *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := Queue{
		Pending:     append([]int(nil), q.Pending...),
		Completed:   append([]int(nil), q.Completed...),
		Failed:      append([]int(nil), q.Failed...),
		TotalScenes: q.TotalScenes,
		Timestamp:   q.Timestamp,
	}
	s.q = &cp
	s.saves = append(s.saves, cp)
	return nil
}

func (s *memStore) LoadQueue(ctx context.Context) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return nil, nil
	}
	cp := *s.q
	return &cp, nil
}

func (s *memStore) ClearQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q = nil
	return nil
}

func testPolicy() config.BatchPolicy {
	return config.BatchPolicy{
		MaxRetries:        2,
		RetryBaseDelay:    10 * time.Millisecond,
		BackoffMultiplier: 2,
		FailureCooldown:   70 * time.Millisecond,
		InterSceneDelay:   5 * time.Millisecond,
		QueueFreshness:    24 * time.Hour,
	}
}

func testRunner(t *testing.T, state *memState, gen generate.Service, store Store) *Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRunner(state, gen, store, testPolicy(), logger)
	r.sleep = func(ctx context.Context, d time.Duration) {}
	return r
}

func testProject(t *testing.T, scenes int) project.Project {
	t.Helper()
	p := project.New("batch test")
	p.Script = "a story"
	for i := 0; i < scenes; i++ {
		p.AddScene(project.Scene{
			Description: fmt.Sprintf("scene %d", i+1),
			ImagePrompt: fmt.Sprintf("prompt %d", i+1),
		})
	}
	return p
}

func TestRunner_AllScenesSucceed(t *testing.T) {
	state := newMemState(testProject(t, 3))
	gen := newFakeGen()
	store := &memStore{}
	r := testRunner(t, state, gen, store)

	result, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeCompleted)
	}
	if len(result.Completed) != 3 || len(result.Failed) != 0 || len(result.Pending) != 0 {
		t.Errorf("partition = %+v", result)
	}

	if q, _ := store.LoadQueue(context.Background()); q != nil {
		t.Error("queue must be cleared after a fully successful run")
	}

	final := state.Current()
	for _, s := range final.Scenes {
		if final.Assets[s.ID].Status != project.AssetComplete {
			t.Errorf("scene %d asset status = %s, want complete", s.ID, final.Assets[s.ID].Status)
		}
	}
}

func TestRunner_StatusFollowsForwardPath(t *testing.T) {
	state := newMemState(testProject(t, 1))
	gen := newFakeGen()
	r := testRunner(t, state, gen, &memStore{})

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	id := state.Current().Scenes[0].ID
	want := []project.AssetStatus{
		project.AssetGeneratingImage,
		project.AssetGeneratingVideo,
		project.AssetGeneratingAudio,
		project.AssetComplete,
	}
	got := state.transitions[id]
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunner_SceneExhaustsRetries(t *testing.T) {
	state := newMemState(testProject(t, 5))
	gen := newFakeGen()
	store := &memStore{}
	r := testRunner(t, state, gen, store)

	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) { slept = append(slept, d) }

	cur := state.Current()
	ids := cur.SceneIDs()
	gen.failUntil[ids[2]] = -1 // scene #3 never succeeds

	result, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if result.Outcome != OutcomeCompletedWithFailures {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeCompletedWithFailures)
	}
	wantCompleted := []int{ids[0], ids[1], ids[3], ids[4]}
	if !equalInts(result.Completed, wantCompleted) {
		t.Errorf("completed = %v, want %v", result.Completed, wantCompleted)
	}
	if !equalInts(result.Failed, []int{ids[2]}) {
		t.Errorf("failed = %v, want [%d]", result.Failed, ids[2])
	}
	if len(result.Pending) != 0 {
		t.Errorf("pending = %v, want empty", result.Pending)
	}

	// Scene #3 used all three attempts (1 initial + 2 retries).
	if gen.attempts[ids[2]] != 3 {
		t.Errorf("scene 3 attempts = %d, want 3", gen.attempts[ids[2]])
	}

	// Processing order follows the snapshot order taken at queue build.
	processed := dedupe(gen.order)
	if !sort.IntsAreSorted(processed) {
		t.Errorf("scene processing order = %v, want ascending", gen.order)
	}

	// The failure cooldown must appear between scene #3's last attempt
	// and scene #4.
	foundCooldown := false
	for _, d := range slept {
		if d == testPolicy().FailureCooldown {
			foundCooldown = true
		}
	}
	if !foundCooldown {
		t.Errorf("failure cooldown not observed in delays %v", slept)
	}

	if state.Current().Assets[ids[2]].Status != project.AssetError {
		t.Error("failed scene's asset should be in error status")
	}

	// Queue cleared on completed-with-failures: retries are manual.
	if q, _ := store.LoadQueue(context.Background()); q != nil {
		t.Error("queue must be cleared after completed-with-failures")
	}
}

func TestRunner_CancelDuringRetryPreservesQueue(t *testing.T) {
	state := newMemState(testProject(t, 5))
	gen := newFakeGen()
	store := &memStore{}
	r := testRunner(t, state, gen, store)

	cur := state.Current()
	ids := cur.SceneIDs()
	gen.failUntil[ids[2]] = -1
	gen.onAttempt = func(sceneID, attempt int) {
		// Cancel while scene #3 is failing its first attempt; the flag
		// is observed at the next retry check.
		if sceneID == ids[2] && attempt == 1 {
			r.Cancel()
		}
	}

	result, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if result.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeCancelled)
	}
	if !equalInts(result.Completed, []int{ids[0], ids[1]}) {
		t.Errorf("completed = %v, want first two scenes", result.Completed)
	}
	if !equalInts(result.Pending, []int{ids[2], ids[3], ids[4]}) {
		t.Errorf("pending = %v, want last three scenes", result.Pending)
	}
	if len(result.Failed) != 0 {
		t.Errorf("failed = %v, want empty", result.Failed)
	}

	// The persisted queue must be intact for a later resume offer.
	q, _ := store.LoadQueue(context.Background())
	if q == nil {
		t.Fatal("queue missing after cancellation")
	}
	if !equalInts(q.Pending, []int{ids[2], ids[3], ids[4]}) {
		t.Errorf("persisted pending = %v", q.Pending)
	}

	offer, err := r.ResumeOffer(context.Background())
	if err != nil || offer == nil {
		t.Fatalf("ResumeOffer() = %v, %v; want fresh queue", offer, err)
	}
}

func TestRunner_ResumeSkipsResolvedScenes(t *testing.T) {
	p := testProject(t, 3)
	ids := p.SceneIDs()
	// Scene #2 already completed outside the queue's knowledge.
	p.CompleteAsset(ids[1], "img", "vid", "")

	state := newMemState(p)
	gen := newFakeGen()
	store := &memStore{}

	q := NewQueue(ids)
	q.MarkCompleted(ids[0])
	store.SaveQueue(context.Background(), q)

	r := testRunner(t, state, gen, store)
	result, err := r.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if result.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeCompleted)
	}
	if len(result.Completed) != 3 {
		t.Errorf("completed = %v, want all three", result.Completed)
	}
	// Only scene #3 actually needed generation.
	if gen.attempts[ids[1]] != 0 {
		t.Error("already-complete scene was re-generated on resume")
	}
	if gen.attempts[ids[2]] != 1 {
		t.Errorf("scene 3 attempts = %d, want 1", gen.attempts[ids[2]])
	}
}

func TestRunner_StaleQueueDiscarded(t *testing.T) {
	state := newMemState(testProject(t, 2))
	store := &memStore{}

	cur := state.Current()
	q := NewQueue(cur.SceneIDs())
	q.Timestamp = time.Now().Add(-25 * time.Hour)
	store.SaveQueue(context.Background(), q)

	r := testRunner(t, state, newFakeGen(), store)

	offer, err := r.ResumeOffer(context.Background())
	if err != nil {
		t.Fatalf("ResumeOffer() error = %v", err)
	}
	if offer != nil {
		t.Error("stale queue must be treated as absent")
	}
	if store.q != nil {
		t.Error("stale queue must be cleared")
	}

	if _, err := r.Resume(context.Background()); !errors.Is(err, ErrNothingToResume) {
		t.Errorf("Resume() error = %v, want ErrNothingToResume", err)
	}
}

func TestRunner_PartitionInvariantAtEverySave(t *testing.T) {
	state := newMemState(testProject(t, 4))
	gen := newFakeGen()
	store := &memStore{}
	r := testRunner(t, state, gen, store)

	cur := state.Current()
	ids := cur.SceneIDs()
	gen.failUntil[ids[1]] = -1

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := append([]int(nil), ids...)
	sort.Ints(want)
	for i, saved := range store.saves {
		all := append([]int(nil), saved.Pending...)
		all = append(all, saved.Completed...)
		all = append(all, saved.Failed...)
		sort.Ints(all)
		if !equalInts(all, want) {
			t.Fatalf("save %d: partition %v does not cover snapshot %v", i, all, want)
		}
		seen := map[int]bool{}
		for _, id := range all {
			if seen[id] {
				t.Fatalf("save %d: scene %d appears in two sets", i, id)
			}
			seen[id] = true
		}
	}
}

func TestRunner_AudioFailureDoesNotFailScene(t *testing.T) {
	state := newMemState(testProject(t, 1))
	gen := newFakeGen()
	gen.audioErr = &generate.GenError{Stage: generate.StageAudio, Err: errors.New("tts down")}
	r := testRunner(t, state, gen, &memStore{})

	result, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, audio failure must not fail the run", result.Outcome)
	}

	id := state.Current().Scenes[0].ID
	a := state.Current().Assets[id]
	if a.Status != project.AssetComplete {
		t.Errorf("asset status = %s, want complete despite audio failure", a.Status)
	}
	if a.AudioURL != "" {
		t.Error("audio url should be empty when narration failed")
	}
}

func equalInts(got, want []int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func dedupe(order []int) []int {
	var out []int
	for _, id := range order {
		if len(out) == 0 || out[len(out)-1] != id {
			out = append(out, id)
		}
	}
	return out
}

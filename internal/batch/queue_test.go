package batch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/storyloom/storyloom-agent/internal/db"
	"github.com/storyloom/storyloom-agent/internal/project"
)

func TestQueue_MarkMovesBetweenSets(t *testing.T) {
	q := NewQueue([]int{1, 2, 3})

	q.MarkCompleted(1)
	q.MarkFailed(3)

	if !equalInts(q.Pending, []int{2}) {
		t.Errorf("pending = %v, want [2]", q.Pending)
	}
	if !equalInts(q.Completed, []int{1}) {
		t.Errorf("completed = %v, want [1]", q.Completed)
	}
	if !equalInts(q.Failed, []int{3}) {
		t.Errorf("failed = %v, want [3]", q.Failed)
	}
	if q.TotalScenes != 3 {
		t.Errorf("total = %d, want 3", q.TotalScenes)
	}
}

func TestQueue_MarkUnknownIDIsNoop(t *testing.T) {
	q := NewQueue([]int{1, 2})
	q.MarkCompleted(99)
	q.MarkFailed(1)
	q.MarkFailed(1) // second mark must not duplicate

	if !equalInts(q.Pending, []int{2}) || !equalInts(q.Failed, []int{1}) || len(q.Completed) != 0 {
		t.Errorf("queue = %+v", q)
	}
}

func TestBlobStore_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	store := NewBlobStore(project.NewStore(database.Conn(), 1<<20, logger))
	ctx := context.Background()

	if q, err := store.LoadQueue(ctx); err != nil || q != nil {
		t.Fatalf("LoadQueue() on empty store = %v, %v; want nil, nil", q, err)
	}

	q := NewQueue([]int{1, 2, 3})
	q.MarkCompleted(1)
	if err := store.SaveQueue(ctx, q); err != nil {
		t.Fatalf("SaveQueue() error = %v", err)
	}

	loaded, err := store.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadQueue() returned nil after save")
	}
	if !equalInts(loaded.Pending, []int{2, 3}) || !equalInts(loaded.Completed, []int{1}) {
		t.Errorf("loaded queue = %+v", loaded)
	}

	if err := store.ClearQueue(ctx); err != nil {
		t.Fatalf("ClearQueue() error = %v", err)
	}
	if q, _ := store.LoadQueue(ctx); q != nil {
		t.Error("queue still present after clear")
	}
}

// Package batch drives sequential generation of every scene's asset:
// resumable, retry-bounded, cooperatively cancellable. One scene is in
// flight at any time; the loop structure itself is the concurrency control.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/storyloom/storyloom-agent/internal/project"
)

// Queue is the persisted partition of scene ids for a generation run.
// pending, completed and failed are pairwise disjoint and together always
// equal the scene-id set captured at batch start.
type Queue struct {
	Pending     []int     `json:"pending"`
	Completed   []int     `json:"completed"`
	Failed      []int     `json:"failed"`
	TotalScenes int       `json:"total_scenes"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewQueue captures a scene-id snapshot, all ids pending, in order.
func NewQueue(sceneIDs []int) *Queue {
	return &Queue{
		Pending:     append([]int(nil), sceneIDs...),
		TotalScenes: len(sceneIDs),
		Timestamp:   time.Now(),
	}
}

func (q *Queue) IsPending(sceneID int) bool {
	for _, id := range q.Pending {
		if id == sceneID {
			return true
		}
	}
	return false
}

// MarkCompleted moves a scene id from pending to completed.
func (q *Queue) MarkCompleted(sceneID int) {
	if q.remove(sceneID) {
		q.Completed = append(q.Completed, sceneID)
		q.Timestamp = time.Now()
	}
}

// MarkFailed moves a scene id from pending to failed.
func (q *Queue) MarkFailed(sceneID int) {
	if q.remove(sceneID) {
		q.Failed = append(q.Failed, sceneID)
		q.Timestamp = time.Now()
	}
}

func (q *Queue) remove(sceneID int) bool {
	for i, id := range q.Pending {
		if id == sceneID {
			q.Pending = append(q.Pending[:i], q.Pending[i+1:]...)
			return true
		}
	}
	return false
}

// Store persists the queue between scene outcomes so a crash or reload can
// resume where it left off.
type Store interface {
	SaveQueue(ctx context.Context, q *Queue) error
	LoadQueue(ctx context.Context) (*Queue, error)
	ClearQueue(ctx context.Context) error
}

// BlobStore persists the queue as a JSON blob in the project store.
type BlobStore struct {
	blobs *project.Store
}

func NewBlobStore(blobs *project.Store) *BlobStore {
	return &BlobStore{blobs: blobs}
}

func (s *BlobStore) SaveQueue(ctx context.Context, q *Queue) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	return s.blobs.PutBlob(ctx, project.KeyBatchQueue, data)
}

func (s *BlobStore) LoadQueue(ctx context.Context) (*Queue, error) {
	data, err := s.blobs.GetBlob(ctx, project.KeyBatchQueue)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var q Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("corrupt queue blob: %w", err)
	}
	return &q, nil
}

func (s *BlobStore) ClearQueue(ctx context.Context) error {
	return s.blobs.DeleteBlob(ctx, project.KeyBatchQueue)
}

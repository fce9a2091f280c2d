package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Blob keys. Each names an independent persisted blob.
const (
	KeyCurrentProject = "project:current"
	KeyArchive        = "project:archive"
	KeyBatchQueue     = "batch:queue"
)

// ErrQuotaExceeded is returned when a blob write exceeds the configured
// per-blob quota.
var ErrQuotaExceeded = errors.New("blob quota exceeded")

// ArchiveEntry is a lightweight record of a past project.
type ArchiveEntry struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	SceneCount int       `json:"scene_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists the current project snapshot, the project archive and the
// batch queue as independent blobs in SQLite. When a write fails it degrades
// to in-memory-only state rather than failing the caller's flow.
type Store struct {
	db         *sql.DB
	quotaBytes int64
	logger     *slog.Logger

	mu       sync.Mutex
	degraded bool
	memory   map[string][]byte
}

func NewStore(db *sql.DB, quotaBytes int64, logger *slog.Logger) *Store {
	return &Store{
		db:         db,
		quotaBytes: quotaBytes,
		logger:     logger,
		memory:     map[string][]byte{},
	}
}

// Degraded reports whether the store has fallen back to in-memory-only
// persistence for at least one blob.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// PutBlob writes a blob under a stable key, enforcing the quota.
func (s *Store) PutBlob(ctx context.Context, key string, value []byte) error {
	if s.quotaBytes > 0 && int64(len(value)) > s.quotaBytes {
		return fmt.Errorf("%w: %s is %d bytes (quota %d)", ErrQuotaExceeded, key, len(value), s.quotaBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), time.Now().Format(time.RFC3339))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.memory[key] = value
	s.mu.Unlock()
	return nil
}

// GetBlob reads a blob by key. Returns (nil, nil) when absent. In degraded
// mode the in-memory copy wins so readers see their own writes.
func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if s.degraded {
		if v, ok := s.memory[key]; ok {
			s.mu.Unlock()
			return v, nil
		}
	}
	s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// DeleteBlob removes a blob by key.
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.memory, key)
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	return err
}

// SaveProject persists the current project snapshot. A quota failure is
// retried once with large fields stripped; if that also fails the snapshot
// is kept in memory only and a warning is logged. Persistence problems are
// never fatal to the caller.
func (s *Store) SaveProject(ctx context.Context, p Project) {
	data, err := json.Marshal(p)
	if err != nil {
		s.warn("cannot marshal project snapshot", err)
		return
	}

	err = s.PutBlob(ctx, KeyCurrentProject, data)
	if err == nil {
		s.clearDegraded()
		return
	}

	if errors.Is(err, ErrQuotaExceeded) {
		stripped := stripLargeFields(p)
		data, merr := json.Marshal(stripped)
		if merr == nil {
			if err = s.PutBlob(ctx, KeyCurrentProject, data); err == nil {
				s.warn("project snapshot exceeded quota, saved with large fields stripped", nil)
				s.clearDegraded()
				return
			}
		}
	}

	s.mu.Lock()
	s.degraded = true
	s.memory[KeyCurrentProject], _ = json.Marshal(p)
	s.mu.Unlock()
	s.warn("project persistence failed, continuing with in-memory state", err)
}

// LoadProject reads the persisted current project. Returns (nil, nil) when
// no project has been saved yet.
func (s *Store) LoadProject(ctx context.Context) (*Project, error) {
	data, err := s.GetBlob(ctx, KeyCurrentProject)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt project blob: %w", err)
	}
	if p.Assets == nil {
		p.Assets = map[int]*Asset{}
	}
	if p.Workflow == nil {
		p.Workflow = map[string]map[string]StepState{}
	}
	return &p, nil
}

// SaveArchive persists the archive list of past projects.
func (s *Store) SaveArchive(ctx context.Context, entries []ArchiveEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.PutBlob(ctx, KeyArchive, data)
}

// LoadArchive reads the archive list. Absent means empty.
func (s *Store) LoadArchive(ctx context.Context) ([]ArchiveEntry, error) {
	data, err := s.GetBlob(ctx, KeyArchive)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var entries []ArchiveEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt archive blob: %w", err)
	}
	return entries, nil
}

// GetConfig reads a small configuration value by key.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig writes a small configuration value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// stripLargeFields drops the fields that dominate snapshot size: asset
// variant history and free-form module blobs. Current asset URLs survive.
func stripLargeFields(p Project) Project {
	c := p.Clone()
	for _, a := range c.Assets {
		a.History = nil
	}
	c.Modules = nil
	return c
}

func (s *Store) clearDegraded() {
	s.mu.Lock()
	s.degraded = false
	s.mu.Unlock()
}

func (s *Store) warn(msg string, err error) {
	if s.logger == nil {
		return
	}
	if err != nil {
		s.logger.Warn(msg, "error", err)
		return
	}
	s.logger.Warn(msg)
}

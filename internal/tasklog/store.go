// Package tasklog records detached workflow runs so their outcome can
// be reported after the fact, including across process restarts.
//
// The log stores what a task did, never the identity it ran under.
package tasklog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
)

// Status of a logged task.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	// StatusOrphaned marks tasks that were running when a previous
	// process died. Their real outcome is unknown.
	StatusOrphaned = "orphaned"
)

// Task is one detached workflow run.
type Task struct {
	ID            uuid.UUID  `json:"id"`
	Kind          string     `json:"kind"`
	Catalog       string     `json:"catalog"`
	CorrelationID string     `json:"correlationId"`
	Status        string     `json:"status"`
	Detail        string     `json:"detail,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// Store persists tasks.
type Store interface {
	Create(ctx context.Context, task Task) error
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkFinished(ctx context.Context, id uuid.UUID, status, detail string) error
	Get(ctx context.Context, id uuid.UUID) (Task, error)
	List(ctx context.Context, limit int) ([]Task, error)

	// MarkOrphans flags tasks left running by a previous process.
	// Called once on startup, before any new task is created.
	MarkOrphans(ctx context.Context) (int64, error)

	Close()
}

// MemoryStore keeps tasks in process memory. Used when no database is
// configured; history does not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[uuid.UUID]Task)}
}

func (s *MemoryStore) Create(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now().UTC()
	task.Status = StatusRunning
	task.StartedAt = &now
	s.tasks[id] = task
	return nil
}

func (s *MemoryStore) MarkFinished(_ context.Context, id uuid.UUID, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now().UTC()
	task.Status = status
	task.Detail = detail
	task.FinishedAt = &now
	s.tasks[id] = task
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, apperrors.ErrNotFound
	}
	return task, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *MemoryStore) MarkOrphans(_ context.Context) (int64, error) {
	// A fresh in-memory store has nothing to orphan.
	return 0, nil
}

func (s *MemoryStore) Close() {}

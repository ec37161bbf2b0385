package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// MemoryStore implements Store with a process-local map. This is the default
// backend: task state is deliberately volatile and lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*models.Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[uuid.UUID]*models.Task)}
}

// Ping always succeeds; there is no backing service to reach.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemoryStore) CreateTask(_ context.Context, input models.InputSnapshot) (*models.Task, error) {
	t := newTask(input)

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	return cloneTask(t), nil
}

func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error {
	params := &taskUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	return applyUpdate(t, status, params)
}

func (s *MemoryStore) SetResult(_ context.Context, id uuid.UUID, report *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	return applyResult(t, report)
}

func (s *MemoryStore) SetError(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	return applyError(t, msg)
}

// Sweep deletes every task created before now-maxAge, regardless of status.
func (s *MemoryStore) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		if t.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// cloneTask returns a copy safe to hand to callers. The Report payload is
// written once at the terminal transition and treated as read-only afterwards,
// so its inner slices are shared.
func cloneTask(t *models.Task) *models.Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.ErrorMessage != nil {
		m := *t.ErrorMessage
		c.ErrorMessage = &m
	}
	if t.ProcessingTime != nil {
		p := *t.ProcessingTime
		c.ProcessingTime = &p
	}
	return &c
}

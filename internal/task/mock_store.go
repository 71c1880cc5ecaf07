package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// MockTaskStore implements the TaskStore interface in memory for testing.
// Each operation can be overridden through its Fn field; the defaults apply
// the same compare-and-set rules as the PostgreSQL store.
type MockTaskStore struct {
	mutex sync.Mutex
	tasks map[uuid.UUID]*Record

	CreateFn    func(ctx context.Context, rec *Record) error
	GetFn       func(ctx context.Context, id uuid.UUID) (*Record, error)
	TerminateFn func(ctx context.Context, id uuid.UUID) (bool, error)
}

// NewMockTaskStore creates a new MockTaskStore with default implementations
func NewMockTaskStore() *MockTaskStore {
	s := &MockTaskStore{tasks: make(map[uuid.UUID]*Record)}
	s.CreateFn = s.create
	s.GetFn = s.get
	s.TerminateFn = s.terminate
	return s
}

// CreateTask implements TaskStore.
func (s *MockTaskStore) CreateTask(ctx context.Context, rec *Record) error {
	return s.CreateFn(ctx, rec)
}

// GetTask implements TaskStore.
func (s *MockTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.GetFn(ctx, id)
}

// TerminateTask implements TaskStore.
func (s *MockTaskStore) TerminateTask(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.TerminateFn(ctx, id)
}

func (s *MockTaskStore) create(_ context.Context, rec *Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.tasks[rec.ID]; ok {
		if !existing.Status.IsTerminal() {
			return ErrConflict
		}
		existing.Type = rec.Type
		existing.Key = rec.Key
		existing.Payload = rec.Payload
		existing.Status = TaskStatusPending
		existing.ArmedAttempt = existing.Attempt
		existing.ErrorMessage = ""
		existing.UpdatedAt = now
		return nil
	}

	cp := *rec
	cp.Status = TaskStatusPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.tasks[rec.ID] = &cp
	return nil
}

func (s *MockTaskStore) get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MockTaskStore) terminate(_ context.Context, id uuid.UUID) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if rec.Status.IsTerminal() {
		return false, nil
	}
	rec.Status = TaskStatusTerminated
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ClaimTask implements TaskStore.
func (s *MockTaskStore) ClaimTask(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.tasks[id]
	if !ok || rec.Status != TaskStatusPending {
		return nil, nil
	}
	rec.Status = TaskStatusProcessing
	rec.Attempt++
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	return &cp, nil
}

// FinishTask implements TaskStore.
func (s *MockTaskStore) FinishTask(
	_ context.Context,
	id uuid.UUID,
	attempt int,
	status TaskStatus,
	errorMsg string,
) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.tasks[id]
	if !ok || rec.Status != TaskStatusProcessing || rec.Attempt != attempt {
		return false, nil
	}
	rec.Status = status
	rec.ErrorMessage = errorMsg
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ResetTask implements TaskStore.
func (s *MockTaskStore) ResetTask(_ context.Context, id uuid.UUID, errorMsg string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.tasks[id]
	if !ok || rec.Status != TaskStatusProcessing {
		return false, nil
	}
	rec.Status = TaskStatusPending
	rec.ErrorMessage = errorMsg
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

// GetTasksByStatus implements TaskStore.
func (s *MockTaskStore) GetTasksByStatus(
	_ context.Context,
	status TaskStatus,
	olderThan time.Duration,
) ([]*Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*Record
	for _, rec := range s.tasks {
		if rec.Status != status {
			continue
		}
		if olderThan > 0 && !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// Put stores rec as-is, bypassing the create rules.
func (s *MockTaskStore) Put(rec *Record) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cp := *rec
	s.tasks[rec.ID] = &cp
}

// Snapshot returns a copy of the stored record, or nil.
func (s *MockTaskStore) Snapshot(id uuid.UUID) *Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

var _ TaskStore = (*MockTaskStore)(nil)

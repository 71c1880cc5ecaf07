// Package memstore is an in-memory implementation of the store interfaces.
// It applies the same conditional-write rules as the PostgreSQL stores and
// backs unit tests and single-process development runs.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/store"
)

// Store holds entities, deletion tombstones and tracked tasks in maps guarded
// by a single mutex.
type Store struct {
	mu         sync.Mutex
	entities   map[string]domain.EntityRecord
	tombstones map[string]domain.OrderingMarker
	tracked    map[uuid.UUID]store.TrackedTask
	now        func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entities:   make(map[string]domain.EntityRecord),
		tombstones: make(map[string]domain.OrderingMarker),
		tracked:    make(map[uuid.UUID]store.TrackedTask),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ store.EntityStore = (*Store)(nil)
	_ store.TaskTracker = (*Store)(nil)
)

// Get implements store.EntityStore.
func (s *Store) Get(_ context.Context, key string) (*domain.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entities[key]
	if !ok {
		return nil, store.ErrEntityNotFound
	}
	return cloneRecord(rec), nil
}

// AdvanceMarker implements store.EntityStore.
func (s *Store) AdvanceMarker(
	_ context.Context,
	key string,
	marker domain.OrderingMarker,
	objectRef string,
	generationID uuid.UUID,
) (store.Advance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entities[key]
	if tomb, ok := s.tombstones[key]; ok && !marker.After(tomb) {
		return store.Advance{Record: recordOrNil(current, exists)}, nil
	}
	if exists && !marker.After(current.OrderingMarker) {
		return store.Advance{Record: cloneRecord(current)}, nil
	}

	now := s.now()
	created := now
	if exists {
		created = current.CreatedAt
	}
	rec := domain.EntityRecord{
		Key:            key,
		OrderingMarker: marker,
		GenerationID:   generationID,
		TaskState:      domain.TaskStateLaunching,
		ObjectRef:      objectRef,
		CreatedAt:      created,
		UpdatedAt:      now,
	}
	s.entities[key] = rec
	delete(s.tombstones, key)

	return store.Advance{Advanced: true, Record: cloneRecord(rec)}, nil
}

// MarkActive implements store.EntityStore.
func (s *Store) MarkActive(_ context.Context, key string, generationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[key]
	if !ok || rec.GenerationID != generationID || rec.TaskState != domain.TaskStateLaunching {
		return false, nil
	}
	rec.TaskState = domain.TaskStateActive
	rec.UpdatedAt = s.now()
	s.entities[key] = rec
	return true, nil
}

// ApplyResult implements store.EntityStore.
func (s *Store) ApplyResult(
	_ context.Context,
	key string,
	generationID uuid.UUID,
	outcome *domain.Outcome,
	errDetail string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[key]
	if !ok || rec.GenerationID != generationID || rec.IsTerminal() {
		return false, nil
	}

	if outcome != nil {
		o := *outcome
		rec.Outcome = &o
		rec.ErrorDetail = ""
		rec.TaskState = domain.TaskStateApplied
	} else {
		rec.Outcome = nil
		rec.ErrorDetail = errDetail
		rec.TaskState = domain.TaskStateFailed
	}
	rec.UpdatedAt = s.now()
	s.entities[key] = rec
	return true, nil
}

// DeleteIfNewer implements store.EntityStore.
func (s *Store) DeleteIfNewer(_ context.Context, key string, marker domain.OrderingMarker) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tomb, ok := s.tombstones[key]; ok && !marker.After(tomb) {
		return false, nil
	}
	if rec, ok := s.entities[key]; ok && !marker.After(rec.OrderingMarker) {
		return false, nil
	}

	delete(s.entities, key)
	s.tombstones[key] = marker
	return true, nil
}

// Tombstone returns the deletion marker recorded for key, if any.
func (s *Store) Tombstone(key string) (domain.OrderingMarker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tombstones[key]
	return m, ok
}

// Track implements store.TaskTracker.
func (s *Store) Track(_ context.Context, key string, generationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t, ok := s.tracked[generationID]
	if !ok {
		t = store.TrackedTask{GenerationID: generationID, Key: key, CreatedAt: now}
	}
	t.State = store.TrackedTaskActive
	t.UpdatedAt = now
	s.tracked[generationID] = t
	return nil
}

// ListActive implements store.TaskTracker. Results are ordered by creation time.
func (s *Store) ListActive(_ context.Context, key string) ([]store.TrackedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.TrackedTask
	for _, t := range s.tracked {
		if t.Key == key && t.State == store.TrackedTaskActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].GenerationID.String(), out[j].GenerationID.String()) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkTerminal implements store.TaskTracker.
func (s *Store) MarkTerminal(_ context.Context, generationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracked[generationID]
	if !ok {
		return nil
	}
	t.State = store.TrackedTaskTerminal
	t.UpdatedAt = s.now()
	s.tracked[generationID] = t
	return nil
}

func recordOrNil(rec domain.EntityRecord, ok bool) *domain.EntityRecord {
	if !ok {
		return nil
	}
	return cloneRecord(rec)
}

func cloneRecord(rec domain.EntityRecord) *domain.EntityRecord {
	out := rec
	if rec.Outcome != nil {
		o := *rec.Outcome
		out.Outcome = &o
	}
	return &out
}

package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/objectstore"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/store/memstore"
	"github.com/phrazzld/scry-ingest/internal/task"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	key    string
	status task.RuntimeStatus
}

// fakeRuntime is an in-memory task runtime. Create refuses an ID held by a
// live task, so it can never hold two live tasks under one ID. Each
// operation can be overridden through its Fn field.
type fakeRuntime struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*fakeTask
	creates int

	CreateFn    func(id uuid.UUID) error
	StatusFn    func(id uuid.UUID) (task.RuntimeStatus, error)
	TerminateFn func(id uuid.UUID) error

	// Hang makes the named call ("create", "status", "terminate") block
	// until its context is done.
	Hang map[string]bool
}

func (r *fakeRuntime) hang(ctx context.Context, op string) error {
	if !r.Hang[op] {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{tasks: make(map[uuid.UUID]*fakeTask)}
}

func (r *fakeRuntime) Create(ctx context.Context, id uuid.UUID, spec task.Spec) error {
	if err := r.hang(ctx, "create"); err != nil {
		return err
	}
	if r.CreateFn != nil {
		if err := r.CreateFn(id); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok && isLive(t.status) {
		return task.ErrConflict
	}
	r.tasks[id] = &fakeTask{key: spec.Key, status: task.StatusWaiting}
	r.creates++
	return nil
}

func (r *fakeRuntime) Status(ctx context.Context, id uuid.UUID) (task.RuntimeStatus, error) {
	if err := r.hang(ctx, "status"); err != nil {
		return "", err
	}
	if r.StatusFn != nil {
		return r.StatusFn(id)
	}
	return r.status(id), nil
}

func (r *fakeRuntime) Terminate(ctx context.Context, id uuid.UUID) error {
	if err := r.hang(ctx, "terminate"); err != nil {
		return err
	}
	if r.TerminateFn != nil {
		return r.TerminateFn(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.status = task.StatusTerminal
	}
	return nil
}

func (r *fakeRuntime) status(id uuid.UUID) task.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.StatusNotFound
	}
	return t.status
}

// put installs a task directly, bypassing Create.
func (r *fakeRuntime) put(id uuid.UUID, key string, status task.RuntimeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = &fakeTask{key: key, status: status}
}

// finish marks the task terminal as if it had run to completion.
func (r *fakeRuntime) finish(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.status = task.StatusTerminal
	}
}

// live returns the IDs of non-terminal tasks for key.
func (r *fakeRuntime) live(key string) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, t := range r.tasks {
		if t.key == key && isLive(t.status) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *fakeRuntime) createCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

func isLive(s task.RuntimeStatus) bool {
	return s == task.StatusActive || s == task.StatusWaiting
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type harness struct {
	store   *memstore.Store
	runtime *fakeRuntime
	objects *objectstore.Memory
	orch    *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memstore.New(),
		runtime: newFakeRuntime(),
		objects: objectstore.NewMemory(),
	}
	h.orch = New(h.store, h.store, h.runtime, h.objects, Config{}, quietLogger())
	return h
}

// upload builds an upload event for key and stores the object it refers to.
func (h *harness) upload(t *testing.T, key, marker string) events.ObjectEvent {
	t.Helper()
	ref, err := objectstore.ParseRef(key)
	require.NoError(t, err)
	h.objects.Put(ref, "image/jpeg", []byte("jpeg bytes"))
	return events.ObjectEvent{
		ID:        uuid.New(),
		Key:       key,
		Marker:    marker,
		ObjectRef: key,
		Action:    events.ActionUpload,
	}
}

func deletion(key, marker string) events.ObjectEvent {
	return events.ObjectEvent{
		ID:     uuid.New(),
		Key:    key,
		Marker: marker,
		Action: events.ActionDelete,
	}
}

func (h *harness) entity(t *testing.T, key string) *domain.EntityRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func (h *harness) complete(t *testing.T, key string, gen uuid.UUID, label string) {
	t.Helper()
	h.runtime.finish(gen)
	err := h.orch.HandleCompletion(context.Background(), task.Completion{
		Key:          key,
		GenerationID: gen,
		Outcome:      &domain.Outcome{Label: label, Score: 0.9},
	})
	require.NoError(t, err)
}

func (h *harness) activeTracked(t *testing.T, key string) []store.TrackedTask {
	t.Helper()
	tracked, err := h.store.ListActive(context.Background(), key)
	require.NoError(t, err)
	return tracked
}

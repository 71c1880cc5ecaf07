package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-ingest/internal/domain"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/objectstore"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEvent_FreshUploadLaunchesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, "photos/x.jpg", "10")))

	rec := h.entity(t, "photos/x.jpg")
	assert.Equal(t, domain.OrderingMarker(10), rec.OrderingMarker)
	assert.Equal(t, domain.TaskStateActive, rec.TaskState)
	assert.Equal(t, []uuid.UUID{rec.GenerationID}, h.runtime.live("photos/x.jpg"))

	tracked := h.activeTracked(t, "photos/x.jpg")
	require.Len(t, tracked, 1)
	assert.Equal(t, rec.GenerationID, tracked[0].GenerationID)

	h.complete(t, "photos/x.jpg", rec.GenerationID, "cat")
	rec = h.entity(t, "photos/x.jpg")
	assert.Equal(t, domain.TaskStateApplied, rec.TaskState)
	assert.Equal(t, "cat", rec.Outcome.Label)
	assert.Empty(t, h.activeTracked(t, "photos/x.jpg"))
}

// Event A then a duplicate of A: marker recorded once, generation unchanged,
// one task launched.
func TestScenario_DuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.upload(t, "photos/x.jpg", "10")

	require.NoError(t, h.orch.HandleEvent(ctx, ev))
	first := h.entity(t, "photos/x.jpg")

	require.NoError(t, h.orch.HandleEvent(ctx, ev))
	second := h.entity(t, "photos/x.jpg")

	assert.Equal(t, first.GenerationID, second.GenerationID)
	assert.Equal(t, first.OrderingMarker, second.OrderingMarker)
	assert.Equal(t, 1, h.runtime.createCount())
}

// Event A (10) then B (5): B is stale and the row still reflects A.
func TestScenario_OlderEventIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, "photos/x.jpg", "10")))
	a := h.entity(t, "photos/x.jpg")

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, "photos/x.jpg", "5")))
	after := h.entity(t, "photos/x.jpg")

	assert.Equal(t, domain.OrderingMarker(10), after.OrderingMarker)
	assert.Equal(t, a.GenerationID, after.GenerationID)
	assert.Equal(t, 1, h.runtime.createCount())
}

// A (10, g1) launches; C (20, g2) lands; g1's completion is dropped and the
// row keeps g2's state.
func TestScenario_SupersededCompletionDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "photos/x.jpg"

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "10")))
	g1 := h.entity(t, key).GenerationID

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "20")))
	g2 := h.entity(t, key).GenerationID
	require.NotEqual(t, g1, g2)

	assert.Equal(t, task.StatusTerminal, h.runtime.status(g1), "superseded task is terminated")
	assert.Equal(t, []uuid.UUID{g2}, h.runtime.live(key))

	require.NoError(t, h.orch.HandleCompletion(ctx, task.Completion{
		Key: key, GenerationID: g1, Outcome: &domain.Outcome{Label: "stale", Score: 1},
	}))

	rec := h.entity(t, key)
	assert.Equal(t, g2, rec.GenerationID)
	assert.Equal(t, domain.TaskStateActive, rec.TaskState)
	assert.Nil(t, rec.Outcome)

	h.complete(t, key, g2, "dog")
	assert.Equal(t, "dog", h.entity(t, key).Outcome.Label)
}

// Create for g1 conflicts though nothing tracks it; the runtime reports the
// holder terminal, and the retry succeeds.
func TestScenario_ConflictWithTerminalTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conflicts := 1
	h.runtime.CreateFn = func(uuid.UUID) error {
		if conflicts > 0 {
			conflicts--
			return task.ErrConflict
		}
		return nil
	}
	var looked []uuid.UUID
	h.runtime.StatusFn = func(id uuid.UUID) (task.RuntimeStatus, error) {
		looked = append(looked, id)
		return task.StatusTerminal, nil
	}

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, "photos/x.jpg", "10")))

	rec := h.entity(t, "photos/x.jpg")
	assert.Equal(t, []uuid.UUID{rec.GenerationID}, looked)
	assert.Equal(t, domain.TaskStateActive, rec.TaskState)
	assert.Equal(t, 1, h.runtime.createCount())
}

// A failed runtime lookup during reconciliation fails the attempt; the
// redelivery repeats the sequence and converges.
func TestScenario_ReconciliationLookupFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "photos/x.jpg"

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "10")))
	g1 := h.entity(t, key).GenerationID

	h.runtime.StatusFn = func(uuid.UUID) (task.RuntimeStatus, error) {
		return "", errors.New("runtime unavailable")
	}
	ev := h.upload(t, key, "20")

	err := h.orch.HandleEvent(ctx, ev)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsValidation(err))

	g2 := h.entity(t, key).GenerationID
	assert.NotEqual(t, g1, g2, "the gate committed before the launch failed")
	assert.Equal(t, domain.TaskStateLaunching, h.entity(t, key).TaskState)
	assert.Equal(t, []uuid.UUID{g1}, h.runtime.live(key), "nothing launched while g1 was unaccounted for")

	h.runtime.StatusFn = nil
	require.NoError(t, h.orch.HandleEvent(ctx, ev), "redelivery")

	rec := h.entity(t, key)
	assert.Equal(t, g2, rec.GenerationID, "redelivery resumes the committed generation")
	assert.Equal(t, domain.TaskStateActive, rec.TaskState)
	assert.Equal(t, []uuid.UUID{g2}, h.runtime.live(key))
}

func TestProperty_FreshnessMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		h := newHarness(t)
		key := fmt.Sprintf("photos/%d.jpg", round)

		markers := rng.Perm(15)
		for _, m := range markers {
			ev := h.upload(t, key, strconv.Itoa(m+1))
			require.NoError(t, h.orch.HandleEvent(ctx, ev))
			if rng.Intn(3) == 0 {
				require.NoError(t, h.orch.HandleEvent(ctx, ev), "duplicate")
			}
		}

		assert.Equal(t, domain.OrderingMarker(15), h.entity(t, key).OrderingMarker)
		assert.Len(t, h.runtime.live(key), 1)
	}
}

func TestProperty_AtMostOneActiveTaskUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	keys := []string{"photos/a.jpg", "photos/b.jpg", "photos/c.jpg"}

	var evs []events.ObjectEvent
	for _, key := range keys {
		for m := 1; m <= 10; m++ {
			ev := h.upload(t, key, strconv.Itoa(m))
			evs = append(evs, ev, ev)
		}
	}
	rand.New(rand.NewSource(7)).Shuffle(len(evs), func(i, j int) { evs[i], evs[j] = evs[j], evs[i] })

	var wg sync.WaitGroup
	for _, ev := range evs {
		wg.Add(1)
		go func(ev events.ObjectEvent) {
			defer wg.Done()
			assert.NoError(t, h.orch.HandleEvent(ctx, ev))
		}(ev)
	}
	wg.Wait()

	for _, key := range keys {
		rec := h.entity(t, key)
		assert.Equal(t, domain.OrderingMarker(10), rec.OrderingMarker)
		assert.Equal(t, []uuid.UUID{rec.GenerationID}, h.runtime.live(key))
		tracked := h.activeTracked(t, key)
		require.Len(t, tracked, 1)
		assert.Equal(t, rec.GenerationID, tracked[0].GenerationID)
	}
}

func TestProperty_StaleCompletionImmunity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "photos/x.jpg"

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "1")))
	g1 := h.entity(t, key).GenerationID
	h.complete(t, key, g1, "first")

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "2")))
	g2 := h.entity(t, key).GenerationID

	for _, gen := range []uuid.UUID{g1, uuid.New()} {
		require.NoError(t, h.orch.HandleCompletion(ctx, task.Completion{
			Key: key, GenerationID: gen, Outcome: &domain.Outcome{Label: "late", Score: 0.1},
		}))
		require.NoError(t, h.orch.HandleCompletion(ctx, task.Completion{
			Key: key, GenerationID: gen, Err: errors.New("late failure"),
		}))
	}

	rec := h.entity(t, key)
	assert.Equal(t, g2, rec.GenerationID)
	assert.Nil(t, rec.Outcome, "the new generation cleared the old outcome and nothing stale replaced it")
	assert.Empty(t, rec.ErrorDetail)

	h.complete(t, key, g2, "second")
	h.complete(t, key, g2, "duplicate")
	assert.Equal(t, "second", h.entity(t, key).Outcome.Label, "only the first completion of a generation applies")
}

func TestProperty_CrashRecoveryConvergence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "photos/x.jpg"

	// The launch crashes after the runtime accepted the task but before the
	// controller recorded it.
	crash := true
	ev := h.upload(t, key, "10")
	inner := h.orch.controller.tracker
	h.orch.controller.tracker = trackerFunc{
		TaskTracker: inner,
		track: func(ctx context.Context, key string, gen uuid.UUID) error {
			if crash {
				crash = false
				return errors.New("process killed")
			}
			return inner.Track(ctx, key, gen)
		},
	}

	require.Error(t, h.orch.HandleEvent(ctx, ev))
	gen := h.entity(t, key).GenerationID
	assert.Equal(t, domain.TaskStateLaunching, h.entity(t, key).TaskState)
	assert.Equal(t, []uuid.UUID{gen}, h.runtime.live(key))

	require.NoError(t, h.orch.HandleEvent(ctx, ev), "redelivery")

	rec := h.entity(t, key)
	assert.Equal(t, gen, rec.GenerationID)
	assert.Equal(t, domain.TaskStateActive, rec.TaskState)
	assert.Equal(t, []uuid.UUID{gen}, h.runtime.live(key), "exactly one active task for the generation")
	assert.Equal(t, 2, h.runtime.createCount(), "the orphan was terminated and recreated")
}

func TestHandleEvent_InvariantViolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.runtime.CreateFn = func(uuid.UUID) error { return task.ErrConflict }
	h.runtime.StatusFn = func(uuid.UUID) (task.RuntimeStatus, error) { return task.StatusActive, nil }

	err := h.orch.HandleEvent(ctx, h.upload(t, "photos/x.jpg", "10"))
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, domain.TaskStateLaunching, h.entity(t, "photos/x.jpg").TaskState,
		"a launch blocked by a duplicate is never treated as started")
}

func TestHandleEvent_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   events.ObjectEvent
	}{
		{"missing key", events.ObjectEvent{Marker: "1", ObjectRef: "photos/a", Action: events.ActionUpload}},
		{"missing marker", events.ObjectEvent{Key: "photos/a", ObjectRef: "photos/a", Action: events.ActionUpload}},
		{"malformed marker", events.ObjectEvent{Key: "photos/a", Marker: "yesterday", ObjectRef: "photos/a", Action: events.ActionUpload}},
		{"negative marker", events.ObjectEvent{Key: "photos/a", Marker: "-4", ObjectRef: "photos/a", Action: events.ActionUpload}},
		{"upload without object", events.ObjectEvent{Key: "photos/a", Marker: "1", Action: events.ActionUpload}},
		{"unknown action", events.ObjectEvent{Key: "photos/a", Marker: "1", Action: "restore"}},
		{"object missing from store", events.ObjectEvent{Key: "photos/gone", Marker: "1", ObjectRef: "photos/gone", Action: events.ActionUpload}},
		{"malformed object reference", events.ObjectEvent{Key: "photos/a", Marker: "1", ObjectRef: "no-slash", Action: events.ActionUpload}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.orch.HandleEvent(ctx, tt.ev)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
			assert.False(t, IsRetryable(err))
		})
	}

	_, err := h.store.Get(ctx, "photos/a")
	assert.ErrorIs(t, err, store.ErrEntityNotFound, "invalid events never touch the store")
	assert.Zero(t, h.runtime.createCount())
}

func TestHandleEvent_ObjectStoreOutageIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.orch.objects = failingStat{err: errors.New("connection refused")}

	err := h.orch.HandleEvent(context.Background(), h.upload(t, "photos/x.jpg", "1"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestHandleEvent_RFC3339Markers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "photos/x.jpg"

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "2026-03-01T12:00:00.000000002Z")))
	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "2026-03-01T12:00:00.000000001Z")))

	want, err := domain.ParseOrderingMarker("2026-03-01T12:00:00.000000002Z")
	require.NoError(t, err)
	assert.Equal(t, want, h.entity(t, key).OrderingMarker)
}

func TestHandleEvent_Deletion(t *testing.T) {
	ctx := context.Background()
	key := "photos/x.jpg"

	t.Run("fresh deletion retires the task and blocks stale uploads", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "10")))
		gen := h.entity(t, key).GenerationID

		require.NoError(t, h.orch.HandleEvent(ctx, deletion(key, "11")))

		_, err := h.store.Get(ctx, key)
		assert.ErrorIs(t, err, store.ErrEntityNotFound)
		assert.Equal(t, task.StatusTerminal, h.runtime.status(gen))
		assert.Empty(t, h.activeTracked(t, key))

		require.NoError(t, h.orch.HandleCompletion(ctx, task.Completion{
			Key: key, GenerationID: gen, Outcome: &domain.Outcome{Label: "late", Score: 1},
		}))
		_, err = h.store.Get(ctx, key)
		assert.ErrorIs(t, err, store.ErrEntityNotFound, "a late completion cannot recreate the row")

		require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "9")))
		_, err = h.store.Get(ctx, key)
		assert.ErrorIs(t, err, store.ErrEntityNotFound, "a stale upload cannot resurrect the entity")

		require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "12")))
		assert.Equal(t, domain.OrderingMarker(12), h.entity(t, key).OrderingMarker)
	})

	t.Run("stale deletion is a no-op", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "10")))
		gen := h.entity(t, key).GenerationID

		require.NoError(t, h.orch.HandleEvent(ctx, deletion(key, "10")))

		assert.Equal(t, gen, h.entity(t, key).GenerationID)
		assert.Equal(t, []uuid.UUID{gen}, h.runtime.live(key))
	})

	t.Run("redelivered deletion finishes retiring", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "10")))
		gen := h.entity(t, key).GenerationID

		h.runtime.StatusFn = func(uuid.UUID) (task.RuntimeStatus, error) {
			return "", errors.New("runtime unavailable")
		}
		del := deletion(key, "11")
		require.Error(t, h.orch.HandleEvent(ctx, del))
		assert.Equal(t, []uuid.UUID{gen}, h.runtime.live(key))

		h.runtime.StatusFn = nil
		require.NoError(t, h.orch.HandleEvent(ctx, del))
		assert.Empty(t, h.runtime.live(key))
		assert.Empty(t, h.activeTracked(t, key))
	})
}

func TestHandleCompletion_FailureRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "photos/x.jpg"

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "1")))
	gen := h.entity(t, key).GenerationID

	require.NoError(t, h.orch.HandleCompletion(ctx, task.Completion{
		Key: key, GenerationID: gen, Err: errors.New("object vanished"),
	}))

	rec := h.entity(t, key)
	assert.Equal(t, domain.TaskStateFailed, rec.TaskState)
	assert.Equal(t, "object vanished", rec.ErrorDetail)
	assert.Nil(t, rec.Outcome)
}

func TestHandleCompletion_InvalidOutcomeRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := "photos/x.jpg"

	require.NoError(t, h.orch.HandleEvent(ctx, h.upload(t, key, "1")))
	gen := h.entity(t, key).GenerationID

	require.NoError(t, h.orch.HandleCompletion(ctx, task.Completion{
		Key: key, GenerationID: gen, Outcome: &domain.Outcome{Label: "cat", Score: 7},
	}))

	rec := h.entity(t, key)
	assert.Equal(t, domain.TaskStateFailed, rec.TaskState)
	assert.Contains(t, rec.ErrorDetail, "score")
}

func TestHandleEvent_CancelledContextIsRetryable(t *testing.T) {
	h := newHarness(t)
	ev := h.upload(t, "photos/x.jpg", "1")

	unlock := h.orch.locks.Lock(ev.Key)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.orch.HandleEvent(ctx, ev)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.Canceled)
}

type trackerFunc struct {
	store.TaskTracker
	track func(ctx context.Context, key string, gen uuid.UUID) error
}

func (t trackerFunc) Track(ctx context.Context, key string, gen uuid.UUID) error {
	return t.track(ctx, key, gen)
}

type failingStat struct {
	objectstore.Store
	err error
}

func (f failingStat) Stat(context.Context, objectstore.Ref) (objectstore.Info, error) {
	return objectstore.Info{}, f.err
}

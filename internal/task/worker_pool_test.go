package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTaskQueue implements TaskQueueReader for testing
type mockTaskQueue struct {
	ch chan *Record
}

func newMockTaskQueue() *mockTaskQueue {
	return &mockTaskQueue{ch: make(chan *Record, 10)}
}

func (m *mockTaskQueue) GetChannel() <-chan *Record {
	return m.ch
}

func TestNewWorkerPool(t *testing.T) {
	logger := setupTestLogger()
	taskQueue := newMockTaskQueue()
	noop := func(context.Context, *Record, int) {}

	pool := NewWorkerPool(taskQueue, WorkerPoolConfig{WorkerCount: 5}, noop, logger)
	assert.Equal(t, 5, pool.workerCount)
	assert.Equal(t, taskQueue, pool.taskQueue)
	assert.NotNil(t, pool.Context())

	// Invalid worker counts default to 1
	pool = NewWorkerPool(taskQueue, WorkerPoolConfig{WorkerCount: 0}, noop, logger)
	assert.Equal(t, 1, pool.workerCount)

	pool = NewWorkerPool(taskQueue, WorkerPoolConfig{WorkerCount: -5}, noop, logger)
	assert.Equal(t, 1, pool.workerCount)
}

func TestWorkerPool_ProcessesRecords(t *testing.T) {
	taskQueue := newMockTaskQueue()

	var mu sync.Mutex
	seen := make(map[uuid.UUID]bool)
	var wg sync.WaitGroup
	wg.Add(3)

	process := func(ctx context.Context, rec *Record, workerID int) {
		defer wg.Done()
		mu.Lock()
		seen[rec.ID] = true
		mu.Unlock()
	}

	pool := NewWorkerPool(taskQueue, WorkerPoolConfig{WorkerCount: 2}, process, setupTestLogger())
	pool.Start()
	defer pool.Stop()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		taskQueue.ch <- &Record{ID: id}
	}

	waitOrFail(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.True(t, seen[id], "record %s should have been processed", id)
	}
}

func TestWorkerPool_StopCancelsContext(t *testing.T) {
	taskQueue := newMockTaskQueue()
	started := make(chan struct{})
	var cancelled atomic.Bool

	process := func(ctx context.Context, rec *Record, workerID int) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}

	pool := NewWorkerPool(taskQueue, WorkerPoolConfig{WorkerCount: 1}, process, setupTestLogger())
	pool.Start()
	taskQueue.ch <- &Record{ID: uuid.New()}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker did not pick up the record")
	}

	pool.Stop()
	require.True(t, cancelled.Load(), "Stop should cancel in-flight work and wait for it")
}

func TestWorkerPool_ExitsWhenChannelClosed(t *testing.T) {
	taskQueue := newMockTaskQueue()
	pool := NewWorkerPool(taskQueue, WorkerPoolConfig{WorkerCount: 3}, func(context.Context, *Record, int) {}, setupTestLogger())
	pool.Start()

	close(taskQueue.ch)

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after the channel closed")
	}
	pool.Stop()
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting")
	}
}

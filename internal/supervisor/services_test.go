package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer blocks in ListenAndServe until Shutdown, or fails immediately
// with listenErr.
type fakeServer struct {
	listenErr error
	stopped   chan struct{}
	once      sync.Once
	shutdowns atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{stopped: make(chan struct{})}
}

func (s *fakeServer) ListenAndServe() error {
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stopped
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(ctx context.Context) error {
	s.shutdowns.Add(1)
	s.once.Do(func() { close(s.stopped) })
	return nil
}

func TestHTTPServerService(t *testing.T) {
	t.Run("shuts down when the context ends", func(t *testing.T) {
		srv := newFakeServer()
		svc := NewHTTPServerService(srv, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("service did not stop")
		}
		assert.Equal(t, int32(1), srv.shutdowns.Load())
	})

	t.Run("listener failure is returned", func(t *testing.T) {
		srv := &fakeServer{listenErr: errors.New("address already in use")}
		svc := NewHTTPServerService(srv, time.Second)

		err := svc.Serve(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "address already in use")
	})

	t.Run("name", func(t *testing.T) {
		assert.Equal(t, "http-server", NewHTTPServerService(newFakeServer(), 0).String())
	})
}

type fakeRunner struct {
	runErr  error
	exitNow bool
	closed  atomic.Bool
}

func (r *fakeRunner) Run(ctx context.Context) error {
	if r.exitNow {
		return r.runErr
	}
	<-ctx.Done()
	return r.runErr
}

func (r *fakeRunner) Close() error {
	r.closed.Store(true)
	return nil
}

func TestRunnerService(t *testing.T) {
	t.Run("runs until cancelled and closes the runner", func(t *testing.T) {
		runner := &fakeRunner{}
		svc := NewRunnerService("object-events", func() (Runner, error) { return runner, nil })

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("service did not stop")
		}
		assert.True(t, runner.closed.Load())
	})

	t.Run("runner exiting on its own is a failure", func(t *testing.T) {
		runner := &fakeRunner{exitNow: true}
		svc := NewRunnerService("object-events", func() (Runner, error) { return runner, nil })

		err := svc.Serve(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stopped unexpectedly")
		assert.True(t, runner.closed.Load())
	})

	t.Run("runner error is wrapped", func(t *testing.T) {
		runner := &fakeRunner{exitNow: true, runErr: errors.New("nats: connection closed")}
		svc := NewRunnerService("object-events", func() (Runner, error) { return runner, nil })

		err := svc.Serve(context.Background())
		assert.ErrorIs(t, err, runner.runErr)
	})

	t.Run("factory failure", func(t *testing.T) {
		buildErr := errors.New("nats: no servers available")
		svc := NewRunnerService("object-events", func() (Runner, error) { return nil, buildErr })

		err := svc.Serve(context.Background())
		assert.ErrorIs(t, err, buildErr)
	})
}

func TestTree_RestartsFailedService(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tree := NewTree(logger, TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})

	var builds atomic.Int32
	tree.AddProcessingService(NewRunnerService("flaky", func() (Runner, error) {
		if builds.Add(1) < 3 {
			return &fakeRunner{exitNow: true, runErr: errors.New("transient")}, nil
		}
		return &fakeRunner{}, nil
	}))

	srv := newFakeServer()
	tree.AddAPIService(NewHTTPServerService(srv, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	assert.Eventually(t, func() bool { return builds.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	assert.Equal(t, int32(1), srv.shutdowns.Load())
}

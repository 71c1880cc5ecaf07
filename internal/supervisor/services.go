package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
)

// HTTPServer is the lifecycle subset of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server as a supervised service.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps server. A non-positive shutdownTimeout uses 10s.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve listens until ctx is cancelled, then shuts the server down
// gracefully. A listener failure is returned so the supervisor restarts it.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// ctx is already cancelled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return "http-server"
}

// Runner is a component that runs until ctx is cancelled and can be used
// only once, such as a message router.
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// RunnerFactory builds a fresh Runner for each start of the service.
type RunnerFactory func() (Runner, error)

// RunnerService runs single-use Runners under supervision, building a new
// one on every restart.
type RunnerService struct {
	name    string
	factory RunnerFactory
}

// NewRunnerService creates a RunnerService named name.
func NewRunnerService(name string, factory RunnerFactory) *RunnerService {
	return &RunnerService{name: name, factory: factory}
}

// Serve builds a Runner and runs it until ctx is cancelled or it fails.
// A runner that stops on its own while ctx is live is reported as a
// failure so it is restarted.
func (s *RunnerService) Serve(ctx context.Context) error {
	runner, err := s.factory()
	if err != nil {
		return fmt.Errorf("%s: build: %w", s.name, err)
	}
	defer func() { _ = runner.Close() }()

	err = runner.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return fmt.Errorf("%s: stopped unexpectedly", s.name)
}

func (s *RunnerService) String() string {
	return s.name
}

var (
	_ suture.Service = (*HTTPServerService)(nil)
	_ suture.Service = (*RunnerService)(nil)
)

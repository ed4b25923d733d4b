package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// --- HTTP server ---

// HTTPServer is the subset of *http.Server the service needs.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server. A non-positive shutdownTimeout means 10s.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve starts the server and shuts it down gracefully when ctx ends.
func (h *HTTPService) Serve(ctx context.Context) error {
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// --- Poller ---

// Runner is a blocking loop that returns when ctx is cancelled.
// Implemented by *sync.Engine.
type Runner interface {
	Run(ctx context.Context) error
}

// PollerService runs the sync scheduler as a supervised service.
type PollerService struct {
	runner Runner
}

// NewPollerService wraps runner.
func NewPollerService(runner Runner) *PollerService {
	return &PollerService{runner: runner}
}

// Serve blocks in the runner's loop. An early return is reported as an
// error so the supervisor restarts the loop.
func (p *PollerService) Serve(ctx context.Context) error {
	err := p.runner.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errors.New("returned unexpectedly")
	}
	return fmt.Errorf("sync poller: %w", err)
}

func (p *PollerService) String() string { return "sync-poller" }

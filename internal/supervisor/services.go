package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hackgods/astro-consultation-queue/internal/logging"
)

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string { return "http-server" }

type ContextRunner interface {
	RunWithContext(ctx context.Context) error
}

// RunnerService adapts anything with RunWithContext, such as the websocket
// hub.
type RunnerService struct {
	name   string
	runner ContextRunner
}

func NewRunnerService(name string, runner ContextRunner) *RunnerService {
	return &RunnerService{name: name, runner: runner}
}

func (r *RunnerService) Serve(ctx context.Context) error { return r.runner.RunWithContext(ctx) }
func (r *RunnerService) String() string                  { return r.name }

// TickerService calls fn once at start and then every interval. Each call
// gets its own timeout; a failed call is logged and does not stop the loop.
type TickerService struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	fn       func(ctx context.Context) error
}

func NewTickerService(name string, interval, timeout time.Duration, fn func(ctx context.Context) error) *TickerService {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &TickerService{name: name, interval: interval, timeout: timeout, fn: fn}
}

func (t *TickerService) Serve(ctx context.Context) error {
	t.runOnce(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

func (t *TickerService) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	if err := t.fn(runCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Error().Err(err).Str("service", t.name).Msg("periodic run failed")
		return
	}
	logging.Debug().Str("service", t.name).Dur("took", time.Since(start)).Msg("periodic run complete")
}

func (t *TickerService) String() string { return t.name }

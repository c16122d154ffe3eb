package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
)

type SupervisorConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// NewSupervisor builds the root supervisor. Restarts, panics and backoff
// episodes are reported through log.
func NewSupervisor(name string, cfg SupervisorConfig, log logrus.FieldLogger) *suture.Supervisor {
	defaults := DefaultSupervisorConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = defaults.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = defaults.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return suture.New(name, suture.Spec{
		EventHook:        eventHook(log),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}

func eventHook(log logrus.FieldLogger) suture.EventHook {
	return func(e suture.Event) {
		entry := log.WithFields(logrus.Fields(e.Map())).WithField("event", e.Type())
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			entry.Error(e.String())
		case suture.EventTypeBackoff:
			entry.Warn(e.String())
		default:
			entry.Info(e.String())
		}
	}
}

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server under a supervisor and shuts it down
// gracefully when the supervisor's context ends.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return ctx.Err()
}

func (h *HTTPService) String() string {
	return "http-server"
}

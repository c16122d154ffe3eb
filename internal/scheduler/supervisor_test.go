package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	stop     chan struct{}
	started  atomic.Bool
	shutdown atomic.Bool
	failWith error
}

func newFakeServer() *fakeServer {
	return &fakeServer{stop: make(chan struct{})}
}

func (s *fakeServer) ListenAndServe() error {
	s.started.Store(true)
	if s.failWith != nil {
		return s.failWith
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdown.Store(true)
	close(s.stop)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	server := newFakeServer()
	svc := NewHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, server.started.Load, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	assert.True(t, server.shutdown.Load())
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	server := newFakeServer()
	server.failWith = errors.New("address in use")

	err := NewHTTPService(server, time.Second).Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}

func TestSupervisorRestartsFailingService(t *testing.T) {
	sup := NewSupervisor("test", SupervisorConfig{
		FailureThreshold: 100,
		FailureBackoff:   time.Millisecond,
		ShutdownTimeout:  time.Second,
	}, quietLogger())

	var starts atomic.Int32
	sup.Add(&PeriodicTask{
		Name:     "flaky",
		Interval: time.Hour,
		Log:      quietLogger(),
		Run:      func(context.Context) error { return nil },
	})
	sup.Add(serviceFunc(func(ctx context.Context) error {
		if starts.Add(1) < 3 {
			return errors.New("crash")
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)
	require.Eventually(t, func() bool { return starts.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	<-errCh
}

type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

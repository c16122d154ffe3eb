package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// PeriodicTask runs Run every Interval until its context ends. A failed or
// panicking run is logged and the next tick runs as usual, so the task only
// returns when it is stopped.
type PeriodicTask struct {
	Name           string
	Interval       time.Duration
	Run            func(ctx context.Context) error
	Log            logrus.FieldLogger
	RunImmediately bool
}

func (t *PeriodicTask) Serve(ctx context.Context) error {
	if t.Interval <= 0 {
		return fmt.Errorf("%s: interval must be positive", t.Name)
	}
	if t.RunImmediately {
		t.runOnce(ctx)
	}

	ticker := time.NewTicker(t.Interval)
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

func (t *PeriodicTask) String() string {
	return t.Name
}

func (t *PeriodicTask) runOnce(ctx context.Context) (err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", t.Name, r)
			t.logger().WithField("stack", string(debug.Stack())).Error(err.Error())
		}
	}()

	err = t.Run(ctx)
	entry := t.logger().WithField("duration_ms", time.Since(started).Milliseconds())
	if err != nil {
		entry.WithError(err).Warn("periodic run failed")
		return err
	}
	entry.Debug("periodic run finished")
	return nil
}

func (t *PeriodicTask) logger() logrus.FieldLogger {
	if t.Log == nil {
		return logrus.StandardLogger().WithField("task", t.Name)
	}
	return t.Log.WithField("task", t.Name)
}

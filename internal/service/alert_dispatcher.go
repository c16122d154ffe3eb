package service

import (
	"context"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/metrics"

	"github.com/sirupsen/logrus"
)

type alertRoute struct {
	sink AlertSink
	min  entity.Severity
}

// AlertDispatcher drains the security event queue and fans every event out
// to the sinks whose minimum severity it meets. It runs as a supervised service.
type AlertDispatcher struct {
	source  <-chan entity.SecurityEvent
	routes  []alertRoute
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewAlertDispatcher(source <-chan entity.SecurityEvent, timeout time.Duration, log logrus.FieldLogger) *AlertDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AlertDispatcher{source: source, timeout: timeout, log: log}
}

func (d *AlertDispatcher) AddSink(sink AlertSink, min entity.Severity) {
	d.routes = append(d.routes, alertRoute{sink: sink, min: min})
}

func (d *AlertDispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.source:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, &event)
		}
	}
}

func (d *AlertDispatcher) String() string {
	return "alert-dispatcher"
}

// Dispatch delivers one event. A failing sink does not stop the others.
func (d *AlertDispatcher) Dispatch(ctx context.Context, event *entity.SecurityEvent) {
	for _, route := range d.routes {
		if !event.Severity.AtLeast(route.min) {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := route.sink.Send(sendCtx, event)
		cancel()
		if err != nil {
			metrics.AlertDeliveries.WithLabelValues(route.sink.Name(), "error").Inc()
			d.log.WithError(err).WithFields(logrus.Fields{
				"sink":     route.sink.Name(),
				"event_id": event.ID,
			}).Warn("alert delivery failed")
			continue
		}
		metrics.AlertDeliveries.WithLabelValues(route.sink.Name(), "ok").Inc()
	}
}

package service

import (
	"context"

	"sessiontrust/internal/entity"

	"github.com/sirupsen/logrus"
)

// LogAlertSink writes alerts to the structured log.
type LogAlertSink struct {
	Log logrus.FieldLogger
}

func (s LogAlertSink) Name() string {
	return "log"
}

func (s LogAlertSink) Send(_ context.Context, event *entity.SecurityEvent) error {
	entry := s.Log.WithFields(logrus.Fields{
		"event_id": event.ID,
		"type":     event.Type,
		"severity": event.Severity,
	})
	if event.UserID != nil {
		entry = entry.WithField("user_id", *event.UserID)
	}
	if event.SessionID != nil {
		entry = entry.WithField("session_id", *event.SessionID)
	}
	if event.IPAddress != nil {
		entry = entry.WithField("ip", *event.IPAddress)
	}
	if event.Severity.AtLeast(entity.SeverityHigh) {
		entry.Warn(event.Description)
		return nil
	}
	entry.Info(event.Description)
	return nil
}

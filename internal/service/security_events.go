package service

import (
	"context"
	"fmt"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/metrics"
	"sessiontrust/internal/repository"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type EventInput struct {
	Type        entity.SecurityEventType
	Severity    entity.Severity
	UserID      *uuid.UUID
	SessionID   *uuid.UUID
	DeviceID    *uuid.UUID
	IPAddress   *string
	Description string
	Metadata    map[string]any
}

// SecurityEventRecorder appends security events and hands them to the alert
// queue. Enqueueing never blocks; when the queue is full the alert is dropped
// and the stored event remains.
type SecurityEventRecorder struct {
	events repository.SecurityEventRepository
	clock  Clock
	alerts chan entity.SecurityEvent
	log    logrus.FieldLogger
}

func NewSecurityEventRecorder(events repository.SecurityEventRepository, clock Clock, queueSize int, log logrus.FieldLogger) *SecurityEventRecorder {
	r := &SecurityEventRecorder{events: events, clock: clock, log: log}
	if queueSize > 0 {
		r.alerts = make(chan entity.SecurityEvent, queueSize)
	}
	return r
}

// Alerts is the queue drained by the AlertDispatcher. Nil when alerting is off.
func (r *SecurityEventRecorder) Alerts() <-chan entity.SecurityEvent {
	return r.alerts
}

func (r *SecurityEventRecorder) Record(ctx context.Context, in EventInput) (*entity.SecurityEvent, error) {
	var payload datatypes.JSON
	if len(in.Metadata) > 0 {
		bytes, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode event metadata: %w", err)
		}
		payload = datatypes.JSON(bytes)
	}
	event := entity.SecurityEvent{
		Type:        in.Type,
		Severity:    in.Severity,
		UserID:      in.UserID,
		SessionID:   in.SessionID,
		DeviceID:    in.DeviceID,
		IPAddress:   in.IPAddress,
		Description: in.Description,
		Metadata:    payload,
		CreatedAt:   r.clock.Now().UTC(),
	}
	if err := r.events.Create(ctx, &event); err != nil {
		return nil, storeError("record security event", err)
	}
	metrics.SecurityEvents.WithLabelValues(string(event.Type), string(event.Severity)).Inc()

	if r.alerts != nil {
		select {
		case r.alerts <- event:
		default:
			r.log.WithFields(logrus.Fields{
				"event_id": event.ID,
				"type":     event.Type,
			}).Warn("alert queue full, alert dropped")
		}
	}
	return &event, nil
}

// record is Record for callers that cannot act on a failure besides logging it.
func (r *SecurityEventRecorder) record(ctx context.Context, in EventInput) {
	if r == nil {
		return
	}
	if _, err := r.Record(ctx, in); err != nil {
		metrics.SideEffectFailures.WithLabelValues("security_event").Inc()
		r.log.WithError(err).WithField("type", in.Type).Error("record security event")
	}
}

func (r *SecurityEventRecorder) List(ctx context.Context, filter repository.SecurityEventFilter) ([]entity.SecurityEvent, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	events, err := r.events.List(ctx, filter)
	if err != nil {
		return nil, storeError("list security events", err)
	}
	return events, nil
}

func (r *SecurityEventRecorder) Resolve(ctx context.Context, id uuid.UUID, by *uuid.UUID) (*entity.SecurityEvent, error) {
	event, err := r.events.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("load security event", err)
	}
	if event == nil {
		return nil, ErrNotFound
	}
	if event.Resolved {
		return nil, fmt.Errorf("%w: event already resolved", ErrInvalidState)
	}
	now := r.clock.Now().UTC()
	ok, err := r.events.Resolve(ctx, id, by, now)
	if err != nil {
		return nil, storeError("resolve security event", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: event already resolved", ErrInvalidState)
	}
	event.Resolved = true
	event.ResolvedAt = &now
	event.ResolvedBy = by
	return event, nil
}

func (r *SecurityEventRecorder) CountUnresolvedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	count, err := r.events.Count(ctx, repository.SecurityEventFilter{UserID: &userID, UnresolvedOnly: true, Since: &since})
	if err != nil {
		return 0, storeError("count security events", err)
	}
	return count, nil
}

// ListSince returns events of the given types newer than since, newest first.
func (r *SecurityEventRecorder) ListSince(ctx context.Context, since time.Time, types ...entity.SecurityEventType) ([]entity.SecurityEvent, error) {
	events, err := r.events.List(ctx, repository.SecurityEventFilter{Types: types, Since: &since})
	if err != nil {
		return nil, storeError("list security events", err)
	}
	return events, nil
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

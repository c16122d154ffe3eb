package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sessiontrust/internal/entity"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	seen []entity.SecurityEventType
}

func (s *recordingSink) Name() string {
	return s.name
}

func (s *recordingSink) Send(_ context.Context, event *entity.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, event.Type)
	return s.err
}

func (s *recordingSink) received() []entity.SecurityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.SecurityEventType(nil), s.seen...)
}

func TestDispatchRoutesBySeverity(t *testing.T) {
	all := &recordingSink{name: "all"}
	pager := &recordingSink{name: "pager", err: errors.New("pager down")}
	severe := &recordingSink{name: "severe"}

	d := NewAlertDispatcher(nil, time.Second, quietLogger())
	d.AddSink(pager, entity.SeverityHigh)
	d.AddSink(all, entity.SeverityLow)
	d.AddSink(severe, entity.SeverityHigh)

	ctx := context.Background()
	d.Dispatch(ctx, &entity.SecurityEvent{Type: entity.EventFailedLogin, Severity: entity.SeverityLow})
	d.Dispatch(ctx, &entity.SecurityEvent{Type: entity.EventLoginBlocked, Severity: entity.SeverityHigh})
	d.Dispatch(ctx, &entity.SecurityEvent{Type: entity.EventCoordinatedBurst, Severity: entity.SeverityCritical})

	assert.Equal(t, []entity.SecurityEventType{entity.EventFailedLogin, entity.EventLoginBlocked, entity.EventCoordinatedBurst}, all.received())
	assert.Equal(t, []entity.SecurityEventType{entity.EventLoginBlocked, entity.EventCoordinatedBurst}, pager.received())
	assert.Equal(t, pager.received(), severe.received(), "a failing sink does not starve the next one")
}

func TestRecorderDropsAlertsWhenQueueIsFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	recorder := NewSecurityEventRecorder(env.eventStore, env.clock, 1, quietLogger())

	_, err := recorder.Record(ctx, EventInput{Type: entity.EventFailedLogin, Severity: entity.SeverityLow, Description: "first"})
	require.NoError(t, err)
	_, err = recorder.Record(ctx, EventInput{Type: entity.EventFailedLogin, Severity: entity.SeverityLow, Description: "second"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), env.countEvents(entity.EventFailedLogin), "dropped alerts are still stored")
	require.Len(t, recorder.Alerts(), 1)
	queued := <-recorder.Alerts()
	assert.Equal(t, "first", queued.Description)
}

func TestDispatcherServeDrainsQueue(t *testing.T) {
	env := newTestEnv(t)
	recorder := NewSecurityEventRecorder(env.eventStore, env.clock, 8, quietLogger())
	sink := &recordingSink{name: "memory"}
	d := NewAlertDispatcher(recorder.Alerts(), time.Second, quietLogger())
	d.AddSink(sink, entity.SeverityMedium)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	_, err := recorder.Record(context.Background(), EventInput{Type: entity.EventFailedLogin, Severity: entity.SeverityLow})
	require.NoError(t, err)
	_, err = recorder.Record(context.Background(), EventInput{Type: entity.EventMFAExhausted, Severity: entity.SeverityHigh})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []entity.SecurityEventType{entity.EventMFAExhausted}, sink.received())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWebhookSinkPostsEvent(t *testing.T) {
	var got webhookPayload
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink := NewWebhookAlertSink(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer hook-token"},
	}, quietLogger())
	event := &entity.SecurityEvent{
		Type:        entity.EventImpossibleTravel,
		Severity:    entity.SeverityHigh,
		Description: "Berlin and Tokyo ten minutes apart",
		CreatedAt:   tuesdayMorning,
	}
	require.NoError(t, sink.Send(context.Background(), event))

	assert.Equal(t, "Bearer hook-token", auth)
	assert.Equal(t, "impossible_travel", got.EventType)
	assert.Equal(t, "sessiontrust", got.Source)
	assert.True(t, got.Timestamp.Equal(tuesdayMorning))
}

func TestWebhookSinkOpensBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink := NewWebhookAlertSink(WebhookConfig{URL: server.URL, FailureThreshold: 2, OpenTimeout: time.Hour}, quietLogger())
	event := &entity.SecurityEvent{Type: entity.EventSessionBlocked, Severity: entity.SeverityHigh}

	for i := 0; i < 2; i++ {
		err := sink.Send(context.Background(), event)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
	}
	err := sink.Send(context.Background(), event)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}

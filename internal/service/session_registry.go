package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/metrics"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/risk"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type RegistryConfig struct {
	ActivityTimeout time.Duration
	Travel          risk.TravelPolicy
	// BlockOnImpossibleTravel closes a new session that conflicts with another
	// active one instead of only raising an event.
	BlockOnImpossibleTravel bool
	// LowRiskBelow is the score under which a cleanly closed session counts as
	// low risk for its device.
	LowRiskBelow float64
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		ActivityTimeout: 30 * time.Minute,
		Travel:          risk.DefaultTravelPolicy(),
		LowRiskBelow:    0.4,
	}
}

type OpenInput struct {
	UserID     uuid.UUID
	DeviceID   uuid.UUID
	Location   risk.Location
	IPAddress  *string
	UserAgent  *string
	Assessment risk.Assessment
	// MFAVerifiedAt marks a session opened after a passed step-up challenge.
	MFAVerifiedAt *time.Time
}

// TravelConflict is another active session the new one cannot coexist with.
type TravelConflict struct {
	SessionID  uuid.UUID     `json:"session_id"`
	Country    string        `json:"country"`
	City       string        `json:"city,omitempty"`
	DistanceKm float64       `json:"distance_km,omitempty"`
	SpeedKmh   float64       `json:"speed_kmh,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

type ClosedSession struct {
	Session  entity.Session
	Baseline *risk.Profile
	Device   *entity.Device
}

// SessionRegistry tracks session lifetimes and drives what closing a session
// means for the user's baseline and the device's trust.
type SessionRegistry struct {
	sessions  repository.SessionRepository
	baselines *BaselineStore
	ledger    *DeviceLedger
	events    *SecurityEventRecorder
	clock     Clock
	cfg       RegistryConfig
	log       logrus.FieldLogger

	locks keyedMutex
}

func NewSessionRegistry(
	sessions repository.SessionRepository,
	baselines *BaselineStore,
	ledger *DeviceLedger,
	events *SecurityEventRecorder,
	clock Clock,
	cfg RegistryConfig,
	log logrus.FieldLogger,
) *SessionRegistry {
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = 30 * time.Minute
	}
	return &SessionRegistry{
		sessions:  sessions,
		baselines: baselines,
		ledger:    ledger,
		events:    events,
		clock:     clock,
		cfg:       cfg,
		log:       log,
	}
}

func (r *SessionRegistry) Config() RegistryConfig {
	return r.cfg
}

// Open starts a session and checks it against the user's other active
// sessions. Conflicts raise impossible_travel events; with
// BlockOnImpossibleTravel the new session is closed again and
// ErrImpossibleTravel is returned along with it.
func (r *SessionRegistry) Open(ctx context.Context, in OpenInput) (*entity.Session, []TravelConflict, error) {
	if in.UserID == uuid.Nil {
		return nil, nil, invalid("user_id", "required")
	}
	if in.DeviceID == uuid.Nil {
		return nil, nil, invalid("device_id", "required")
	}
	now := r.clock.Now().UTC()

	open, err := r.sessions.ListOpenByUser(ctx, in.UserID)
	if err != nil {
		return nil, nil, storeError("list active sessions", err)
	}

	session := &entity.Session{
		UserID:         in.UserID,
		DeviceID:       in.DeviceID,
		Country:        in.Location.CountryKey(),
		City:           in.Location.City,
		Latitude:       in.Location.Latitude,
		Longitude:      in.Location.Longitude,
		IPAddress:      in.IPAddress,
		UserAgent:      in.UserAgent,
		LastActivityAt: now,
		Endpoints:      map[string]int{},
		RiskScore:      in.Assessment.Score,
		RiskReasons:    in.Assessment.ReasonStrings(),
		MFAVerifiedAt:  in.MFAVerifiedAt,
		CreatedAt:      now,
	}
	if err := r.sessions.Create(ctx, session); err != nil {
		return nil, nil, storeError("create session", err)
	}

	conflicts := r.travelConflicts(session, open, now)
	if len(conflicts) == 0 {
		return session, nil, nil
	}

	for _, c := range conflicts {
		r.events.record(ctx, EventInput{
			Type:        entity.EventImpossibleTravel,
			Severity:    entity.SeverityHigh,
			UserID:      uuidPtr(session.UserID),
			SessionID:   uuidPtr(session.ID),
			DeviceID:    uuidPtr(session.DeviceID),
			IPAddress:   session.IPAddress,
			Description: fmt.Sprintf("session from %s overlaps active session %s from %s", in.Location.Place(), c.SessionID, c.Country),
			Metadata: map[string]any{
				"other_session_id": c.SessionID,
				"other_country":    c.Country,
				"other_city":       c.City,
				"distance_km":      c.DistanceKm,
				"speed_kmh":        c.SpeedKmh,
				"elapsed_seconds":  c.Elapsed.Seconds(),
			},
		})
	}
	if err := r.baselines.RecordAnomaly(ctx, session.UserID, now); err != nil {
		r.sideEffectFailed("record_anomaly", session.ID, err)
	}

	if r.cfg.BlockOnImpossibleTravel {
		if _, err := r.Close(ctx, session.ID, entity.CloseTravel); err != nil {
			return nil, conflicts, err
		}
		closedAt := now
		session.ClosedAt = &closedAt
		session.CloseReason = entity.CloseTravel
		return session, conflicts, fmt.Errorf("%w: %d conflicting sessions", ErrImpossibleTravel, len(conflicts))
	}
	return session, conflicts, nil
}

func (r *SessionRegistry) travelConflicts(session *entity.Session, open []entity.Session, now time.Time) []TravelConflict {
	here := locationOf(session)
	var conflicts []TravelConflict
	for i := range open {
		other := &open[i]
		if !other.IsActive(now, r.cfg.ActivityTimeout) {
			continue
		}
		finding, impossible := risk.ImpossibleTravel(locationOf(other), here, now.Sub(other.LastActivityAt), r.cfg.Travel)
		if !impossible {
			continue
		}
		conflicts = append(conflicts, TravelConflict{
			SessionID:  other.ID,
			Country:    other.Country,
			City:       other.City,
			DistanceKm: finding.DistanceKm,
			SpeedKmh:   finite(finding.SpeedKmh),
			Elapsed:    finding.Elapsed,
		})
	}
	return conflicts
}

// Touch records activity on an open session. The activity time never moves
// backwards and is capped at the current time. A session waiting on a step-up
// challenge is refused with ErrStepUpRequired until it is answered.
func (r *SessionRegistry) Touch(ctx context.Context, sessionID uuid.UUID, at time.Time, endpoint string) (*entity.Session, error) {
	unlock := r.locks.Lock(sessionID.String())
	defer unlock()

	session, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, storeError("load session", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if session.ClosedAt != nil {
		return nil, fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	now := r.clock.Now().UTC()
	if !session.IsActive(now, r.cfg.ActivityTimeout) {
		return nil, fmt.Errorf("%w: session expired", ErrInvalidState)
	}
	if session.StepUpRequired {
		return nil, ErrStepUpRequired
	}

	if at.IsZero() || at.After(now) {
		at = now
	}
	if at.After(session.LastActivityAt) {
		session.LastActivityAt = at.UTC()
	}
	session.RequestCount++
	if endpoint != "" {
		if session.Endpoints == nil {
			session.Endpoints = map[string]int{}
		}
		session.Endpoints[endpoint]++
	}

	ok, err := r.sessions.UpdateActivity(ctx, session)
	if err != nil {
		return nil, storeError("update session", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	return session, nil
}

// Close ends a session exactly once. Sessions ending normally feed the user's
// baseline and count as low-risk use of their device; sessions ended for risk
// do neither.
func (r *SessionRegistry) Close(ctx context.Context, sessionID uuid.UUID, reason entity.CloseReason) (*ClosedSession, error) {
	unlock := r.locks.Lock(sessionID.String())
	defer unlock()

	session, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, storeError("load session", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if session.ClosedAt != nil {
		return nil, fmt.Errorf("%w: session already closed", ErrInvalidState)
	}

	now := r.clock.Now().UTC()
	ok, err := r.sessions.Close(ctx, sessionID, now, reason)
	if err != nil {
		return nil, storeError("close session", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session already closed", ErrInvalidState)
	}
	session.ClosedAt = &now
	session.CloseReason = reason

	closed := &ClosedSession{Session: *session}
	if reason != entity.CloseLogout && reason != entity.CloseTimeout {
		return closed, nil
	}

	baseline, err := r.baselines.Update(ctx, session.UserID, observationFromSession(session))
	if err != nil {
		r.sideEffectFailed("baseline_update", session.ID, err)
	} else {
		closed.Baseline = baseline
	}

	if session.RiskScore >= r.cfg.LowRiskBelow || session.StepUpRequired {
		return closed, nil
	}
	device, err := r.ledger.Transition(ctx, session.DeviceID, entity.TrustEventLowRiskSession, TrustCause{
		SessionID: uuidPtr(session.ID),
		RiskScore: session.RiskScore,
		Reasons:   session.RiskReasons,
		Note:      "session closed: " + string(reason),
	})
	if err != nil {
		r.sideEffectFailed("device_low_risk", session.ID, err)
	} else {
		closed.Device = device
	}
	return closed, nil
}

func (r *SessionRegistry) Get(ctx context.Context, sessionID uuid.UUID) (*entity.Session, error) {
	session, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, storeError("load session", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	return session, nil
}

// ListActive returns the user's open sessions that have not timed out.
func (r *SessionRegistry) ListActive(ctx context.Context, userID uuid.UUID) ([]entity.Session, error) {
	open, err := r.sessions.ListOpenByUser(ctx, userID)
	if err != nil {
		return nil, storeError("list active sessions", err)
	}
	now := r.clock.Now().UTC()
	active := make([]entity.Session, 0, len(open))
	for i := range open {
		if open[i].IsActive(now, r.cfg.ActivityTimeout) {
			active = append(active, open[i])
		}
	}
	return active, nil
}

func (r *SessionRegistry) UpdateRisk(ctx context.Context, sessionID uuid.UUID, assessment risk.Assessment, stepUp bool) error {
	if err := r.sessions.UpdateRisk(ctx, sessionID, assessment.Score, assessment.ReasonStrings(), stepUp); err != nil {
		return storeError("update session risk", err)
	}
	return nil
}

// CompleteStepUp lifts the step-up requirement of an open session.
func (r *SessionRegistry) CompleteStepUp(ctx context.Context, sessionID uuid.UUID, at time.Time) (*entity.Session, error) {
	unlock := r.locks.Lock(sessionID.String())
	defer unlock()

	ok, err := r.sessions.CompleteStepUp(ctx, sessionID, at.UTC())
	if err != nil {
		return nil, storeError("complete step-up", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	return r.Get(ctx, sessionID)
}

func (r *SessionRegistry) sideEffectFailed(op string, sessionID uuid.UUID, err error) {
	metrics.SideEffectFailures.WithLabelValues(op).Inc()
	r.log.WithError(err).WithFields(logrus.Fields{"session_id": sessionID, "op": op}).Warn("session follow-up failed")
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return 0
	}
	return v
}

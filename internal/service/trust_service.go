package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/metrics"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/risk"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type TrustConfig struct {
	// AnalyticsWindow bounds the unresolved events that lower the security score.
	AnalyticsWindow time.Duration
}

func DefaultTrustConfig() TrustConfig {
	return TrustConfig{AnalyticsWindow: 30 * 24 * time.Hour}
}

type LoginInput struct {
	UserID    uuid.UUID
	Device    DeviceSignal
	IPAddress string
	Location  risk.Location
}

type LoginResult struct {
	Decision    risk.Decision
	Risk        risk.Assessment
	Session     *entity.Session
	Device      *entity.Device
	Challenge   *IssuedChallenge
	AccessToken string
	ExpiresIn   time.Duration
	Travel      []TravelConflict
}

type DeviceSummary struct {
	ID          uuid.UUID           `json:"id"`
	Name        string              `json:"name,omitempty"`
	Status      entity.DeviceStatus `json:"status"`
	TrustScore  float64             `json:"trust_score"`
	FirstSeenAt time.Time           `json:"first_seen_at"`
	LastSeenAt  time.Time           `json:"last_seen_at"`
}

type SessionAnalytics struct {
	TotalSessions    int64
	ActiveSessions   int
	Devices          []DeviceSummary
	Locations        []string
	AvgDuration      time.Duration
	SecurityScore    int
	UnresolvedEvents int64
	MFAEnabled       bool
}

// TrustService is the entry point used by the authentication layer and the
// dashboards. Internal failures on the login path never produce allow.
type TrustService struct {
	users      repository.UserRepository
	sessions   repository.SessionRepository
	secrets    repository.MFASecretRepository
	registry   *SessionRegistry
	ledger     *DeviceLedger
	baselines  *BaselineStore
	scorer     *risk.Scorer
	challenges *MFAChallengeService
	events     *SecurityEventRecorder
	tokens     SessionTokenIssuer
	clock      Clock
	config     TrustConfig
	log        logrus.FieldLogger

	attempts *risk.BurstTracker
}

func NewTrustService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	secrets repository.MFASecretRepository,
	registry *SessionRegistry,
	ledger *DeviceLedger,
	baselines *BaselineStore,
	scorer *risk.Scorer,
	challenges *MFAChallengeService,
	events *SecurityEventRecorder,
	tokens SessionTokenIssuer,
	clock Clock,
	config TrustConfig,
	log logrus.FieldLogger,
) *TrustService {
	return &TrustService{
		users:      users,
		sessions:   sessions,
		secrets:    secrets,
		registry:   registry,
		ledger:     ledger,
		baselines:  baselines,
		scorer:     scorer,
		challenges: challenges,
		events:     events,
		tokens:     tokens,
		clock:      clock,
		config:     config,
		log:        log,
		attempts:   risk.NewBurstTracker(scorer.Config().BurstWindow),
	}
}

// Attempts exposes the per-user login attempt window shared with the monitor.
func (s *TrustService) Attempts() *risk.BurstTracker {
	return s.attempts
}

// EvaluateLogin scores a login that the authentication layer has already
// verified and decides whether to allow it, challenge it or block it.
func (s *TrustService) EvaluateLogin(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if in.UserID == uuid.Nil {
		return nil, invalid("user_id", "required")
	}
	if strings.TrimSpace(in.Device.Fingerprint) == "" {
		return nil, invalid("fingerprint", "required")
	}
	in.Device.IPAddress = in.IPAddress
	now := s.clock.Now().UTC()

	user, err := s.users.FindByID(ctx, in.UserID)
	if err != nil {
		return s.failClosed(ctx, nil, nil, in, storeError("load user", err)), nil
	}
	if user == nil {
		return nil, ErrNotFound
	}

	device, err := s.ledger.RegisterOrTouch(ctx, user.ID, in.Device)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
		return s.failClosed(ctx, user, nil, in, err), nil
	}
	if device.Status == entity.DeviceBlocked {
		return s.block(ctx, user, device, in, risk.Blocked(), nil), nil
	}

	opens := s.recentOpens(ctx, user.ID, now)

	degraded := false
	baseline, err := s.baselines.Get(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			degraded = true
			s.log.WithError(err).WithField("user_id", user.ID).Warn("baseline unavailable, scoring without it")
		}
		baseline = nil
	}

	assessment := s.scorer.Score(risk.Input{
		At:                now,
		Location:          in.Location,
		DeviceTrust:       s.ledger.EvaluateTrust(device, now),
		DeviceEstablished: device.Status != entity.DeviceUnknown,
		DeviceUntrusted:   device.Status == entity.DeviceUntrusted,
		RecentOpens:       opens,
	}, baseline)
	decision := s.scorer.Decide(assessment.Score)
	if degraded {
		assessment = assessment.Degrade()
		decision = decision.Stricter(risk.DecisionChallenge)
	}
	metrics.RiskScores.WithLabelValues("login").Observe(assessment.Score)

	switch decision {
	case risk.DecisionBlock:
		return s.block(ctx, user, device, in, assessment, nil), nil
	case risk.DecisionChallenge:
		return s.challenge(ctx, user, device, in, assessment, !degraded), nil
	}
	return s.allow(ctx, user, device, in, assessment, baseline == nil && !degraded), nil
}

// VerifyChallenge completes a step-up challenge and opens the session the
// challenged login asked for. A challenge issued to an open session lifts that
// session's step-up requirement instead.
func (s *TrustService) VerifyChallenge(ctx context.Context, token string, code string) (*LoginResult, error) {
	if strings.TrimSpace(token) == "" {
		return nil, invalid("token", "required")
	}
	challenge, err := s.challenges.Verify(ctx, token, code)
	if err != nil {
		return nil, err
	}
	if challenge.SessionID != nil {
		session, err := s.completeStepUp(ctx, challenge)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			Decision: risk.DecisionAllow,
			Risk:     risk.Assessment{Score: session.RiskScore},
			Session:  session,
		}, nil
	}
	user, err := s.users.FindByID(ctx, challenge.UserID)
	if err != nil {
		return nil, storeError("load user", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}

	assessment := risk.Assessment{Score: challenge.RiskScore}
	in := LoginInput{
		UserID: user.ID,
		Location: risk.Location{
			Country:   challenge.Country,
			City:      challenge.City,
			Latitude:  challenge.Latitude,
			Longitude: challenge.Longitude,
		},
	}
	if challenge.IPAddress != nil {
		in.IPAddress = *challenge.IPAddress
	}
	if challenge.DeviceID == nil {
		return nil, fmt.Errorf("%w: challenge has no device", ErrInvalidState)
	}

	device, err := s.ledger.Transition(ctx, *challenge.DeviceID, entity.TrustEventConfirmed, TrustCause{
		RiskScore: challenge.RiskScore,
		Note:      "step-up challenge verified",
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		device, err = s.ledger.Get(ctx, *challenge.DeviceID)
		if err != nil {
			return nil, err
		}
		if device.Status == entity.DeviceBlocked {
			return s.block(ctx, user, device, in, risk.Blocked(), nil), nil
		}
	}

	verifiedAt := s.clock.Now().UTC()
	return s.open(ctx, user, device, in, assessment, &verifiedAt)
}

// VerifySessionStepUp answers the challenge raised for an open session whose
// risk rose. Exhausting the challenge revokes the session.
func (s *TrustService) VerifySessionStepUp(ctx context.Context, userID uuid.UUID, sessionID uuid.UUID, code string) (*entity.Session, error) {
	if err := s.ownSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	challenge, err := s.challenges.VerifyForSession(ctx, sessionID, code)
	if err != nil {
		if errors.Is(err, ErrChallengeExhausted) {
			s.revokeStepUp(ctx, sessionID)
		}
		return nil, err
	}
	return s.completeStepUp(ctx, challenge)
}

func (s *TrustService) completeStepUp(ctx context.Context, challenge *entity.MFAChallenge) (*entity.Session, error) {
	if challenge.DeviceID != nil {
		_, err := s.ledger.Transition(ctx, *challenge.DeviceID, entity.TrustEventConfirmed, TrustCause{
			RiskScore: challenge.RiskScore,
			Note:      "session step-up verified",
		})
		if err != nil && !errors.Is(err, ErrInvalidState) {
			metrics.SideEffectFailures.WithLabelValues("device_confirm").Inc()
			s.log.WithError(err).WithField("device_id", *challenge.DeviceID).Warn("confirm device after step-up")
		}
	}
	return s.registry.CompleteStepUp(ctx, *challenge.SessionID, s.clock.Now())
}

// revokeStepUp closes a session whose step-up challenge ran out of attempts.
func (s *TrustService) revokeStepUp(ctx context.Context, sessionID uuid.UUID) {
	_, err := s.registry.Close(ctx, sessionID, entity.CloseRiskBlock)
	if err != nil && !errors.Is(err, ErrInvalidState) {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("revoke session after failed step-up")
	}
}

func (s *TrustService) TouchSession(ctx context.Context, userID uuid.UUID, sessionID uuid.UUID, endpoint string) (*entity.Session, error) {
	if err := s.ownSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.registry.Touch(ctx, sessionID, s.clock.Now(), endpoint)
}

func (s *TrustService) EndSession(ctx context.Context, userID uuid.UUID, sessionID uuid.UUID) (*ClosedSession, error) {
	if err := s.ownSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.registry.Close(ctx, sessionID, entity.CloseLogout)
}

func (s *TrustService) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]entity.Session, error) {
	return s.registry.ListActive(ctx, userID)
}

// RecordFailedLogin is reported by the authentication layer for rejected credentials.
func (s *TrustService) RecordFailedLogin(ctx context.Context, userID uuid.UUID, ipAddress string) error {
	if userID == uuid.Nil {
		return invalid("user_id", "required")
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return storeError("load user", err)
	}
	if user == nil {
		return ErrNotFound
	}
	if err := s.baselines.RecordFailedLogin(ctx, userID); err != nil {
		return err
	}
	_, err = s.events.Record(ctx, EventInput{
		Type:        entity.EventFailedLogin,
		Severity:    entity.SeverityLow,
		UserID:      uuidPtr(userID),
		IPAddress:   optionalString(ipAddress),
		Description: "failed login attempt",
	})
	return err
}

// BlockDevice blocks a device on an administrator's request and revokes its
// active sessions.
func (s *TrustService) BlockDevice(ctx context.Context, adminID uuid.UUID, deviceID uuid.UUID, note string) (*entity.Device, error) {
	device, err := s.ledger.Transition(ctx, deviceID, entity.TrustEventAdminBlock, TrustCause{ActorID: uuidPtr(adminID), Note: note})
	if err != nil {
		return nil, err
	}
	open, err := s.registry.ListActive(ctx, device.UserID)
	if err != nil {
		return device, err
	}
	for i := range open {
		if open[i].DeviceID != device.ID {
			continue
		}
		if _, err := s.registry.Close(ctx, open[i].ID, entity.CloseRevoked); err != nil && !errors.Is(err, ErrInvalidState) {
			s.log.WithError(err).WithField("session_id", open[i].ID).Warn("revoke session of blocked device")
		}
	}
	return device, nil
}

func (s *TrustService) UnblockDevice(ctx context.Context, adminID uuid.UUID, deviceID uuid.UUID, note string) (*entity.Device, error) {
	return s.ledger.Transition(ctx, deviceID, entity.TrustEventAdminUnblock, TrustCause{ActorID: uuidPtr(adminID), Note: note})
}

func (s *TrustService) ListSecurityEvents(ctx context.Context, filter repository.SecurityEventFilter) ([]entity.SecurityEvent, error) {
	return s.events.List(ctx, filter)
}

func (s *TrustService) ResolveSecurityEvent(ctx context.Context, adminID uuid.UUID, eventID uuid.UUID) (*entity.SecurityEvent, error) {
	return s.events.Resolve(ctx, eventID, uuidPtr(adminID))
}

// GetSessionAnalytics summarizes a user's sessions and devices for dashboards.
// The security score starts from the mean device trust, loses five points per
// recent unresolved security event (at most fifty) and gains ten for MFA.
func (s *TrustService) GetSessionAnalytics(ctx context.Context, userID uuid.UUID) (*SessionAnalytics, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, storeError("load user", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	now := s.clock.Now().UTC()

	total, err := s.sessions.CountByUser(ctx, userID)
	if err != nil {
		return nil, storeError("count sessions", err)
	}
	active, err := s.registry.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	devices, err := s.ledger.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	places, err := s.sessions.ListPlacesByUser(ctx, userID)
	if err != nil {
		return nil, storeError("list locations", err)
	}
	closed, err := s.sessions.ListClosedByUser(ctx, userID, 500)
	if err != nil {
		return nil, storeError("list closed sessions", err)
	}
	unresolved, err := s.events.CountUnresolvedSince(ctx, userID, now.Add(-s.config.AnalyticsWindow))
	if err != nil {
		return nil, err
	}
	secret, err := s.secrets.FindByUserID(ctx, userID)
	if err != nil {
		return nil, storeError("load mfa secret", err)
	}

	out := &SessionAnalytics{
		TotalSessions:    total,
		ActiveSessions:   len(active),
		Devices:          make([]DeviceSummary, 0, len(devices)),
		Locations:        make([]string, 0, len(places)),
		UnresolvedEvents: unresolved,
		MFAEnabled:       secret != nil && secret.EnabledAt != nil,
	}

	trustSum := 0.0
	for i := range devices {
		d := &devices[i]
		trust := s.ledger.EvaluateTrust(d, now)
		trustSum += trust
		out.Devices = append(out.Devices, DeviceSummary{
			ID:          d.ID,
			Name:        d.Name,
			Status:      d.Status,
			TrustScore:  math.Round(trust*1000) / 1000,
			FirstSeenAt: d.FirstSeenAt,
			LastSeenAt:  d.LastSeenAt,
		})
	}
	for _, p := range places {
		out.Locations = append(out.Locations, risk.Location{Country: p.Country, City: p.City}.Place())
	}
	if len(closed) > 0 {
		var sum time.Duration
		for i := range closed {
			sum += closed[i].Duration()
		}
		out.AvgDuration = sum / time.Duration(len(closed))
	}

	meanTrust := 0.5
	if len(devices) > 0 {
		meanTrust = trustSum / float64(len(devices))
	}
	score := meanTrust*100 - math.Min(float64(unresolved)*5, 50)
	if out.MFAEnabled {
		score += 10
	}
	out.SecurityScore = int(math.Round(math.Max(0, math.Min(100, score))))
	return out, nil
}

func (s *TrustService) allow(ctx context.Context, user *entity.User, device *entity.Device, in LoginInput, assessment risk.Assessment, seed bool) *LoginResult {
	result, err := s.open(ctx, user, device, in, assessment, nil)
	if err != nil {
		return s.failClosed(ctx, user, device, in, err)
	}
	if seed && result.Session != nil {
		obs := risk.Observation{At: result.Session.CreatedAt, Location: in.Location}
		if err := s.baselines.Seed(ctx, user.ID, obs); err != nil {
			s.log.WithError(err).WithField("user_id", user.ID).Warn("seed baseline")
		}
	}
	return result
}

// open starts the session for an accepted login. A session refused for
// impossible travel turns the result into a block.
func (s *TrustService) open(ctx context.Context, user *entity.User, device *entity.Device, in LoginInput, assessment risk.Assessment, verifiedAt *time.Time) (*LoginResult, error) {
	session, conflicts, err := s.registry.Open(ctx, OpenInput{
		UserID:        user.ID,
		DeviceID:      device.ID,
		Location:      in.Location,
		IPAddress:     optionalString(in.IPAddress),
		UserAgent:     device.UserAgent,
		Assessment:    assessment,
		MFAVerifiedAt: verifiedAt,
	})
	if errors.Is(err, ErrImpossibleTravel) {
		return s.block(ctx, user, device, in, assessment, conflicts), nil
	}
	if err != nil {
		return nil, err
	}

	result := &LoginResult{
		Decision: risk.DecisionAllow,
		Risk:     assessment,
		Session:  session,
		Device:   device,
		Travel:   conflicts,
	}
	if s.tokens != nil {
		token, ttl, err := s.tokens.IssueSessionToken(*user, session.ID)
		if err != nil {
			s.log.WithError(err).WithField("session_id", session.ID).Error("issue session token")
		} else {
			result.AccessToken = token
			result.ExpiresIn = ttl
		}
	}
	metrics.LoginDecisions.WithLabelValues(string(risk.DecisionAllow)).Inc()
	return result, nil
}

// challenge issues a step-up challenge. penalize is false for challenges
// raised by internal failures.
func (s *TrustService) challenge(ctx context.Context, user *entity.User, device *entity.Device, in LoginInput, assessment risk.Assessment, penalize bool) *LoginResult {
	now := s.clock.Now().UTC()
	result := &LoginResult{Decision: risk.DecisionChallenge, Risk: assessment, Device: device}
	metrics.LoginDecisions.WithLabelValues(string(risk.DecisionChallenge)).Inc()

	var deviceID uuid.UUID
	if device != nil {
		deviceID = device.ID
	}
	if user != nil && device != nil {
		issued, err := s.challenges.Issue(ctx, IssueInput{
			User:      user,
			DeviceID:  deviceID,
			Location:  in.Location,
			IPAddress: optionalString(in.IPAddress),
			RiskScore: assessment.Score,
		})
		if err != nil {
			s.log.WithError(err).WithField("user_id", user.ID).Error("issue mfa challenge")
		}
		result.Challenge = issued
	}

	s.events.record(ctx, EventInput{
		Type:        entity.EventLoginChallenged,
		Severity:    entity.SeverityMedium,
		UserID:      uuidPtr(in.UserID),
		DeviceID:    uuidPtr(deviceID),
		IPAddress:   optionalString(in.IPAddress),
		Description: fmt.Sprintf("login challenged with risk %.2f", assessment.Score),
		Metadata:    map[string]any{"score": assessment.Score, "reasons": assessment.ReasonStrings(), "location": in.Location.Place()},
	})
	if !penalize || device == nil {
		return result
	}
	s.penalize(ctx, device, entity.TrustEventMediumRisk, assessment, now)
	return result
}

func (s *TrustService) block(ctx context.Context, user *entity.User, device *entity.Device, in LoginInput, assessment risk.Assessment, travel []TravelConflict) *LoginResult {
	now := s.clock.Now().UTC()
	metrics.LoginDecisions.WithLabelValues(string(risk.DecisionBlock)).Inc()
	s.events.record(ctx, EventInput{
		Type:        entity.EventLoginBlocked,
		Severity:    entity.SeverityHigh,
		UserID:      uuidPtr(user.ID),
		DeviceID:    uuidPtr(device.ID),
		IPAddress:   optionalString(in.IPAddress),
		Description: fmt.Sprintf("login blocked with risk %.2f", assessment.Score),
		Metadata:    map[string]any{"score": assessment.Score, "reasons": assessment.ReasonStrings(), "location": in.Location.Place()},
	})
	if device.Status != entity.DeviceBlocked {
		s.penalize(ctx, device, entity.TrustEventHighRisk, assessment, now)
	}
	return &LoginResult{Decision: risk.DecisionBlock, Risk: assessment, Device: device, Travel: travel}
}

func (s *TrustService) penalize(ctx context.Context, device *entity.Device, event entity.TrustEvent, assessment risk.Assessment, now time.Time) {
	updated, err := s.ledger.Transition(ctx, device.ID, event, TrustCause{
		RiskScore: assessment.Score,
		Reasons:   assessment.ReasonStrings(),
		Note:      "login " + string(s.scorer.Decide(assessment.Score)),
	})
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues("device_risk").Inc()
		s.log.WithError(err).WithField("device_id", device.ID).Warn("device risk transition")
	} else {
		*device = *updated
	}
	if err := s.baselines.RecordAnomaly(ctx, device.UserID, now); err != nil {
		metrics.SideEffectFailures.WithLabelValues("record_anomaly").Inc()
		s.log.WithError(err).WithField("user_id", device.UserID).Warn("record anomaly")
	}
}

// failClosed turns an internal failure on the login path into a challenge.
func (s *TrustService) failClosed(ctx context.Context, user *entity.User, device *entity.Device, in LoginInput, cause error) *LoginResult {
	s.log.WithError(cause).WithField("user_id", in.UserID).Error("login evaluation degraded, failing closed")
	assessment := risk.Assessment{Reasons: []risk.Reason{}}.Degrade()
	return s.challenge(ctx, user, device, in, assessment, false)
}

// recentOpens counts this login attempt together with the user's other
// attempts in the burst window. Sessions opened through other processes are
// seen through the store.
func (s *TrustService) recentOpens(ctx context.Context, userID uuid.UUID, now time.Time) int {
	count := s.attempts.Record(userID.String(), now)
	stored, err := s.sessions.CountOpenedSince(ctx, userID, now.Add(-s.scorer.Config().BurstWindow))
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("count recent sessions")
		return count
	}
	if int(stored)+1 > count {
		count = int(stored) + 1
	}
	return count
}

func (s *TrustService) ownSession(ctx context.Context, userID uuid.UUID, sessionID uuid.UUID) error {
	session, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return ErrNotFound
	}
	return nil
}

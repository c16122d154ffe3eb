package service

import (
	"context"
	"fmt"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/metrics"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/risk"
	"sessiontrust/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ChallengeConfig struct {
	TTL         time.Duration
	MaxAttempts int
	CodeDigits  int
	// Retention is how long challenges are kept after they expire.
	Retention time.Duration
}

func DefaultChallengeConfig() ChallengeConfig {
	return ChallengeConfig{
		TTL:         5 * time.Minute,
		MaxAttempts: 3,
		CodeDigits:  6,
		Retention:   24 * time.Hour,
	}
}

type ChallengeMethod string

const (
	ChallengeMethodTOTP  ChallengeMethod = "totp"
	ChallengeMethodEmail ChallengeMethod = "email"
)

type IssueInput struct {
	User     *entity.User
	DeviceID uuid.UUID
	// SessionID binds the challenge to an open session that must step up.
	SessionID uuid.UUID
	Location  risk.Location
	IPAddress *string
	RiskScore float64
}

type IssuedChallenge struct {
	ID          uuid.UUID
	Token       string
	Method      ChallengeMethod
	ExpiresAt   time.Time
	MaxAttempts int
}

// MFAChallengeService issues and verifies single-use step-up challenges.
type MFAChallengeService struct {
	challenges repository.MFAChallengeRepository
	secrets    repository.MFASecretRepository
	tokens     ChallengeTokenIssuer
	totp       MFAProvider
	codes      CodeHasher
	delivery   CodeDelivery
	events     *SecurityEventRecorder
	clock      Clock
	cfg        ChallengeConfig
	log        logrus.FieldLogger
}

func NewMFAChallengeService(
	challenges repository.MFAChallengeRepository,
	secrets repository.MFASecretRepository,
	tokens ChallengeTokenIssuer,
	totp MFAProvider,
	codes CodeHasher,
	delivery CodeDelivery,
	events *SecurityEventRecorder,
	clock Clock,
	cfg ChallengeConfig,
	log logrus.FieldLogger,
) *MFAChallengeService {
	return &MFAChallengeService{
		challenges: challenges,
		secrets:    secrets,
		tokens:     tokens,
		totp:       totp,
		codes:      codes,
		delivery:   delivery,
		events:     events,
		clock:      clock,
		cfg:        cfg,
		log:        log,
	}
}

// Issue creates a pending challenge. Users with an enabled TOTP device answer
// with an authenticator code; everyone else is sent a one-time code.
func (s *MFAChallengeService) Issue(ctx context.Context, in IssueInput) (*IssuedChallenge, error) {
	now := s.clock.Now().UTC()
	challenge := &entity.MFAChallenge{
		ID:          uuid.New(),
		UserID:      in.User.ID,
		DeviceID:    uuidPtr(in.DeviceID),
		SessionID:   uuidPtr(in.SessionID),
		MaxAttempts: s.maxAttempts(),
		Status:      entity.ChallengePending,
		Country:     in.Location.CountryKey(),
		City:        in.Location.City,
		Latitude:    in.Location.Latitude,
		Longitude:   in.Location.Longitude,
		IPAddress:   in.IPAddress,
		RiskScore:   in.RiskScore,
		ExpiresAt:   now.Add(s.ttl()),
		CreatedAt:   now,
	}

	token, err := s.tokens.IssueChallengeToken(in.User.ID, challenge.ID, challenge.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("issue challenge token: %w", err)
	}
	challenge.TokenHash = utils.HashToken(token)

	method := ChallengeMethodTOTP
	var code string
	secret, err := s.secrets.FindByUserID(ctx, in.User.ID)
	if err != nil {
		return nil, storeError("load mfa secret", err)
	}
	if secret == nil || secret.EnabledAt == nil {
		method = ChallengeMethodEmail
		code, err = utils.GenerateNumericCode(s.cfg.CodeDigits)
		if err != nil {
			return nil, fmt.Errorf("generate challenge code: %w", err)
		}
		hash, err := s.codes.Hash(code)
		if err != nil {
			return nil, fmt.Errorf("hash challenge code: %w", err)
		}
		challenge.CodeHash = &hash
	}

	if err := s.challenges.Create(ctx, challenge); err != nil {
		return nil, storeError("create challenge", err)
	}

	if method == ChallengeMethodEmail {
		if s.delivery == nil {
			s.log.WithField("challenge_id", challenge.ID).Warn("no code delivery configured")
		} else if err := s.delivery.SendChallengeCode(ctx, in.User.Email, code, challenge.ExpiresAt); err != nil {
			s.log.WithError(err).WithField("challenge_id", challenge.ID).Warn("challenge code delivery failed")
		}
	}

	return &IssuedChallenge{
		ID:          challenge.ID,
		Token:       token,
		Method:      method,
		ExpiresAt:   challenge.ExpiresAt,
		MaxAttempts: challenge.MaxAttempts,
	}, nil
}

// Verify checks code against the challenge named by token. Each call consumes
// one attempt before the code is looked at. The call that uses the last
// attempt with a wrong code fails with ErrInvalidMFACode wrapping
// ErrChallengeExhausted; later calls fail with ErrChallengeExhausted.
func (s *MFAChallengeService) Verify(ctx context.Context, token string, code string) (*entity.MFAChallenge, error) {
	id, err := s.tokens.ParseChallengeToken(token)
	if err != nil {
		s.outcome("rejected")
		return nil, err
	}
	challenge, err := s.challenges.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("load challenge", err)
	}
	if challenge == nil || challenge.TokenHash != utils.HashToken(token) {
		s.outcome("rejected")
		return nil, ErrInvalidToken
	}
	return s.attempt(ctx, challenge, code)
}

// VerifyForSession answers the newest challenge issued for an open session.
// Attempts are counted exactly as in Verify.
func (s *MFAChallengeService) VerifyForSession(ctx context.Context, sessionID uuid.UUID, code string) (*entity.MFAChallenge, error) {
	challenge, err := s.challenges.FindLatestBySession(ctx, sessionID)
	if err != nil {
		return nil, storeError("load challenge", err)
	}
	if challenge == nil {
		return nil, fmt.Errorf("%w: no step-up challenge for session", ErrInvalidState)
	}
	return s.attempt(ctx, challenge, code)
}

// PendingForSession returns the session's challenge that can still be
// answered, or nil.
func (s *MFAChallengeService) PendingForSession(ctx context.Context, sessionID uuid.UUID) (*entity.MFAChallenge, error) {
	challenge, err := s.challenges.FindLatestBySession(ctx, sessionID)
	if err != nil {
		return nil, storeError("load challenge", err)
	}
	if challenge == nil || challenge.IsTerminal() || !s.clock.Now().Before(challenge.ExpiresAt) {
		return nil, nil
	}
	return challenge, nil
}

func (s *MFAChallengeService) attempt(ctx context.Context, challenge *entity.MFAChallenge, code string) (*entity.MFAChallenge, error) {
	now := s.clock.Now().UTC()
	if err := s.checkUsable(ctx, challenge, now); err != nil {
		return nil, err
	}

	ok, err := s.challenges.RegisterAttempt(ctx, challenge.ID, now)
	if err != nil {
		return nil, storeError("register attempt", err)
	}
	if !ok {
		// Lost a race with another attempt; report what the challenge is now.
		current, err := s.challenges.FindByID(ctx, challenge.ID)
		if err != nil {
			return nil, storeError("load challenge", err)
		}
		if current == nil {
			return nil, ErrInvalidToken
		}
		if err := s.checkUsable(ctx, current, now); err != nil {
			return nil, err
		}
		return nil, ErrChallengeExhausted
	}

	if !s.codeMatches(ctx, challenge, code, now) {
		exhausted, err := s.challenges.MarkExhausted(ctx, challenge.ID, now)
		if err != nil {
			return nil, storeError("update challenge", err)
		}
		s.failed(ctx, challenge, exhausted)
		if exhausted {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMFACode, ErrChallengeExhausted)
		}
		return nil, ErrInvalidMFACode
	}

	verified, err := s.challenges.MarkVerified(ctx, challenge.ID, now)
	if err != nil {
		return nil, storeError("update challenge", err)
	}
	if !verified {
		return nil, fmt.Errorf("%w: challenge already used", ErrInvalidState)
	}
	challenge.Status = entity.ChallengeVerified
	challenge.ResolvedAt = &now
	challenge.Attempts++
	s.outcome("verified")
	s.events.record(ctx, EventInput{
		Type:        entity.EventMFAVerified,
		Severity:    entity.SeverityLow,
		UserID:      uuidPtr(challenge.UserID),
		SessionID:   challenge.SessionID,
		DeviceID:    challenge.DeviceID,
		IPAddress:   challenge.IPAddress,
		Description: "step-up challenge verified",
		Metadata:    map[string]any{"challenge_id": challenge.ID, "risk_score": challenge.RiskScore},
	})
	return challenge, nil
}

// PurgeExpired deletes challenges that expired longer than the retention ago.
func (s *MFAChallengeService) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.Retention)
	n, err := s.challenges.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, storeError("purge challenges", err)
	}
	return n, nil
}

func (s *MFAChallengeService) checkUsable(ctx context.Context, c *entity.MFAChallenge, now time.Time) error {
	switch c.Status {
	case entity.ChallengeVerified:
		s.outcome("reused")
		return fmt.Errorf("%w: challenge already used", ErrInvalidState)
	case entity.ChallengeExhausted:
		s.outcome("exhausted")
		return ErrChallengeExhausted
	case entity.ChallengeExpired:
		s.outcome("expired")
		return ErrChallengeExpired
	}
	if !now.Before(c.ExpiresAt) {
		if _, err := s.challenges.MarkExpired(ctx, c.ID, now); err != nil {
			return storeError("expire challenge", err)
		}
		s.outcome("expired")
		return ErrChallengeExpired
	}
	if c.Attempts >= c.MaxAttempts {
		if _, err := s.challenges.MarkExhausted(ctx, c.ID, now); err != nil {
			return storeError("update challenge", err)
		}
		s.outcome("exhausted")
		return ErrChallengeExhausted
	}
	return nil
}

func (s *MFAChallengeService) codeMatches(ctx context.Context, c *entity.MFAChallenge, code string, now time.Time) bool {
	if code == "" {
		return false
	}
	if c.CodeHash != nil {
		return s.codes.Verify(*c.CodeHash, code)
	}
	secret, err := s.secrets.FindByUserID(ctx, c.UserID)
	if err != nil {
		s.log.WithError(err).WithField("challenge_id", c.ID).Error("load mfa secret")
		return false
	}
	if secret == nil || secret.EnabledAt == nil || s.totp == nil {
		return false
	}
	return s.totp.ValidateCode(secret.Secret, code, now)
}

func (s *MFAChallengeService) failed(ctx context.Context, c *entity.MFAChallenge, exhausted bool) {
	in := EventInput{
		Type:        entity.EventMFAFailed,
		Severity:    entity.SeverityMedium,
		UserID:      uuidPtr(c.UserID),
		SessionID:   c.SessionID,
		DeviceID:    c.DeviceID,
		IPAddress:   c.IPAddress,
		Description: "wrong code for step-up challenge",
		Metadata:    map[string]any{"challenge_id": c.ID},
	}
	if exhausted {
		in.Type = entity.EventMFAExhausted
		in.Severity = entity.SeverityHigh
		in.Description = "step-up challenge exhausted its attempts"
		s.outcome("exhausted")
	} else {
		s.outcome("invalid_code")
	}
	s.events.record(ctx, in)
}

func (s *MFAChallengeService) outcome(label string) {
	metrics.ChallengeOutcomes.WithLabelValues(label).Inc()
}

func (s *MFAChallengeService) ttl() time.Duration {
	if s.cfg.TTL <= 0 {
		return 5 * time.Minute
	}
	return s.cfg.TTL
}

func (s *MFAChallengeService) maxAttempts() int {
	if s.cfg.MaxAttempts <= 0 {
		return 3
	}
	return s.cfg.MaxAttempts
}

package service

import (
	"context"
	"time"

	"sessiontrust/internal/entity"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Clock interface {
	Now() time.Time
}

// RealClock reports wall-clock time in UTC so that hour-of-day signals do not
// depend on the host time zone.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

type MFAProvider interface {
	// NewKey returns a fresh secret and its otpauth URL.
	NewKey(issuer string, account string) (secret string, url string, err error)
	ValidateCode(secret string, code string, at time.Time) bool
}

// CodeDelivery sends one-time challenge codes to users without a TOTP device.
type CodeDelivery interface {
	SendChallengeCode(ctx context.Context, email string, code string, expiresAt time.Time) error
}

// AlertSink receives security events for operator visibility.
type AlertSink interface {
	Name() string
	Send(ctx context.Context, event *entity.SecurityEvent) error
}

type SessionTokenIssuer interface {
	IssueSessionToken(user entity.User, sessionID uuid.UUID) (string, time.Duration, error)
}

type ChallengeTokenIssuer interface {
	IssueChallengeToken(userID, challengeID uuid.UUID, expiresAt time.Time) (string, error)
	ParseChallengeToken(token string) (uuid.UUID, error)
}

type CodeHasher interface {
	Hash(code string) (string, error)
	Verify(hash string, code string) bool
}

type BcryptCodeHasher struct {
	Cost int
}

func (h BcryptCodeHasher) Hash(code string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func (h BcryptCodeHasher) Verify(hash string, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

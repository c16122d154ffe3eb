package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeVerified  ChallengeStatus = "verified"
	ChallengeExhausted ChallengeStatus = "exhausted"
	ChallengeExpired   ChallengeStatus = "expired"
)

// MFAChallenge is a single-use step-up challenge. It is issued either for a
// risky login or, with SessionID set, for an open session whose risk rose.
type MFAChallenge struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	DeviceID  *uuid.UUID `gorm:"type:uuid;index"`
	SessionID *uuid.UUID `gorm:"type:uuid;index"`

	TokenHash string  `gorm:"type:varchar(64);uniqueIndex;not null"`
	CodeHash  *string `gorm:"type:text"`

	Attempts    int             `gorm:"not null;default:0"`
	MaxAttempts int             `gorm:"not null;default:3"`
	Status      ChallengeStatus `gorm:"type:varchar(16);not null;default:'pending';index"`

	Country   string   `gorm:"type:varchar(64)"`
	City      string   `gorm:"type:varchar(128)"`
	Latitude  *float64 `gorm:"type:double precision"`
	Longitude *float64 `gorm:"type:double precision"`
	IPAddress *string  `gorm:"type:varchar(45)"`
	RiskScore float64  `gorm:"not null;default:0"`

	ExpiresAt  time.Time `gorm:"not null;index"`
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

func (c *MFAChallenge) BeforeCreate(_ *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = ChallengePending
	}
	return nil
}

func (c *MFAChallenge) IsTerminal() bool {
	return c.Status != ChallengePending
}

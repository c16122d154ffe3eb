package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CloseReason string

const (
	CloseLogout    CloseReason = "logout"
	CloseTimeout   CloseReason = "timeout"
	CloseRiskBlock CloseReason = "risk_block"
	CloseTravel    CloseReason = "impossible_travel"
	CloseRevoked   CloseReason = "revoked"
)

type Session struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID   uuid.UUID `gorm:"type:uuid;not null;index:idx_sessions_user_active,priority:1"`
	DeviceID uuid.UUID `gorm:"type:uuid;not null;index"`

	Country   string   `gorm:"type:varchar(64)"`
	City      string   `gorm:"type:varchar(128)"`
	Latitude  *float64 `gorm:"type:double precision"`
	Longitude *float64 `gorm:"type:double precision"`
	IPAddress *string  `gorm:"type:varchar(45);index"`
	UserAgent *string  `gorm:"type:text"`

	LastActivityAt time.Time      `gorm:"not null;index:idx_sessions_user_active,priority:2"`
	RequestCount   int            `gorm:"not null;default:0"`
	Endpoints      map[string]int `gorm:"type:jsonb;serializer:json"`

	RiskScore      float64  `gorm:"not null;default:0"`
	RiskReasons    []string `gorm:"type:jsonb;serializer:json"`
	StepUpRequired bool     `gorm:"not null;default:false"`
	// MFAVerifiedAt is set when the session was opened through a step-up challenge.
	MFAVerifiedAt *time.Time
	// StepUpVerifiedAt is set when the session passed a challenge issued while open.
	StepUpVerifiedAt *time.Time

	ClosedAt    *time.Time  `gorm:"index"`
	CloseReason CloseReason `gorm:"type:varchar(32)"`

	CreatedAt time.Time `gorm:"index"`
}

func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// IsActive reports whether the session is open and has seen activity within timeout.
func (s *Session) IsActive(now time.Time, timeout time.Duration) bool {
	return s.ClosedAt == nil && now.Sub(s.LastActivityAt) < timeout
}

// Duration is the span between creation and the last recorded activity.
func (s *Session) Duration() time.Duration {
	d := s.LastActivityAt.Sub(s.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

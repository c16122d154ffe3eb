package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SecurityEventType string

const (
	EventLoginChallenged     SecurityEventType = "login_challenged"
	EventLoginBlocked        SecurityEventType = "login_blocked"
	EventImpossibleTravel    SecurityEventType = "impossible_travel"
	EventDeviceStatusChanged SecurityEventType = "device_status_changed"
	EventSessionRiskElevated SecurityEventType = "session_risk_elevated"
	EventSessionBlocked      SecurityEventType = "session_blocked"
	EventCoordinatedBurst    SecurityEventType = "coordinated_burst"
	EventMFAVerified         SecurityEventType = "mfa_verified"
	EventMFAFailed           SecurityEventType = "mfa_failed"
	EventMFAExhausted        SecurityEventType = "mfa_exhausted"
	EventFailedLogin         SecurityEventType = "failed_login"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// SecurityEvent is append-only. Only the resolution columns are ever updated.
// References to users, sessions and devices are weak: no foreign keys, so the
// record survives deletion of what it points at.
type SecurityEvent struct {
	ID       uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Type     SecurityEventType `gorm:"type:varchar(48);not null;index"`
	Severity Severity          `gorm:"type:varchar(16);not null;index"`

	UserID    *uuid.UUID `gorm:"type:uuid;index"`
	SessionID *uuid.UUID `gorm:"type:uuid;index"`
	DeviceID  *uuid.UUID `gorm:"type:uuid;index"`
	IPAddress *string    `gorm:"type:varchar(45)"`

	Description string `gorm:"type:text;not null"`
	Metadata    datatypes.JSON

	Resolved   bool `gorm:"not null;default:false;index"`
	ResolvedAt *time.Time
	ResolvedBy *uuid.UUID `gorm:"type:uuid"`

	CreatedAt time.Time `gorm:"not null;index"`
}

func (e *SecurityEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeviceStatus string

const (
	DeviceUnknown   DeviceStatus = "unknown"
	DeviceTrusted   DeviceStatus = "trusted"
	DeviceUntrusted DeviceStatus = "untrusted"
	DeviceBlocked   DeviceStatus = "blocked"
)

// TrustEvent is a signal that may move a device through its status machine.
type TrustEvent string

const (
	TrustEventLowRiskSession TrustEvent = "low_risk_session"
	TrustEventConfirmed      TrustEvent = "confirmed"
	TrustEventMediumRisk     TrustEvent = "medium_risk"
	TrustEventHighRisk       TrustEvent = "high_risk"
	TrustEventAdminBlock     TrustEvent = "admin_block"
	TrustEventAdminUnblock   TrustEvent = "admin_unblock"
)

// deviceTransitions lists every legal (status, event) pair. Pairs missing from
// the table are rejected. Low-risk sessions only promote an unknown device once
// the consecutive counter reaches the configured threshold; that gate lives in
// the ledger, the table only names the destination.
var deviceTransitions = map[DeviceStatus]map[TrustEvent]DeviceStatus{
	DeviceUnknown: {
		TrustEventLowRiskSession: DeviceTrusted,
		TrustEventConfirmed:      DeviceTrusted,
		TrustEventMediumRisk:     DeviceUntrusted,
		TrustEventHighRisk:       DeviceUntrusted,
		TrustEventAdminBlock:     DeviceBlocked,
	},
	DeviceTrusted: {
		TrustEventLowRiskSession: DeviceTrusted,
		TrustEventConfirmed:      DeviceTrusted,
		TrustEventMediumRisk:     DeviceUntrusted,
		TrustEventHighRisk:       DeviceUntrusted,
		TrustEventAdminBlock:     DeviceBlocked,
	},
	DeviceUntrusted: {
		TrustEventLowRiskSession: DeviceUntrusted,
		TrustEventConfirmed:      DeviceUnknown,
		TrustEventMediumRisk:     DeviceUntrusted,
		TrustEventHighRisk:       DeviceBlocked,
		TrustEventAdminBlock:     DeviceBlocked,
	},
	DeviceBlocked: {
		TrustEventAdminUnblock: DeviceUnknown,
	},
}

// NextDeviceStatus returns the destination status for event, or false when the
// transition is not allowed from the current status.
func NextDeviceStatus(from DeviceStatus, event TrustEvent) (DeviceStatus, bool) {
	next, ok := deviceTransitions[from][event]
	return next, ok
}

type Device struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_devices_user_fingerprint,priority:1"`
	Fingerprint string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_devices_user_fingerprint,priority:2"`
	Name        string    `gorm:"type:varchar(100)"`
	UserAgent   *string   `gorm:"type:text"`
	LastIP      *string   `gorm:"type:varchar(45)"`

	Status             DeviceStatus `gorm:"type:varchar(16);not null;default:'unknown';index"`
	TrustScore         float64      `gorm:"not null;default:0.5"`
	ConsecutiveLowRisk int          `gorm:"not null;default:0"`
	// TrustUpdatedAt is when TrustScore was last written; idle decay starts there.
	TrustUpdatedAt time.Time `gorm:"not null"`

	FirstSeenAt time.Time `gorm:"not null"`
	LastSeenAt  time.Time `gorm:"not null"`
	TrustedAt   *time.Time
	BlockedAt   *time.Time

	Version   int `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *Device) BeforeCreate(_ *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DeviceUnknown
	}
	return nil
}

// ApplyStatus moves the device to next and keeps the timestamp invariants:
// BlockedAt is set exactly while blocked, TrustedAt once trust was ever reached.
func (d *Device) ApplyStatus(next DeviceStatus, at time.Time) {
	d.Status = next
	switch next {
	case DeviceBlocked:
		if d.BlockedAt == nil {
			t := at
			d.BlockedAt = &t
		}
	case DeviceTrusted:
		if d.TrustedAt == nil {
			t := at
			d.TrustedAt = &t
		}
		d.BlockedAt = nil
	default:
		d.BlockedAt = nil
	}
}

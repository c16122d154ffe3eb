package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MFASecret is the user's enrolled TOTP device.
type MFASecret struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`

	Secret    string `gorm:"type:text;not null"`
	EnabledAt *time.Time

	CreatedAt time.Time
}

func (m *MFASecret) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

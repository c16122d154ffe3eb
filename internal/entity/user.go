package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

type User struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email    string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	Role     UserRole  `gorm:"type:varchar(16);default:'user';not null"`
	IsActive bool      `gorm:"default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Sessions        []Session        `gorm:"constraint:OnDelete:CASCADE"`
	Devices         []Device         `gorm:"constraint:OnDelete:CASCADE"`
	MFASecret       *MFASecret       `gorm:"constraint:OnDelete:CASCADE"`
	MFAChallenges   []MFAChallenge   `gorm:"constraint:OnDelete:CASCADE"`
	BehaviorPattern *BehaviorPattern `gorm:"constraint:OnDelete:CASCADE"`
}

func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

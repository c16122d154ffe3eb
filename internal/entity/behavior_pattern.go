package entity

import (
	"time"

	"github.com/google/uuid"
)

// BehaviorPattern is the persisted baseline of a user's normal access behavior.
type BehaviorPattern struct {
	UserID uuid.UUID `gorm:"type:uuid;primaryKey"`

	TypicalHourStart int      `gorm:"not null;default:0"`
	TypicalHourEnd   int      `gorm:"not null;default:23"`
	TypicalDays      []int    `gorm:"type:jsonb;serializer:json"`
	TypicalLocations []string `gorm:"type:jsonb;serializer:json"`
	TypicalCountries []string `gorm:"type:jsonb;serializer:json"`

	HourWeights     []float64          `gorm:"type:jsonb;serializer:json"`
	DayWeights      []float64          `gorm:"type:jsonb;serializer:json"`
	LocationWeights map[string]float64 `gorm:"type:jsonb;serializer:json"`
	CountryWeights  map[string]float64 `gorm:"type:jsonb;serializer:json"`

	AvgSessionDuration    float64            `gorm:"not null;default:0"`
	AvgRequestsPerSession float64            `gorm:"not null;default:0"`
	CommonEndpoints       map[string]float64 `gorm:"type:jsonb;serializer:json"`
	SampleCount           int                `gorm:"not null;default:0"`

	FailedLoginCount int `gorm:"not null;default:0"`
	AnomalyCount     int `gorm:"not null;default:0"`
	LastAnomalyAt    *time.Time

	Version   int `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

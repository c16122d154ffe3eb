package repository

import (
	"context"
	"errors"

	"sessiontrust/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BehaviorPatternRepository interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*entity.BehaviorPattern, error)
	Create(ctx context.Context, pattern *entity.BehaviorPattern) (bool, error)
	UpdateVersioned(ctx context.Context, pattern *entity.BehaviorPattern, expectedVersion int) (bool, error)
}

type behaviorPatternRepository struct {
	db *gorm.DB
}

func NewBehaviorPatternRepository(db *gorm.DB) BehaviorPatternRepository {
	return &behaviorPatternRepository{db: db}
}

func (r *behaviorPatternRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*entity.BehaviorPattern, error) {
	var pattern entity.BehaviorPattern
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&pattern).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &pattern, err
}

// Create inserts the first pattern of a user. It reports false when a pattern
// already exists.
func (r *behaviorPatternRepository) Create(ctx context.Context, pattern *entity.BehaviorPattern) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(pattern)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *behaviorPatternRepository) UpdateVersioned(ctx context.Context, pattern *entity.BehaviorPattern, expectedVersion int) (bool, error) {
	pattern.Version = expectedVersion + 1
	result := r.db.WithContext(ctx).
		Model(pattern).
		Where("version = ?", expectedVersion).
		Select("*").
		Omit("user_id", "created_at").
		Updates(pattern)
	if result.Error != nil || result.RowsAffected == 0 {
		pattern.Version = expectedVersion
		return false, result.Error
	}
	return true, nil
}

package repository

import (
	"context"
	"errors"
	"time"

	"sessiontrust/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SecurityEventFilter struct {
	UserID         *uuid.UUID
	Types          []entity.SecurityEventType
	Severity       *entity.Severity
	UnresolvedOnly bool
	Since          *time.Time
	Limit          int
	Offset         int
}

type SecurityEventRepository interface {
	Create(ctx context.Context, event *entity.SecurityEvent) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.SecurityEvent, error)
	List(ctx context.Context, filter SecurityEventFilter) ([]entity.SecurityEvent, error)
	Count(ctx context.Context, filter SecurityEventFilter) (int64, error)
	Resolve(ctx context.Context, id uuid.UUID, by *uuid.UUID, at time.Time) (bool, error)
}

type securityEventRepository struct {
	db *gorm.DB
}

func NewSecurityEventRepository(db *gorm.DB) SecurityEventRepository {
	return &securityEventRepository{db: db}
}

func (r *securityEventRepository) Create(ctx context.Context, event *entity.SecurityEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *securityEventRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.SecurityEvent, error) {
	var event entity.SecurityEvent
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&event).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &event, err
}

func (r *securityEventRepository) List(ctx context.Context, filter SecurityEventFilter) ([]entity.SecurityEvent, error) {
	var events []entity.SecurityEvent
	query := r.filtered(ctx, filter).Order("created_at DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *securityEventRepository) Count(ctx context.Context, filter SecurityEventFilter) (int64, error) {
	var count int64
	err := r.filtered(ctx, filter).Count(&count).Error
	return count, err
}

// Resolve sets the resolution columns, the only update a security event ever gets.
func (r *securityEventRepository) Resolve(ctx context.Context, id uuid.UUID, by *uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.SecurityEvent{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{"resolved": true, "resolved_at": at, "resolved_by": by})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *securityEventRepository) filtered(ctx context.Context, filter SecurityEventFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&entity.SecurityEvent{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if len(filter.Types) > 0 {
		query = query.Where("type IN ?", filter.Types)
	}
	if filter.Severity != nil {
		query = query.Where("severity = ?", *filter.Severity)
	}
	if filter.UnresolvedOnly {
		query = query.Where("resolved = ?", false)
	}
	if filter.Since != nil {
		query = query.Where("created_at > ?", *filter.Since)
	}
	return query
}

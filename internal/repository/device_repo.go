package repository

import (
	"context"
	"errors"

	"sessiontrust/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeviceRepository interface {
	Create(ctx context.Context, device *entity.Device) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Device, error)
	FindByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*entity.Device, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]entity.Device, error)
	UpdateVersioned(ctx context.Context, device *entity.Device, expectedVersion int) (bool, error)
}

type deviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

func (r *deviceRepository) Create(ctx context.Context, device *entity.Device) error {
	return r.db.WithContext(ctx).Create(device).Error
}

func (r *deviceRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Device, error) {
	var device entity.Device
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&device).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &device, err
}

func (r *deviceRepository) FindByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*entity.Device, error) {
	var device entity.Device
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND fingerprint = ?", userID, fingerprint).
		First(&device).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &device, err
}

func (r *deviceRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]entity.Device, error) {
	var devices []entity.Device
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Find(&devices).Error
	return devices, err
}

// UpdateVersioned writes the mutable columns only if the stored version still
// equals expectedVersion, then bumps it. False means another writer got there first.
func (r *deviceRepository) UpdateVersioned(ctx context.Context, device *entity.Device, expectedVersion int) (bool, error) {
	device.Version = expectedVersion + 1
	result := r.db.WithContext(ctx).
		Model(device).
		Where("version = ?", expectedVersion).
		Select("name", "user_agent", "last_ip", "status", "trust_score", "consecutive_low_risk",
			"trust_updated_at", "last_seen_at", "trusted_at", "blocked_at", "version", "updated_at").
		Updates(device)
	if result.Error != nil {
		device.Version = expectedVersion
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		device.Version = expectedVersion
		return false, nil
	}
	return true, nil
}

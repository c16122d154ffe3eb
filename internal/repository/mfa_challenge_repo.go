package repository

import (
	"context"
	"errors"
	"time"

	"sessiontrust/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MFAChallengeRepository interface {
	Create(ctx context.Context, challenge *entity.MFAChallenge) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.MFAChallenge, error)
	FindLatestBySession(ctx context.Context, sessionID uuid.UUID) (*entity.MFAChallenge, error)
	RegisterAttempt(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	MarkVerified(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	MarkExhausted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type mfaChallengeRepository struct {
	db *gorm.DB
}

func NewMFAChallengeRepository(db *gorm.DB) MFAChallengeRepository {
	return &mfaChallengeRepository{db: db}
}

func (r *mfaChallengeRepository) Create(ctx context.Context, challenge *entity.MFAChallenge) error {
	return r.db.WithContext(ctx).Create(challenge).Error
}

func (r *mfaChallengeRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.MFAChallenge, error) {
	var challenge entity.MFAChallenge
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&challenge).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &challenge, err
}

func (r *mfaChallengeRepository) FindLatestBySession(ctx context.Context, sessionID uuid.UUID) (*entity.MFAChallenge, error) {
	var challenge entity.MFAChallenge
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&challenge).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &challenge, err
}

// RegisterAttempt consumes one attempt. The increment, the attempt bound and
// the expiry check are a single statement, so concurrent verifications can
// never use more than max_attempts between them.
func (r *mfaChallengeRepository) RegisterAttempt(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.MFAChallenge{}).
		Where("id = ? AND status = ? AND attempts < max_attempts AND expires_at > ?", id, entity.ChallengePending, now).
		Update("attempts", gorm.Expr("attempts + 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *mfaChallengeRepository) MarkVerified(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return r.resolve(ctx, id, entity.ChallengeVerified, now, "")
}

// MarkExhausted only succeeds once every attempt has been used.
func (r *mfaChallengeRepository) MarkExhausted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return r.resolve(ctx, id, entity.ChallengeExhausted, now, "attempts >= max_attempts")
}

func (r *mfaChallengeRepository) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return r.resolve(ctx, id, entity.ChallengeExpired, now, "")
}

func (r *mfaChallengeRepository) resolve(ctx context.Context, id uuid.UUID, status entity.ChallengeStatus, now time.Time, guard string) (bool, error) {
	query := r.db.WithContext(ctx).
		Model(&entity.MFAChallenge{}).
		Where("id = ? AND status = ?", id, entity.ChallengePending)
	if guard != "" {
		query = query.Where(guard)
	}
	result := query.Updates(map[string]any{"status": status, "resolved_at": now})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *mfaChallengeRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&entity.MFAChallenge{})
	return result.RowsAffected, result.Error
}

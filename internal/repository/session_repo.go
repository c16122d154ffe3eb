package repository

import (
	"context"
	"errors"
	"time"

	"sessiontrust/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SessionRepository interface {
	Create(ctx context.Context, session *entity.Session) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Session, error)
	ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]entity.Session, error)
	ListOpen(ctx context.Context, after SessionCursor, limit int) ([]entity.Session, error)
	ListClosedByUser(ctx context.Context, userID uuid.UUID, limit int) ([]entity.Session, error)
	ListOpenedSince(ctx context.Context, since time.Time) ([]entity.Session, error)
	UpdateActivity(ctx context.Context, session *entity.Session) (bool, error)
	UpdateRisk(ctx context.Context, id uuid.UUID, score float64, reasons []string, stepUp bool) error
	CompleteStepUp(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Close(ctx context.Context, id uuid.UUID, at time.Time, reason entity.CloseReason) (bool, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	CountOpenedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
	ListPlacesByUser(ctx context.Context, userID uuid.UUID) ([]Place, error)
}

// SessionCursor is the keyset position of a page of open sessions. The zero
// value starts at the oldest session.
type SessionCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// After returns the cursor positioned behind s.
func (c SessionCursor) After(s *entity.Session) SessionCursor {
	return SessionCursor{CreatedAt: s.CreatedAt, ID: s.ID}
}

// Place is a distinct location a user has opened sessions from.
type Place struct {
	Country string
	City    string
}

type sessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(ctx context.Context, s *entity.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *sessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Session, error) {
	var session entity.Session
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&session).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &session, err
}

func (r *sessionRepository) ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]entity.Session, error) {
	var sessions []entity.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND closed_at IS NULL", userID).
		Order("created_at ASC").
		Find(&sessions).Error
	return sessions, err
}

// ListOpen pages through open sessions ordered by (created_at, id).
func (r *sessionRepository) ListOpen(ctx context.Context, after SessionCursor, limit int) ([]entity.Session, error) {
	var sessions []entity.Session
	query := r.db.WithContext(ctx).
		Where("closed_at IS NULL").
		Order("created_at ASC, id ASC")
	if !after.CreatedAt.IsZero() {
		at := after.CreatedAt.UTC()
		query = query.Where("created_at > ? OR (created_at = ? AND id > ?)", at, at, after.ID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListClosedByUser returns the most recent closed sessions, oldest first.
func (r *sessionRepository) ListClosedByUser(ctx context.Context, userID uuid.UUID, limit int) ([]entity.Session, error) {
	var sessions []entity.Session
	query := r.db.WithContext(ctx).
		Where("user_id = ? AND closed_at IS NOT NULL", userID).
		Order("closed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(sessions)-1; i < j; i, j = i+1, j-1 {
		sessions[i], sessions[j] = sessions[j], sessions[i]
	}
	return sessions, nil
}

func (r *sessionRepository) ListOpenedSince(ctx context.Context, since time.Time) ([]entity.Session, error) {
	var sessions []entity.Session
	err := r.db.WithContext(ctx).
		Select("id", "user_id", "ip_address", "mfa_verified_at", "created_at").
		Where("created_at > ?", since).
		Find(&sessions).Error
	return sessions, err
}

// UpdateActivity writes the activity columns of an open session. It reports
// false when the session was closed in the meantime.
func (r *sessionRepository) UpdateActivity(ctx context.Context, s *entity.Session) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(s).
		Where("closed_at IS NULL").
		Select("last_activity_at", "request_count", "endpoints").
		Updates(s)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateRisk stores the latest assessment. stepUp only ever raises the flag,
// and never on a session that already passed a challenge.
func (r *sessionRepository) UpdateRisk(ctx context.Context, id uuid.UUID, score float64, reasons []string, stepUp bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s := entity.Session{ID: id, RiskScore: score, RiskReasons: reasons}
		if err := tx.Model(&s).Select("risk_score", "risk_reasons").Updates(&s).Error; err != nil {
			return err
		}
		if !stepUp {
			return nil
		}
		return tx.Model(&entity.Session{}).
			Where("id = ? AND closed_at IS NULL AND mfa_verified_at IS NULL AND step_up_verified_at IS NULL", id).
			Update("step_up_required", true).
			Error
	})
}

// CompleteStepUp clears the step-up flag of an open session.
func (r *sessionRepository) CompleteStepUp(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]any{"step_up_required": false, "step_up_verified_at": at})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Close marks the session closed. Only the first close wins.
func (r *sessionRepository) Close(ctx context.Context, id uuid.UUID, at time.Time, reason entity.CloseReason) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]any{"closed_at": at, "close_reason": reason})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *sessionRepository) CountByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count, err
}

func (r *sessionRepository) CountOpenedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Where("user_id = ? AND created_at > ?", userID, since).
		Count(&count).Error
	return count, err
}

func (r *sessionRepository) ListPlacesByUser(ctx context.Context, userID uuid.UUID) ([]Place, error) {
	var places []Place
	err := r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Distinct("country", "city").
		Where("user_id = ? AND country <> ''", userID).
		Order("country ASC, city ASC").
		Scan(&places).Error
	return places, err
}

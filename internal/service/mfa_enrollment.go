package service

import (
	"context"
	"fmt"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/repository"

	"github.com/google/uuid"
)

// MFAEnrollment manages the user's TOTP device used to answer challenges.
type MFAEnrollment struct {
	users   repository.UserRepository
	secrets repository.MFASecretRepository
	totp    MFAProvider
	clock   Clock
	issuer  string
}

func NewMFAEnrollment(users repository.UserRepository, secrets repository.MFASecretRepository, totp MFAProvider, clock Clock, issuer string) *MFAEnrollment {
	return &MFAEnrollment{users: users, secrets: secrets, totp: totp, clock: clock, issuer: issuer}
}

// Begin stores a new, not yet enabled secret and returns its otpauth URL.
func (m *MFAEnrollment) Begin(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := m.users.FindByID(ctx, userID)
	if err != nil {
		return "", storeError("load user", err)
	}
	if user == nil {
		return "", ErrNotFound
	}
	secret, url, err := m.totp.NewKey(m.issuer, user.Email)
	if err != nil {
		return "", fmt.Errorf("generate totp key: %w", err)
	}
	if err := m.secrets.Upsert(ctx, &entity.MFASecret{UserID: userID, Secret: secret}); err != nil {
		return "", storeError("store mfa secret", err)
	}
	return url, nil
}

// Confirm enables the pending secret once the user proves they hold it.
func (m *MFAEnrollment) Confirm(ctx context.Context, userID uuid.UUID, code string) error {
	secret, err := m.secrets.FindByUserID(ctx, userID)
	if err != nil {
		return storeError("load mfa secret", err)
	}
	if secret == nil {
		return ErrMFANotConfigured
	}
	now := m.clock.Now().UTC()
	if !m.totp.ValidateCode(secret.Secret, code, now) {
		return ErrInvalidMFACode
	}
	if err := m.secrets.Enable(ctx, userID, now); err != nil {
		return storeError("enable mfa secret", err)
	}
	return nil
}

func (m *MFAEnrollment) Disable(ctx context.Context, userID uuid.UUID) error {
	if err := m.secrets.Delete(ctx, userID); err != nil {
		return storeError("delete mfa secret", err)
	}
	return nil
}

func (m *MFAEnrollment) Enabled(ctx context.Context, userID uuid.UUID) (bool, error) {
	secret, err := m.secrets.FindByUserID(ctx, userID)
	if err != nil {
		return false, storeError("load mfa secret", err)
	}
	return secret != nil && secret.EnabledAt != nil, nil
}

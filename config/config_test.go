package config

import (
	"testing"
	"time"

	"sessiontrust/internal/entity"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 0.40, cfg.Risk.ChallengeThreshold)
	assert.Equal(t, 0.75, cfg.Risk.BlockThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Monitor.BurstWindow)
	assert.Equal(t, time.Minute, cfg.Monitor.Interval)
	assert.False(t, cfg.Registry.BlockOnImpossibleTravel)
	assert.Equal(t, []byte("secret"), cfg.JWT.ChallengeSecret)
	assert.Equal(t, entity.SeverityHigh, cfg.Alerts.MinEmail)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("RISK_BLOCK_THRESHOLD", "0.9")
	t.Setenv("RISK_BURST_WINDOW", "5m")
	t.Setenv("BLOCK_ON_IMPOSSIBLE_TRAVEL", "true")
	t.Setenv("ALERT_EMAIL_TO", "soc@example.com, oncall@example.com")
	t.Setenv("ALERT_WEBHOOK_HEADERS", "Authorization: Bearer x; X-Env: prod")
	t.Setenv("MFA_MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Risk.BlockThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.BurstWindow)
	assert.True(t, cfg.Registry.BlockOnImpossibleTravel)
	assert.Equal(t, []string{"soc@example.com", "oncall@example.com"}, cfg.Alerts.EmailTo)
	assert.Equal(t, map[string]string{"Authorization": "Bearer x", "X-Env": "prod"}, cfg.Alerts.Webhook.Headers)
	assert.Equal(t, 3, cfg.Challenge.MaxAttempts)
}

func TestLoadRequiresSecretAndOrderedThresholds(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("RISK_CHALLENGE_THRESHOLD", "0.8")
	t.Setenv("RISK_BLOCK_THRESHOLD", "0.7")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "RISK_CHALLENGE_THRESHOLD")
}

func TestAutoMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(db))
	for _, table := range []any{&entity.Session{}, &entity.Device{}, &entity.SecurityEvent{}, &entity.MFAChallenge{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}
}

func TestDeletingUserRemovesChallenges(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:?_pragma=foreign_keys(1)"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))

	user := &entity.User{Email: "ana@example.com", Role: entity.UserRoleUser, IsActive: true}
	require.NoError(t, db.Create(user).Error)
	challenge := &entity.MFAChallenge{
		UserID:    user.ID,
		TokenHash: "5f2b",
		Status:    entity.ChallengePending,
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, db.Create(challenge).Error)

	require.NoError(t, db.Delete(user).Error)
	var left int64
	require.NoError(t, db.Model(&entity.MFAChallenge{}).Where("user_id = ?", user.ID).Count(&left).Error)
	assert.Zero(t, left)
}

func TestConnectionDbRequiresURL(t *testing.T) {
	_, err := ConnectionDb(Config{})
	assert.Error(t, err)
}

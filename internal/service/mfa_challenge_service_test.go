package service

import (
	"context"
	"testing"
	"time"

	"sessiontrust/internal/entity"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueChallenge(t *testing.T, env *testEnv, user *entity.User) *IssuedChallenge {
	t.Helper()
	device := env.registerDevice(user.ID, "fp-laptop")
	issued, err := env.challenges.Issue(context.Background(), IssueInput{
		User:      user,
		DeviceID:  device.ID,
		Location:  tokyo,
		IPAddress: ptr("203.0.113.10"),
		RiskScore: 0.55,
	})
	require.NoError(t, err)
	return issued
}

func TestChallengeByEmailCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")

	issued := issueChallenge(t, env, user)
	assert.Equal(t, ChallengeMethodEmail, issued.Method)
	assert.Equal(t, 3, issued.MaxAttempts)
	assert.Equal(t, env.clock.Now().Add(5*time.Minute), issued.ExpiresAt)
	require.Len(t, env.delivery.sent, 1)
	assert.Equal(t, "ana@example.com", env.delivery.sent[0].Email)
	assert.Len(t, env.delivery.sent[0].Code, 6)

	challenge, err := env.challenges.Verify(ctx, issued.Token, env.delivery.last(t))
	require.NoError(t, err)
	assert.Equal(t, entity.ChallengeVerified, challenge.Status)
	assert.Equal(t, "JP", challenge.Country)
	assert.Equal(t, 0.55, challenge.RiskScore)
	assert.Equal(t, int64(1), env.countEvents(entity.EventMFAVerified))

	_, err = env.challenges.Verify(ctx, issued.Token, env.delivery.last(t))
	assert.ErrorIs(t, err, ErrInvalidState, "a verified challenge cannot be reused")
}

func TestChallengeExhaustsAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	issued := issueChallenge(t, env, user)
	code := env.delivery.last(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 1; i <= 3; i++ {
		_, err := env.challenges.Verify(ctx, issued.Token, wrong)
		assert.ErrorIs(t, err, ErrInvalidMFACode, "attempt %d", i)
	}
	assert.Equal(t, int64(2), env.countEvents(entity.EventMFAFailed))
	assert.Equal(t, int64(1), env.countEvents(entity.EventMFAExhausted))

	_, err := env.challenges.Verify(ctx, issued.Token, wrong)
	assert.ErrorIs(t, err, ErrChallengeExhausted)
	_, err = env.challenges.Verify(ctx, issued.Token, code)
	assert.ErrorIs(t, err, ErrChallengeExhausted, "the right code is too late")
	assert.Zero(t, env.countEvents(entity.EventMFAVerified))
}

func TestChallengeExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	issued := issueChallenge(t, env, user)

	env.clock.Advance(6 * time.Minute)
	_, err := env.challenges.Verify(ctx, issued.Token, env.delivery.last(t))
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestChallengeRejectsForeignTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	issueChallenge(t, env, user)

	_, err := env.challenges.Verify(ctx, "not-a-token", "123456")
	assert.ErrorIs(t, err, ErrInvalidToken)

	forged, err := ChallengeTokenIssuerJWT{Secret: []byte("other-secret"), Clock: env.clock}.
		IssueChallengeToken(user.ID, uuid.New(), env.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = env.challenges.Verify(ctx, forged, "123456")
	assert.ErrorIs(t, err, ErrInvalidToken)

	access, _, err := env.jwt.IssueAccessToken(user.ID.String(), "user", "")
	require.NoError(t, err)
	_, err = env.challenges.Verify(ctx, access, "123456")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestChallengeByTOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")

	enrollment := NewMFAEnrollment(env.users, env.secrets, env.totp, env.clock, "sessiontrust-test")
	url, err := enrollment.Begin(ctx, user.ID)
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")

	secret, err := env.secrets.FindByUserID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, secret)
	code, err := totp.GenerateCode(secret.Secret, env.clock.Now())
	require.NoError(t, err)
	require.NoError(t, enrollment.Confirm(ctx, user.ID, code))

	enabled, err := enrollment.Enabled(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, enabled)

	issued := issueChallenge(t, env, user)
	assert.Equal(t, ChallengeMethodTOTP, issued.Method)
	assert.Empty(t, env.delivery.sent, "TOTP users get no code by email")

	env.clock.Advance(time.Minute)
	code, err = totp.GenerateCode(secret.Secret, env.clock.Now())
	require.NoError(t, err)
	_, err = env.challenges.Verify(ctx, issued.Token, code)
	require.NoError(t, err)
}

func TestEnrollmentRejectsWrongCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	enrollment := NewMFAEnrollment(env.users, env.secrets, env.totp, env.clock, "")

	assert.ErrorIs(t, enrollment.Confirm(ctx, user.ID, "123456"), ErrMFANotConfigured)

	_, err := enrollment.Begin(ctx, user.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, enrollment.Confirm(ctx, user.ID, "not-a-code"), ErrInvalidMFACode)

	require.NoError(t, enrollment.Disable(ctx, user.ID))
	enabled, err := enrollment.Enabled(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestPurgeExpiredChallenges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	issueChallenge(t, env, user)

	purged, err := env.challenges.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	env.clock.Advance(25 * time.Hour)
	purged, err = env.challenges.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

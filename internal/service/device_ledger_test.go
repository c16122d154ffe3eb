package service

import (
	"context"
	"testing"
	"time"

	"sessiontrust/internal/entity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOrTouchIsIdempotentPerFingerprint(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser("ana@example.com")

	first := env.registerDevice(user.ID, "fp-laptop")
	assert.Equal(t, entity.DeviceUnknown, first.Status)
	assert.Equal(t, 0.5, first.TrustScore)

	env.clock.Advance(time.Hour)
	again := env.registerDevice(user.ID, "fp-laptop")
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.LastSeenAt.After(first.LastSeenAt))

	other := env.registerDevice(user.ID, "fp-phone")
	assert.NotEqual(t, first.ID, other.ID)

	devices, err := env.ledger.ListByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestRegisterOrTouchRequiresFingerprint(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser("ana@example.com")

	_, err := env.ledger.RegisterOrTouch(context.Background(), user.ID, DeviceSignal{Fingerprint: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLowRiskSessionsPromoteUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	device := env.registerDevice(user.ID, "fp-laptop")

	for i := 1; i <= 2; i++ {
		updated, err := env.ledger.Transition(ctx, device.ID, entity.TrustEventLowRiskSession, TrustCause{})
		require.NoError(t, err)
		assert.Equal(t, entity.DeviceUnknown, updated.Status, "after %d sessions", i)
		assert.Equal(t, i, updated.ConsecutiveLowRisk)
	}
	assert.Zero(t, env.countEvents(entity.EventDeviceStatusChanged))

	updated, err := env.ledger.Transition(ctx, device.ID, entity.TrustEventLowRiskSession, TrustCause{})
	require.NoError(t, err)
	assert.Equal(t, entity.DeviceTrusted, updated.Status)
	assert.InDelta(t, 0.65, updated.TrustScore, 1e-9)
	require.NotNil(t, updated.TrustedAt)
	assert.Nil(t, updated.BlockedAt)
	assert.Equal(t, int64(1), env.countEvents(entity.EventDeviceStatusChanged))
}

func TestRiskInterruptsLowRiskStreak(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	device := env.registerDevice(user.ID, "fp-laptop")

	_, err := env.ledger.Transition(ctx, device.ID, entity.TrustEventLowRiskSession, TrustCause{})
	require.NoError(t, err)
	updated, err := env.ledger.Transition(ctx, device.ID, entity.TrustEventMediumRisk, TrustCause{RiskScore: 0.5})
	require.NoError(t, err)
	assert.Equal(t, entity.DeviceUntrusted, updated.Status)
	assert.Zero(t, updated.ConsecutiveLowRisk)
	assert.InDelta(t, 0.35, updated.TrustScore, 1e-9)

	// Low-risk use does not lift an untrusted device; confirmation does.
	updated, err = env.ledger.Transition(ctx, device.ID, entity.TrustEventLowRiskSession, TrustCause{})
	require.NoError(t, err)
	assert.Equal(t, entity.DeviceUntrusted, updated.Status)

	updated, err = env.ledger.Transition(ctx, device.ID, entity.TrustEventConfirmed, TrustCause{})
	require.NoError(t, err)
	assert.Equal(t, entity.DeviceUnknown, updated.Status)

	updated, err = env.ledger.Transition(ctx, device.ID, entity.TrustEventHighRisk, TrustCause{})
	require.NoError(t, err)
	assert.Equal(t, entity.DeviceUntrusted, updated.Status)
	updated, err = env.ledger.Transition(ctx, device.ID, entity.TrustEventHighRisk, TrustCause{})
	require.NoError(t, err)
	assert.Equal(t, entity.DeviceBlocked, updated.Status)
	assert.NotNil(t, updated.BlockedAt)
}

func TestBlockedDeviceOnlyAcceptsUnblock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	device := env.registerDevice(user.ID, "fp-laptop")

	blocked, err := env.ledger.Transition(ctx, device.ID, entity.TrustEventAdminBlock, TrustCause{Note: "stolen"})
	require.NoError(t, err)
	assert.Equal(t, entity.DeviceBlocked, blocked.Status)

	for _, event := range []entity.TrustEvent{
		entity.TrustEventLowRiskSession,
		entity.TrustEventConfirmed,
		entity.TrustEventMediumRisk,
		entity.TrustEventHighRisk,
		entity.TrustEventAdminBlock,
	} {
		_, err := env.ledger.Transition(ctx, device.ID, event, TrustCause{})
		assert.ErrorIs(t, err, ErrInvalidState, string(event))
	}
	assert.Equal(t, entity.DeviceBlocked, env.device(device.ID).Status)

	unblocked, err := env.ledger.Transition(ctx, device.ID, entity.TrustEventAdminUnblock, TrustCause{})
	require.NoError(t, err)
	assert.Equal(t, entity.DeviceUnknown, unblocked.Status)
	assert.Equal(t, 0.5, unblocked.TrustScore)
	assert.Nil(t, unblocked.BlockedAt)
	assert.Equal(t, int64(2), env.countEvents(entity.EventDeviceStatusChanged))
}

func TestTransitionUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Transition(context.Background(), uuid.New(), entity.TrustEventConfirmed, TrustCause{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrustDecaysTowardNeutral(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	device := env.registerDevice(user.ID, "fp-laptop")

	confirmed, err := env.ledger.Transition(ctx, device.ID, entity.TrustEventConfirmed, TrustCause{})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, confirmed.TrustScore, 1e-9)

	week := DefaultLedgerConfig().HalfLife
	assert.InDelta(t, 0.7, env.ledger.EvaluateTrust(confirmed, env.clock.Now()), 1e-9)
	assert.InDelta(t, 0.6, env.ledger.EvaluateTrust(confirmed, env.clock.Now().Add(week)), 1e-9)
	assert.InDelta(t, 0.55, env.ledger.EvaluateTrust(confirmed, env.clock.Now().Add(2*week)), 1e-9)

	// Touching the device folds the decay into the stored score.
	env.clock.Advance(week)
	touched := env.registerDevice(user.ID, "fp-laptop")
	assert.InDelta(t, 0.6, touched.TrustScore, 1e-9)
	assert.WithinDuration(t, env.clock.Now(), touched.TrustUpdatedAt, 0)
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	device := env.registerDevice(user.ID, "fp-laptop")

	const workers = 10
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := env.ledger.Transition(ctx, device.ID, entity.TrustEventLowRiskSession, TrustCause{})
			errs <- err
		}()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	stored := env.device(device.ID)
	assert.Equal(t, workers, stored.ConsecutiveLowRisk)
	assert.Equal(t, workers+1, stored.Version)
	assert.Equal(t, entity.DeviceTrusted, stored.Status)
	assert.Equal(t, int64(1), env.countEvents(entity.EventDeviceStatusChanged))
}

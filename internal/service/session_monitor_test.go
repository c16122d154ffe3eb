package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/risk"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepExpiresIdleSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	session := env.login(user.ID, "fp-laptop", seoul).Session

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
	assert.Equal(t, 1, report.Rescored)

	env.clock.Advance(31 * time.Minute)
	require.NoError(t, env.monitor.Run(ctx))

	stored := env.session(session.ID)
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, entity.CloseTimeout, stored.CloseReason)

	counters, err := env.baselines.Counters(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.SampleCount, "an expired session still feeds the baseline")

	report, err = env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
	assert.Zero(t, report.Rescored)
}

func TestSweepElevatesRiskOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	env.officeHoursBaseline(user.ID, 10, seoul)
	device := env.registerDevice(user.ID, "fp-laptop")

	risky := env.openSession(user.ID, device.ID, tokyo, "")
	verifiedAt := env.clock.Now()
	stepped, _, err := env.registry.Open(ctx, OpenInput{UserID: user.ID, DeviceID: device.ID, Location: tokyo, MFAVerifiedAt: &verifiedAt})
	require.NoError(t, err)

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rescored)
	assert.Equal(t, 1, report.Elevated)
	assert.Zero(t, report.Blocked)

	stored := env.session(risky.ID)
	assert.True(t, stored.StepUpRequired)
	assert.Equal(t, 0.65, stored.RiskScore)
	assert.ElementsMatch(t, []string{string(risk.ReasonNewCountry), string(risk.ReasonLowDeviceTrust)}, stored.RiskReasons)
	assert.False(t, env.session(stepped.ID).StepUpRequired, "a session opened through a challenge is not asked again")

	report, err = env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Elevated)
	assert.Equal(t, int64(1), env.countEvents(entity.EventSessionRiskElevated))
	assert.Nil(t, env.session(risky.ID).ClosedAt)
}

func TestSweepClosesSessionsOfBlockedDevices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	result := env.login(user.ID, "fp-laptop", seoul)

	_, err := env.ledger.Transition(ctx, result.Device.ID, entity.TrustEventAdminBlock, TrustCause{})
	require.NoError(t, err)

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked)

	stored := env.session(result.Session.ID)
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, entity.CloseRiskBlock, stored.CloseReason)
	assert.Equal(t, []string{string(risk.ReasonDeviceBlocked)}, stored.RiskReasons)
	assert.Equal(t, int64(1), env.countEvents(entity.EventSessionBlocked))
	assert.Equal(t, int64(1), env.countEvents(entity.EventDeviceStatusChanged), "only the admin block changed the device")

	counters, err := env.baselines.Counters(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, counters.SampleCount, "a blocked session is not part of the baseline")
	assert.Equal(t, 1, counters.AnomalyCount)
}

func TestSweepBlocksSessionsThatTurnHostile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	env.officeHoursBaseline(user.ID, 10, seoul)
	device := env.registerDevice(user.ID, "fp-laptop")

	env.clock.Set(saturdayNight)
	session := env.openSession(user.ID, device.ID, tokyo, "")

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked)

	stored := env.session(session.ID)
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, entity.CloseRiskBlock, stored.CloseReason)
	assert.Equal(t, 1.0, stored.RiskScore)
	assert.Equal(t, entity.DeviceUntrusted, env.device(device.ID).Status)
}

func TestSweepReportsCoordinatedBursts(t *testing.T) {
	env := newTestEnv(t, withMonitor(func(c *MonitorConfig) { c.GlobalBurstLimit = 5 }))
	ctx := context.Background()
	const ip = "198.51.100.99"

	for i := 0; i < 4; i++ {
		user := env.createUser(fmt.Sprintf("user%d@example.com", i))
		device := env.registerDevice(user.ID, "fp-shared")
		env.openSession(user.ID, device.ID, seoul, ip)
	}
	for i := 4; i < 6; i++ {
		user := env.createUser(fmt.Sprintf("user%d@example.com", i))
		require.NoError(t, env.trust.RecordFailedLogin(ctx, user.ID, ip))
	}

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Bursts)

	bursts, err := env.eventStore.List(ctx, repository.SecurityEventFilter{Types: []entity.SecurityEventType{entity.EventCoordinatedBurst}})
	require.NoError(t, err)
	require.Len(t, bursts, 2)
	severities := map[entity.Severity]*string{}
	for _, b := range bursts {
		severities[b.Severity] = b.IPAddress
	}
	require.Contains(t, severities, entity.SeverityCritical)
	require.Contains(t, severities, entity.SeverityHigh)
	require.NotNil(t, severities[entity.SeverityHigh])
	assert.Equal(t, ip, *severities[entity.SeverityHigh])

	report, err = env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Bursts, "bursts are reported once per cooldown")
	assert.Equal(t, int64(2), env.countEvents(entity.EventCoordinatedBurst))
}

func TestSweepIgnoresSharedIPBelowLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		user := env.createUser(fmt.Sprintf("user%d@example.com", i))
		device := env.registerDevice(user.ID, "fp-office")
		env.openSession(user.ID, device.ID, seoul, "198.51.100.1")
	}

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Bursts)
	assert.Equal(t, 5, report.Rescored)
}

func TestSweepPurgesStaleChallenges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issueChallenge(t, env, env.createUser("ana@example.com"))

	env.clock.Advance(25 * time.Hour)
	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Purged)
}

func TestSweepStopsWhenCanceled(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser("ana@example.com")
	session := env.login(user.ID, "fp-laptop", seoul).Session
	env.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.monitor.Sweep(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, env.session(session.ID).ClosedAt)
}

func TestSweepWalksEveryPageOfOpenSessions(t *testing.T) {
	env := newTestEnv(t, withMonitor(func(c *MonitorConfig) { c.BatchSize = 2 }))
	ctx := context.Background()

	// Two sessions share a creation time across the first page boundary.
	var ids []uuid.UUID
	for i, step := range []time.Duration{0, time.Minute, 0, time.Minute} {
		env.clock.Advance(step)
		user := env.createUser(fmt.Sprintf("user%d@example.com", i))
		device := env.registerDevice(user.ID, "fp-laptop")
		ids = append(ids, env.openSession(user.ID, device.ID, seoul, "").ID)
	}
	env.clock.Advance(time.Minute)

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Rescored)
	assert.Zero(t, report.Errors)

	env.clock.Advance(31 * time.Minute)
	report, err = env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Expired)
	for _, id := range ids {
		assert.NotNil(t, env.session(id).ClosedAt, "session %s", id)
	}
}

func TestSweepCountsChallengedLoginOnce(t *testing.T) {
	env := newTestEnv(t, withMonitor(func(c *MonitorConfig) { c.GlobalBurstLimit = 2 }))
	ctx := context.Background()
	const ip = "198.51.100.7"

	ana := env.createUser("ana@example.com")
	anaDevice := env.registerDevice(ana.ID, "fp-ana")
	_, err := env.events.Record(ctx, EventInput{
		Type:        entity.EventLoginChallenged,
		Severity:    entity.SeverityMedium,
		UserID:      uuidPtr(ana.ID),
		IPAddress:   optionalString(ip),
		Description: "login challenged",
	})
	require.NoError(t, err)
	verifiedAt := env.clock.Now()
	_, _, err = env.registry.Open(ctx, OpenInput{
		UserID:        ana.ID,
		DeviceID:      anaDevice.ID,
		Location:      seoul,
		IPAddress:     optionalString(ip),
		MFAVerifiedAt: &verifiedAt,
	})
	require.NoError(t, err)

	bo := env.createUser("bo@example.com")
	boDevice := env.registerDevice(bo.ID, "fp-bo")
	env.openSession(bo.ID, boDevice.ID, seoul, ip)

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Bursts, "a verified login is one attempt, not two")

	require.NoError(t, env.trust.RecordFailedLogin(ctx, bo.ID, ip))
	report, err = env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Bursts)
}

func TestSweepChallengesElevatedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser("ana@example.com")
	env.officeHoursBaseline(user.ID, 10, seoul)
	device := env.registerDevice(user.ID, "fp-laptop")
	session := env.openSession(user.ID, device.ID, tokyo, "")

	report, err := env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Elevated)
	assert.Equal(t, 1, report.Challenged)
	require.Len(t, env.delivery.sent, 1)
	assert.Equal(t, "ana@example.com", env.delivery.sent[0].Email)

	pending, err := env.challenges.PendingForSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.NotNil(t, pending.SessionID)
	assert.Equal(t, session.ID, *pending.SessionID)
	assert.Equal(t, 0.65, pending.RiskScore)

	report, err = env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Challenged, "a pending challenge is not sent twice")

	env.clock.Advance(6 * time.Minute)
	report, err = env.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Elevated)
	assert.Equal(t, 1, report.Challenged, "an expired challenge is replaced")
	assert.Len(t, env.delivery.sent, 2)
	assert.Equal(t, int64(1), env.countEvents(entity.EventSessionRiskElevated))
}

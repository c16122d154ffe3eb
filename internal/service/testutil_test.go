package service

import (
	"context"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/risk"
	"sessiontrust/internal/utils"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// tuesdayMorning is inside the typical window of the office-hours baseline.
var tuesdayMorning = time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)

var (
	seoul  = risk.Location{Country: "KR", City: "Seoul", Latitude: ptr(37.5665), Longitude: ptr(126.9780)}
	busan  = risk.Location{Country: "KR", City: "Busan", Latitude: ptr(35.1796), Longitude: ptr(129.0756)}
	tokyo  = risk.Location{Country: "JP", City: "Tokyo", Latitude: ptr(35.6762), Longitude: ptr(139.6503)}
	berlin = risk.Location{Country: "DE", City: "Berlin", Latitude: ptr(52.5200), Longitude: ptr(13.4050)}
)

func ptr[T any](v T) *T {
	return &v
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&entity.User{},
		&entity.Device{},
		&entity.Session{},
		&entity.BehaviorPattern{},
		&entity.MFASecret{},
		&entity.MFAChallenge{},
		&entity.SecurityEvent{},
	))
	return db
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(at time.Time) *fixedClock {
	return &fixedClock{now: at}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fixedClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

type sentCode struct {
	Email string
	Code  string
}

type captureDelivery struct {
	mu   sync.Mutex
	sent []sentCode
}

func (d *captureDelivery) SendChallengeCode(_ context.Context, email string, code string, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentCode{Email: email, Code: code})
	return nil
}

func (d *captureDelivery) last(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.sent, "no challenge code was delivered")
	return d.sent[len(d.sent)-1].Code
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type envConfig struct {
	risk      risk.Config
	registry  RegistryConfig
	monitor   MonitorConfig
	challenge ChallengeConfig

	users    func(repository.UserRepository) repository.UserRepository
	patterns func(repository.BehaviorPatternRepository) repository.BehaviorPatternRepository
}

type envOption func(*envConfig)

func withRegistry(change func(*RegistryConfig)) envOption {
	return func(c *envConfig) { change(&c.registry) }
}

func withMonitor(change func(*MonitorConfig)) envOption {
	return func(c *envConfig) { change(&c.monitor) }
}

func withUsers(wrap func(repository.UserRepository) repository.UserRepository) envOption {
	return func(c *envConfig) { c.users = wrap }
}

func withPatterns(wrap func(repository.BehaviorPatternRepository) repository.BehaviorPatternRepository) envOption {
	return func(c *envConfig) { c.patterns = wrap }
}

type testEnv struct {
	t        *testing.T
	db       *gorm.DB
	clock    *fixedClock
	delivery *captureDelivery
	jwt      *utils.JWTManager

	users      repository.UserRepository
	sessions   repository.SessionRepository
	patterns   repository.BehaviorPatternRepository
	devices    repository.DeviceRepository
	secrets    repository.MFASecretRepository
	eventStore repository.SecurityEventRepository

	events     *SecurityEventRecorder
	baselines  *BaselineStore
	ledger     *DeviceLedger
	registry   *SessionRegistry
	challenges *MFAChallengeService
	totp       *TOTPProvider
	trust      *TrustService
	monitor    *SessionMonitor
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{
		risk:      risk.DefaultConfig(),
		registry:  DefaultRegistryConfig(),
		monitor:   DefaultMonitorConfig(),
		challenge: DefaultChallengeConfig(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := openTestDB(t)
	clock := newFixedClock(tuesdayMorning)
	log := quietLogger()
	env := &testEnv{
		t:          t,
		db:         db,
		clock:      clock,
		delivery:   &captureDelivery{},
		users:      repository.NewUserRepository(db),
		sessions:   repository.NewSessionRepository(db),
		patterns:   repository.NewBehaviorPatternRepository(db),
		devices:    repository.NewDeviceRepository(db),
		secrets:    repository.NewMFASecretRepository(db),
		eventStore: repository.NewSecurityEventRepository(db),
		totp:       NewTOTPProvider("sessiontrust-test"),
	}
	env.jwt = &utils.JWTManager{
		Secret:         []byte("test-secret"),
		Issuer:         "sessiontrust-test",
		AccessTokenTTL: 15 * time.Minute,
		Now:            clock.Now,
	}

	users := env.users
	if cfg.users != nil {
		users = cfg.users(users)
	}
	patterns := env.patterns
	if cfg.patterns != nil {
		patterns = cfg.patterns(patterns)
	}

	retry := DefaultRetryPolicy()
	scorer := risk.NewScorer(cfg.risk)
	env.events = NewSecurityEventRecorder(env.eventStore, clock, 0, log)
	env.baselines = NewBaselineStore(patterns, env.sessions, clock, risk.DefaultProfileConfig(), retry, log)
	env.ledger = NewDeviceLedger(env.devices, env.events, clock, DefaultLedgerConfig(), retry, log)
	env.registry = NewSessionRegistry(env.sessions, env.baselines, env.ledger, env.events, clock, cfg.registry, log)
	env.challenges = NewMFAChallengeService(
		repository.NewMFAChallengeRepository(db),
		env.secrets,
		ChallengeTokenIssuerJWT{Secret: []byte("challenge-secret"), Issuer: "sessiontrust-test", Clock: clock},
		env.totp,
		BcryptCodeHasher{Cost: bcrypt.MinCost},
		env.delivery,
		env.events,
		clock,
		cfg.challenge,
		log,
	)
	env.trust = NewTrustService(
		users,
		env.sessions,
		env.secrets,
		env.registry,
		env.ledger,
		env.baselines,
		scorer,
		env.challenges,
		env.events,
		JWTSessionIssuer{Manager: env.jwt},
		clock,
		DefaultTrustConfig(),
		log,
	)
	env.monitor = NewSessionMonitor(
		env.sessions,
		users,
		env.registry,
		env.ledger,
		env.baselines,
		scorer,
		env.challenges,
		env.events,
		env.trust.Attempts(),
		clock,
		cfg.monitor,
		log,
	)
	return env
}

func (e *testEnv) createUser(email string) *entity.User {
	e.t.Helper()
	user := &entity.User{Email: email, Role: entity.UserRoleUser, IsActive: true}
	require.NoError(e.t, e.users.Create(context.Background(), user))
	return user
}

func (e *testEnv) login(userID uuid.UUID, fingerprint string, loc risk.Location) *LoginResult {
	e.t.Helper()
	result, err := e.trust.EvaluateLogin(context.Background(), LoginInput{
		UserID:    userID,
		Device:    DeviceSignal{Fingerprint: fingerprint, UserAgent: "Mozilla/5.0 (Macintosh) Firefox/131.0"},
		IPAddress: "203.0.113.10",
		Location:  loc,
	})
	require.NoError(e.t, err)
	return result
}

func (e *testEnv) registerDevice(userID uuid.UUID, fingerprint string) *entity.Device {
	e.t.Helper()
	device, err := e.ledger.RegisterOrTouch(context.Background(), userID, DeviceSignal{Fingerprint: fingerprint, UserAgent: "curl/8.0"})
	require.NoError(e.t, err)
	return device
}

func (e *testEnv) openSession(userID, deviceID uuid.UUID, loc risk.Location, ip string) *entity.Session {
	e.t.Helper()
	session, _, err := e.registry.Open(context.Background(), OpenInput{
		UserID:    userID,
		DeviceID:  deviceID,
		Location:  loc,
		IPAddress: optionalString(ip),
	})
	require.NoError(e.t, err)
	return session
}

// officeHoursBaseline stores an established baseline for a user who works
// weekdays from 09:00 to 18:00 in the given places.
func (e *testEnv) officeHoursBaseline(userID uuid.UUID, samples int, places ...risk.Location) {
	e.t.Helper()
	row := &entity.BehaviorPattern{
		UserID:           userID,
		TypicalHourStart: 9,
		TypicalHourEnd:   18,
		TypicalDays:      []int{1, 2, 3, 4, 5},
		HourWeights:      make([]float64, 24),
		DayWeights:       make([]float64, 7),
		LocationWeights:  map[string]float64{},
		CountryWeights:   map[string]float64{},
		CommonEndpoints:  map[string]float64{"/v1/orders": 6, "/v1/profile": 2},
		SampleCount:      samples,

		AvgSessionDuration:    1800,
		AvgRequestsPerSession: 8,
	}
	for h := 9; h <= 18; h++ {
		row.HourWeights[h] = 0.2
	}
	for d := 1; d <= 5; d++ {
		row.DayWeights[d] = 0.2
	}
	for _, p := range places {
		row.LocationWeights[p.Place()] = 0.5
		row.CountryWeights[p.CountryKey()] = 0.5
		row.TypicalLocations = append(row.TypicalLocations, p.Place())
		if !slices.Contains(row.TypicalCountries, p.CountryKey()) {
			row.TypicalCountries = append(row.TypicalCountries, p.CountryKey())
		}
	}
	created, err := e.patterns.Create(context.Background(), row)
	require.NoError(e.t, err)
	require.True(e.t, created)
}

func (e *testEnv) countEvents(types ...entity.SecurityEventType) int64 {
	e.t.Helper()
	n, err := e.eventStore.Count(context.Background(), repository.SecurityEventFilter{Types: types})
	require.NoError(e.t, err)
	return n
}

func (e *testEnv) device(id uuid.UUID) *entity.Device {
	e.t.Helper()
	device, err := e.devices.FindByID(context.Background(), id)
	require.NoError(e.t, err)
	require.NotNil(e.t, device)
	return device
}

func (e *testEnv) session(id uuid.UUID) *entity.Session {
	e.t.Helper()
	session, err := e.sessions.FindByID(context.Background(), id)
	require.NoError(e.t, err)
	require.NotNil(e.t, session)
	return session
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/metrics"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/risk"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type MonitorConfig struct {
	Interval time.Duration
	// GlobalBurstLimit is the number of login attempts across all users in
	// BurstWindow above which a coordinated burst is reported.
	GlobalBurstLimit int
	// IPUserLimit is the number of distinct users a single IP may open
	// sessions for in BurstWindow.
	IPUserLimit   int
	BurstWindow   time.Duration
	BurstCooldown time.Duration
	// BatchSize is the page size used to walk the open sessions.
	BatchSize int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         time.Minute,
		GlobalBurstLimit: 100,
		IPUserLimit:      5,
		BurstWindow:      10 * time.Minute,
		BurstCooldown:    15 * time.Minute,
		BatchSize:        1000,
	}
}

type SweepReport struct {
	Expired    int   `json:"expired"`
	Rescored   int   `json:"rescored"`
	Elevated   int   `json:"elevated"`
	Challenged int   `json:"challenged"`
	Blocked    int   `json:"blocked"`
	Bursts     int   `json:"bursts"`
	Purged     int64 `json:"purged"`
	Errors     int   `json:"errors"`
}

// SessionMonitor periodically re-evaluates open sessions. A failing record is
// logged and counted and the sweep moves on.
type SessionMonitor struct {
	sessions   repository.SessionRepository
	users      repository.UserRepository
	registry   *SessionRegistry
	ledger     *DeviceLedger
	baselines  *BaselineStore
	scorer     *risk.Scorer
	challenges *MFAChallengeService
	events     *SecurityEventRecorder
	attempts   *risk.BurstTracker
	clock      Clock
	cfg        MonitorConfig
	log        logrus.FieldLogger

	mu       sync.Mutex
	cooldown map[string]time.Time
}

func NewSessionMonitor(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	registry *SessionRegistry,
	ledger *DeviceLedger,
	baselines *BaselineStore,
	scorer *risk.Scorer,
	challenges *MFAChallengeService,
	events *SecurityEventRecorder,
	attempts *risk.BurstTracker,
	clock Clock,
	cfg MonitorConfig,
	log logrus.FieldLogger,
) *SessionMonitor {
	defaults := DefaultMonitorConfig()
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = defaults.BurstWindow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	return &SessionMonitor{
		sessions:   sessions,
		users:      users,
		registry:   registry,
		ledger:     ledger,
		baselines:  baselines,
		scorer:     scorer,
		challenges: challenges,
		events:     events,
		attempts:   attempts,
		clock:      clock,
		cfg:        cfg,
		log:        log,
		cooldown:   make(map[string]time.Time),
	}
}

// Run performs one sweep. It is the body of the periodic scheduler task.
func (m *SessionMonitor) Run(ctx context.Context) error {
	_, err := m.Sweep(ctx)
	return err
}

// Sweep expires idle sessions, re-scores the active ones, looks for
// coordinated bursts and purges stale challenges. Open sessions are walked in
// pages of BatchSize ordered by (created_at, id). Sweeps never overlap.
func (m *SessionMonitor) Sweep(ctx context.Context) (SweepReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	now := m.clock.Now().UTC()
	var report SweepReport
	var errs []error
	fail := func(step string, id uuid.UUID, err error) {
		report.Errors++
		metrics.SweepErrors.WithLabelValues(step).Inc()
		entry := m.log.WithError(err).WithField("step", step)
		if id != uuid.Nil {
			entry = entry.WithField("session_id", id)
		}
		entry.Warn("sweep step failed")
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
	}

	opened, err := m.sessions.ListOpenedSince(ctx, now.Add(-m.cfg.BurstWindow))
	if err != nil {
		fail("recent_sessions", uuid.Nil, storeError("list recent sessions", err))
	}
	opensByUser := make(map[uuid.UUID]int)
	for i := range opened {
		opensByUser[opened[i].UserID]++
	}

	active := 0
	cursor := repository.SessionCursor{}
pages:
	for {
		page, err := m.sessions.ListOpen(ctx, cursor, m.cfg.BatchSize)
		if err != nil {
			fail("list_sessions", uuid.Nil, storeError("list open sessions", err))
			break
		}
		for i := range page {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break pages
			}
			session := &page[i]
			if !session.IsActive(now, m.registry.Config().ActivityTimeout) {
				if _, err := m.registry.Close(ctx, session.ID, entity.CloseTimeout); err != nil {
					if !errors.Is(err, ErrInvalidState) {
						fail("expire", session.ID, err)
					}
					continue
				}
				report.Expired++
				continue
			}

			decision, elevated, err := m.rescore(ctx, session, opensByUser[session.UserID], now)
			if err != nil {
				fail("rescore", session.ID, err)
				active++
				continue
			}
			report.Rescored++
			if elevated {
				report.Elevated++
			}
			if decision == risk.DecisionBlock {
				report.Blocked++
				continue
			}
			active++
			if session.StepUpRequired {
				issued, err := m.challengeSession(ctx, session)
				if err != nil {
					fail("step_up_challenge", session.ID, err)
				} else if issued {
					report.Challenged++
				}
			}
		}
		if len(page) < m.cfg.BatchSize {
			break
		}
		cursor = cursor.After(&page[len(page)-1])
	}

	if ctx.Err() == nil {
		bursts, err := m.detectBursts(ctx, opened, now)
		report.Bursts = bursts
		if err != nil {
			fail("bursts", uuid.Nil, err)
		}
	}
	if ctx.Err() == nil {
		purged, err := m.challenges.PurgeExpired(ctx)
		report.Purged = purged
		if err != nil {
			fail("purge_challenges", uuid.Nil, err)
		}
	}
	if m.attempts != nil {
		m.attempts.Prune(now)
	}
	metrics.ActiveSessions.Set(float64(active))

	m.log.WithFields(logrus.Fields{
		"expired":    report.Expired,
		"rescored":   report.Rescored,
		"elevated":   report.Elevated,
		"challenged": report.Challenged,
		"blocked":    report.Blocked,
		"bursts":     report.Bursts,
		"purged":     report.Purged,
		"errors":     report.Errors,
	}).Info("session sweep finished")
	return report, errors.Join(errs...)
}

// rescore re-evaluates one active session and applies the decision. elevated
// reports whether this sweep newly required step-up for the session.
func (m *SessionMonitor) rescore(ctx context.Context, session *entity.Session, storedOpens int, now time.Time) (decision risk.Decision, elevated bool, err error) {
	device, err := m.ledger.Get(ctx, session.DeviceID)
	if err != nil {
		return "", false, err
	}
	if device.Status == entity.DeviceBlocked {
		return risk.DecisionBlock, false, m.blockSession(ctx, session, device, risk.Blocked())
	}

	baseline, err := m.baselines.Get(ctx, session.UserID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", false, err
		}
		baseline = nil
	}

	opens := storedOpens
	if m.attempts != nil {
		if n := m.attempts.Count(session.UserID.String(), now); n > opens {
			opens = n
		}
	}
	assessment := m.scorer.Score(risk.Input{
		At:                session.LastActivityAt,
		Location:          locationOf(session),
		DeviceTrust:       m.ledger.EvaluateTrust(device, now),
		DeviceEstablished: device.Status != entity.DeviceUnknown,
		DeviceUntrusted:   device.Status == entity.DeviceUntrusted,
		RecentOpens:       opens,
		Requests:          session.RequestCount,
		Endpoints:         session.Endpoints,
	}, baseline)
	metrics.RiskScores.WithLabelValues("sweep").Observe(assessment.Score)

	decision = m.scorer.Decide(assessment.Score)
	switch decision {
	case risk.DecisionBlock:
		return decision, false, m.blockSession(ctx, session, device, assessment)
	case risk.DecisionChallenge:
		// Sessions that already passed a challenge are not asked again.
		elevated = !session.StepUpRequired && session.MFAVerifiedAt == nil && session.StepUpVerifiedAt == nil
	}
	if err := m.registry.UpdateRisk(ctx, session.ID, assessment, elevated); err != nil {
		return "", false, err
	}
	session.RiskScore = assessment.Score
	if elevated {
		session.StepUpRequired = true
		m.events.record(ctx, EventInput{
			Type:        entity.EventSessionRiskElevated,
			Severity:    entity.SeverityMedium,
			UserID:      uuidPtr(session.UserID),
			SessionID:   uuidPtr(session.ID),
			DeviceID:    uuidPtr(session.DeviceID),
			IPAddress:   session.IPAddress,
			Description: fmt.Sprintf("session risk rose to %.2f, step-up required", assessment.Score),
			Metadata:    map[string]any{"score": assessment.Score, "reasons": assessment.ReasonStrings()},
		})
	}
	return decision, elevated, nil
}

// challengeSession sends a step-up challenge to a session that needs one,
// unless an earlier challenge can still be answered.
func (m *SessionMonitor) challengeSession(ctx context.Context, session *entity.Session) (bool, error) {
	pending, err := m.challenges.PendingForSession(ctx, session.ID)
	if err != nil {
		return false, err
	}
	if pending != nil {
		return false, nil
	}
	user, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		return false, storeError("load user", err)
	}
	if user == nil {
		return false, ErrNotFound
	}
	issued, err := m.challenges.Issue(ctx, IssueInput{
		User:      user,
		DeviceID:  session.DeviceID,
		SessionID: session.ID,
		Location:  locationOf(session),
		IPAddress: session.IPAddress,
		RiskScore: session.RiskScore,
	})
	if err != nil {
		return false, err
	}
	m.log.WithFields(logrus.Fields{
		"session_id":   session.ID,
		"challenge_id": issued.ID,
		"method":       issued.Method,
	}).Info("step-up challenge issued for session")
	return true, nil
}

func (m *SessionMonitor) blockSession(ctx context.Context, session *entity.Session, device *entity.Device, assessment risk.Assessment) error {
	if err := m.registry.UpdateRisk(ctx, session.ID, assessment, false); err != nil {
		return err
	}
	if _, err := m.registry.Close(ctx, session.ID, entity.CloseRiskBlock); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return err
	}

	m.events.record(ctx, EventInput{
		Type:        entity.EventSessionBlocked,
		Severity:    entity.SeverityHigh,
		UserID:      uuidPtr(session.UserID),
		SessionID:   uuidPtr(session.ID),
		DeviceID:    uuidPtr(session.DeviceID),
		IPAddress:   session.IPAddress,
		Description: fmt.Sprintf("session closed with risk %.2f", assessment.Score),
		Metadata:    map[string]any{"score": assessment.Score, "reasons": assessment.ReasonStrings()},
	})
	if device.Status != entity.DeviceBlocked {
		if _, err := m.ledger.Transition(ctx, device.ID, entity.TrustEventHighRisk, TrustCause{
			SessionID: uuidPtr(session.ID),
			RiskScore: assessment.Score,
			Reasons:   assessment.ReasonStrings(),
			Note:      "session blocked by monitor",
		}); err != nil {
			metrics.SideEffectFailures.WithLabelValues("device_risk").Inc()
			m.log.WithError(err).WithField("device_id", device.ID).Warn("device risk transition")
		}
	}
	if err := m.baselines.RecordAnomaly(ctx, session.UserID, m.clock.Now().UTC()); err != nil {
		metrics.SideEffectFailures.WithLabelValues("record_anomaly").Inc()
		m.log.WithError(err).WithField("user_id", session.UserID).Warn("record anomaly")
	}
	return nil
}

// detectBursts counts login attempts in the window from the store: logins
// that were challenged, blocked or rejected, plus sessions opened without a
// challenge. A session opened through a challenge was already counted by its
// login_challenged event.
func (m *SessionMonitor) detectBursts(ctx context.Context, opened []entity.Session, now time.Time) (int, error) {
	since := now.Add(-m.cfg.BurstWindow)
	attempts, err := m.events.ListSince(ctx, since, entity.EventLoginChallenged, entity.EventLoginBlocked, entity.EventFailedLogin)
	if err != nil {
		return 0, err
	}

	usersByIP := make(map[string]map[uuid.UUID]struct{})
	add := func(ip *string, userID *uuid.UUID) {
		if ip == nil || *ip == "" || userID == nil {
			return
		}
		users, ok := usersByIP[*ip]
		if !ok {
			users = make(map[uuid.UUID]struct{})
			usersByIP[*ip] = users
		}
		users[*userID] = struct{}{}
	}
	for i := range opened {
		add(opened[i].IPAddress, &opened[i].UserID)
	}
	for i := range attempts {
		add(attempts[i].IPAddress, attempts[i].UserID)
	}

	for key, last := range m.cooldown {
		if now.Sub(last) >= m.cfg.BurstCooldown {
			delete(m.cooldown, key)
		}
	}

	found := 0
	var errs []error
	global := len(attempts)
	for i := range opened {
		if opened[i].MFAVerifiedAt == nil {
			global++
		}
	}
	if m.cfg.GlobalBurstLimit > 0 && global > m.cfg.GlobalBurstLimit {
		reported, err := m.reportBurst(ctx, "global", now, EventInput{
			Severity:    entity.SeverityCritical,
			Description: fmt.Sprintf("%d login attempts in %s across all users", global, m.cfg.BurstWindow),
			Metadata:    map[string]any{"scope": "global", "count": global, "limit": m.cfg.GlobalBurstLimit},
		})
		if err != nil {
			errs = append(errs, err)
		} else if reported {
			found++
		}
	}

	ips := make([]string, 0, len(usersByIP))
	for ip := range usersByIP {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	for _, ip := range ips {
		users := len(usersByIP[ip])
		if m.cfg.IPUserLimit <= 0 || users <= m.cfg.IPUserLimit {
			continue
		}
		key := "ip:" + ip
		address := ip
		reported, err := m.reportBurst(ctx, key, now, EventInput{
			Severity:    entity.SeverityHigh,
			IPAddress:   &address,
			Description: fmt.Sprintf("ip %s logged in as %d distinct users in %s", ip, users, m.cfg.BurstWindow),
			Metadata:    map[string]any{"scope": "ip", "ip": ip, "users": users, "limit": m.cfg.IPUserLimit},
		})
		if err != nil {
			errs = append(errs, err)
		} else if reported {
			found++
		}
	}
	return found, errors.Join(errs...)
}

// reportBurst emits a coordinated_burst event unless key is cooling down.
func (m *SessionMonitor) reportBurst(ctx context.Context, key string, now time.Time, in EventInput) (bool, error) {
	if last, ok := m.cooldown[key]; ok && now.Sub(last) < m.cfg.BurstCooldown {
		return false, nil
	}
	in.Type = entity.EventCoordinatedBurst
	if _, err := m.events.Record(ctx, in); err != nil {
		return false, err
	}
	m.cooldown[key] = now
	return true, nil
}

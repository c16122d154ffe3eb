package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeviceSignal is what the authentication layer knows about the client.
type DeviceSignal struct {
	Fingerprint string
	UserAgent   string
	IPAddress   string
	Name        string
}

type LedgerConfig struct {
	// TrustAfter is the number of consecutive low-risk sessions that promote an
	// unknown device to trusted.
	TrustAfter int
	HalfLife   time.Duration
	Neutral    float64

	LowRiskStep float64
	ConfirmStep float64
	RiskPenalty float64
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		TrustAfter:  3,
		HalfLife:    7 * 24 * time.Hour,
		Neutral:     0.5,
		LowRiskStep: 0.05,
		ConfirmStep: 0.2,
		RiskPenalty: 0.2,
	}
}

// TrustCause describes what triggered a transition, for the audit trail.
type TrustCause struct {
	SessionID *uuid.UUID
	ActorID   *uuid.UUID
	RiskScore float64
	Reasons   []string
	Note      string
}

// DeviceLedger owns device identity, trust scores and the status machine.
type DeviceLedger struct {
	devices repository.DeviceRepository
	events  *SecurityEventRecorder
	clock   Clock
	cfg     LedgerConfig
	retry   RetryPolicy
	log     logrus.FieldLogger

	locks keyedMutex
}

func NewDeviceLedger(
	devices repository.DeviceRepository,
	events *SecurityEventRecorder,
	clock Clock,
	cfg LedgerConfig,
	retry RetryPolicy,
	log logrus.FieldLogger,
) *DeviceLedger {
	return &DeviceLedger{
		devices: devices,
		events:  events,
		clock:   clock,
		cfg:     cfg,
		retry:   retry,
		log:     log,
	}
}

// RegisterOrTouch returns the device matching the signal, creating it as
// unknown on first sight. Known devices get their idle decay applied and their
// last-seen data refreshed.
func (l *DeviceLedger) RegisterOrTouch(ctx context.Context, userID uuid.UUID, signal DeviceSignal) (*entity.Device, error) {
	if userID == uuid.Nil {
		return nil, invalid("user_id", "required")
	}
	if strings.TrimSpace(signal.Fingerprint) == "" {
		return nil, invalid("fingerprint", "required")
	}
	fingerprint := utils.DeviceFingerprint(signal.Fingerprint, signal.UserAgent)

	device, err := l.findOrCreate(ctx, userID, fingerprint, signal)
	if err != nil || device == nil {
		return device, err
	}

	var touched *entity.Device
	err = l.update(ctx, device.ID, func(d *entity.Device, now time.Time) error {
		l.decay(d, now)
		if now.After(d.LastSeenAt) {
			d.LastSeenAt = now
		}
		d.LastIP = optionalString(signal.IPAddress)
		d.UserAgent = optionalString(signal.UserAgent)
		if signal.Name != "" {
			d.Name = signal.Name
		}
		touched = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

func (l *DeviceLedger) findOrCreate(ctx context.Context, userID uuid.UUID, fingerprint string, signal DeviceSignal) (*entity.Device, error) {
	unlock := l.locks.Lock("fp:" + userID.String() + ":" + fingerprint)
	defer unlock()

	device, err := l.devices.FindByFingerprint(ctx, userID, fingerprint)
	if err != nil {
		return nil, storeError("load device", err)
	}
	if device != nil {
		return device, nil
	}

	now := l.clock.Now().UTC()
	device = &entity.Device{
		UserID:         userID,
		Fingerprint:    fingerprint,
		Name:           signal.Name,
		UserAgent:      optionalString(signal.UserAgent),
		LastIP:         optionalString(signal.IPAddress),
		Status:         entity.DeviceUnknown,
		TrustScore:     l.cfg.Neutral,
		TrustUpdatedAt: now,
		FirstSeenAt:    now,
		LastSeenAt:     now,
	}
	if err := l.devices.Create(ctx, device); err != nil {
		// Another process may have registered the same device meanwhile.
		existing, findErr := l.devices.FindByFingerprint(ctx, userID, fingerprint)
		if findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, storeError("create device", err)
	}
	l.log.WithFields(logrus.Fields{"user_id": userID, "device_id": device.ID}).Info("device registered")
	return device, nil
}

func (l *DeviceLedger) Get(ctx context.Context, id uuid.UUID) (*entity.Device, error) {
	device, err := l.devices.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("load device", err)
	}
	if device == nil {
		return nil, ErrNotFound
	}
	return device, nil
}

func (l *DeviceLedger) ListByUser(ctx context.Context, userID uuid.UUID) ([]entity.Device, error) {
	devices, err := l.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, storeError("list devices", err)
	}
	return devices, nil
}

// EvaluateTrust is the device's trust score at now: the stored score decayed
// toward neutral with the configured half-life since it was last written.
func (l *DeviceLedger) EvaluateTrust(d *entity.Device, now time.Time) float64 {
	idle := now.Sub(d.TrustUpdatedAt)
	if idle <= 0 || l.cfg.HalfLife <= 0 {
		return clamp01(d.TrustScore)
	}
	factor := math.Pow(0.5, idle.Hours()/l.cfg.HalfLife.Hours())
	return clamp01(l.cfg.Neutral + (d.TrustScore-l.cfg.Neutral)*factor)
}

// Transition applies event to the device's status machine and trust score.
// Events that the current status does not accept fail with ErrInvalidState.
func (l *DeviceLedger) Transition(ctx context.Context, deviceID uuid.UUID, event entity.TrustEvent, cause TrustCause) (*entity.Device, error) {
	var (
		result *entity.Device
		from   entity.DeviceStatus
	)
	err := l.update(ctx, deviceID, func(d *entity.Device, now time.Time) error {
		next, ok := entity.NextDeviceStatus(d.Status, event)
		if !ok {
			return fmt.Errorf("%w: %s not allowed for %s device", ErrInvalidState, event, d.Status)
		}
		from = d.Status
		l.decay(d, now)

		switch event {
		case entity.TrustEventLowRiskSession:
			d.TrustScore += l.cfg.LowRiskStep
			d.ConsecutiveLowRisk++
			if d.Status == entity.DeviceUnknown && d.ConsecutiveLowRisk < l.cfg.TrustAfter {
				next = entity.DeviceUnknown
			}
		case entity.TrustEventConfirmed:
			d.TrustScore += l.cfg.ConfirmStep
		case entity.TrustEventMediumRisk, entity.TrustEventHighRisk:
			d.TrustScore -= l.cfg.RiskPenalty
			d.ConsecutiveLowRisk = 0
		case entity.TrustEventAdminBlock:
			d.ConsecutiveLowRisk = 0
		case entity.TrustEventAdminUnblock:
			d.TrustScore = l.cfg.Neutral
			d.ConsecutiveLowRisk = 0
		}
		d.TrustScore = clamp01(d.TrustScore)
		d.ApplyStatus(next, now)
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Status != from {
		l.log.WithFields(logrus.Fields{
			"device_id": result.ID,
			"from":      from,
			"to":        result.Status,
			"event":     event,
		}).Info("device status changed")
		l.events.record(ctx, EventInput{
			Type:        entity.EventDeviceStatusChanged,
			Severity:    transitionSeverity(result.Status),
			UserID:      uuidPtr(result.UserID),
			SessionID:   cause.SessionID,
			DeviceID:    uuidPtr(result.ID),
			IPAddress:   result.LastIP,
			Description: fmt.Sprintf("device %s moved from %s to %s on %s", result.ID, from, result.Status, event),
			Metadata: map[string]any{
				"from":        from,
				"to":          result.Status,
				"event":       event,
				"risk_score":  cause.RiskScore,
				"reasons":     cause.Reasons,
				"actor_id":    cause.ActorID,
				"note":        cause.Note,
				"trust_score": result.TrustScore,
			},
		})
	}
	return result, nil
}

// update runs change against a fresh copy of the device under its lock and
// stores the result with a version check.
func (l *DeviceLedger) update(ctx context.Context, deviceID uuid.UUID, change func(d *entity.Device, now time.Time) error) error {
	unlock := l.locks.Lock(deviceID.String())
	defer unlock()

	return withRetry(ctx, l.retry, func() error {
		device, err := l.devices.FindByID(ctx, deviceID)
		if err != nil {
			return storeError("load device", err)
		}
		if device == nil {
			return ErrNotFound
		}
		expected := device.Version
		if err := change(device, l.clock.Now().UTC()); err != nil {
			return err
		}
		ok, err := l.devices.UpdateVersioned(ctx, device, expected)
		if err != nil {
			return storeError("update device", err)
		}
		if !ok {
			return ErrConcurrencyConflict
		}
		return nil
	})
}

func (l *DeviceLedger) decay(d *entity.Device, now time.Time) {
	d.TrustScore = l.EvaluateTrust(d, now)
	if now.After(d.TrustUpdatedAt) {
		d.TrustUpdatedAt = now
	}
}

func transitionSeverity(to entity.DeviceStatus) entity.Severity {
	switch to {
	case entity.DeviceBlocked:
		return entity.SeverityHigh
	case entity.DeviceUntrusted:
		return entity.SeverityMedium
	default:
		return entity.SeverityLow
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

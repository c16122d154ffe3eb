package service

import (
	"context"
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/risk"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// recomputeWindow is how many recent closed sessions rebuild a missing baseline.
const recomputeWindow = 50

// BaselineStore keeps one behavior baseline per user. Updates for a user are
// serialized in process by a keyed mutex and across processes by a version
// compare-and-swap on the row.
type BaselineStore struct {
	patterns repository.BehaviorPatternRepository
	sessions repository.SessionRepository
	clock    Clock
	cfg      risk.ProfileConfig
	retry    RetryPolicy
	log      logrus.FieldLogger

	locks     keyedMutex
	recompute singleflight.Group
}

func NewBaselineStore(
	patterns repository.BehaviorPatternRepository,
	sessions repository.SessionRepository,
	clock Clock,
	cfg risk.ProfileConfig,
	retry RetryPolicy,
	log logrus.FieldLogger,
) *BaselineStore {
	return &BaselineStore{
		patterns: patterns,
		sessions: sessions,
		clock:    clock,
		cfg:      cfg,
		retry:    retry,
		log:      log,
	}
}

// Get returns the user's baseline. A missing row is rebuilt from closed
// session history; ErrNotFound means the user has none.
func (s *BaselineStore) Get(ctx context.Context, userID uuid.UUID) (*risk.Profile, error) {
	row, err := s.patterns.FindByUserID(ctx, userID)
	if err != nil {
		return nil, storeError("load baseline", err)
	}
	if row != nil {
		profile := profileFromPattern(row)
		return &profile, nil
	}

	v, err, _ := s.recompute.Do(userID.String(), func() (any, error) {
		return s.rebuild(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*risk.Profile), nil
}

// Update folds a closed session into the baseline.
func (s *BaselineStore) Update(ctx context.Context, userID uuid.UUID, session risk.Observation) (*risk.Profile, error) {
	var out risk.Profile
	err := s.mutate(ctx, userID, func(row *entity.BehaviorPattern) {
		out = profileFromPattern(row).Merge(session, s.cfg)
		applyProfile(row, out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Seed creates a zero-sample baseline from a user's first opened session. An
// existing baseline is left alone.
func (s *BaselineStore) Seed(ctx context.Context, userID uuid.UUID, opened risk.Observation) error {
	row, err := s.patterns.FindByUserID(ctx, userID)
	if err != nil {
		return storeError("load baseline", err)
	}
	if row != nil {
		return nil
	}
	seeded := &entity.BehaviorPattern{UserID: userID}
	applyProfile(seeded, risk.SeedProfile(opened, s.cfg))
	if _, err := s.patterns.Create(ctx, seeded); err != nil {
		return storeError("seed baseline", err)
	}
	return nil
}

func (s *BaselineStore) RecordAnomaly(ctx context.Context, userID uuid.UUID, at time.Time) error {
	return s.mutate(ctx, userID, func(row *entity.BehaviorPattern) {
		row.AnomalyCount++
		t := at.UTC()
		row.LastAnomalyAt = &t
	})
}

func (s *BaselineStore) RecordFailedLogin(ctx context.Context, userID uuid.UUID) error {
	return s.mutate(ctx, userID, func(row *entity.BehaviorPattern) {
		row.FailedLoginCount++
	})
}

// Counters returns the stored counters without triggering a rebuild.
func (s *BaselineStore) Counters(ctx context.Context, userID uuid.UUID) (*entity.BehaviorPattern, error) {
	row, err := s.patterns.FindByUserID(ctx, userID)
	if err != nil {
		return nil, storeError("load baseline", err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row, nil
}

// mutate applies change to the current row under the user's lock and writes
// it back with a version check, retrying when another writer won the race.
// A missing row is created from an empty profile first.
func (s *BaselineStore) mutate(ctx context.Context, userID uuid.UUID, change func(row *entity.BehaviorPattern)) error {
	unlock := s.locks.Lock(userID.String())
	defer unlock()

	return withRetry(ctx, s.retry, func() error {
		row, err := s.patterns.FindByUserID(ctx, userID)
		if err != nil {
			return storeError("load baseline", err)
		}
		if row == nil {
			row = &entity.BehaviorPattern{UserID: userID}
			applyProfile(row, risk.Profile{})
			change(row)
			created, err := s.patterns.Create(ctx, row)
			if err != nil {
				return storeError("create baseline", err)
			}
			if !created {
				return ErrConcurrencyConflict
			}
			return nil
		}

		expected := row.Version
		change(row)
		ok, err := s.patterns.UpdateVersioned(ctx, row, expected)
		if err != nil {
			return storeError("update baseline", err)
		}
		if !ok {
			s.log.WithField("user_id", userID).Debug("baseline version conflict, retrying")
			return ErrConcurrencyConflict
		}
		return nil
	})
}

func (s *BaselineStore) rebuild(ctx context.Context, userID uuid.UUID) (*risk.Profile, error) {
	closed, err := s.sessions.ListClosedByUser(ctx, userID, recomputeWindow)
	if err != nil {
		return nil, storeError("load session history", err)
	}
	if len(closed) == 0 {
		return nil, ErrNotFound
	}
	var profile risk.Profile
	for i := range closed {
		profile = profile.Merge(observationFromSession(&closed[i]), s.cfg)
	}

	row := &entity.BehaviorPattern{UserID: userID}
	applyProfile(row, profile)
	created, err := s.patterns.Create(ctx, row)
	if err != nil {
		return nil, storeError("store rebuilt baseline", err)
	}
	if !created {
		// Someone else stored one first; theirs wins.
		existing, err := s.patterns.FindByUserID(ctx, userID)
		if err != nil {
			return nil, storeError("load baseline", err)
		}
		if existing != nil {
			profile = profileFromPattern(existing)
		}
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "sessions": len(closed)}).Info("baseline rebuilt from history")
	return &profile, nil
}

func observationFromSession(s *entity.Session) risk.Observation {
	return risk.Observation{
		At:        s.CreatedAt,
		Location:  locationOf(s),
		Duration:  s.Duration(),
		Requests:  s.RequestCount,
		Endpoints: s.Endpoints,
	}
}

func locationOf(s *entity.Session) risk.Location {
	return risk.Location{Country: s.Country, City: s.City, Latitude: s.Latitude, Longitude: s.Longitude}
}

func profileFromPattern(row *entity.BehaviorPattern) risk.Profile {
	p := risk.Profile{
		LocationWeights:    copyFloatMap(row.LocationWeights),
		CountryWeights:     copyFloatMap(row.CountryWeights),
		Hours:              risk.HourWindow{Start: row.TypicalHourStart, End: row.TypicalHourEnd},
		Locations:          append([]string(nil), row.TypicalLocations...),
		Countries:          append([]string(nil), row.TypicalCountries...),
		AvgSessionDuration: time.Duration(row.AvgSessionDuration * float64(time.Second)),
		AvgRequests:        row.AvgRequestsPerSession,
		Endpoints:          copyFloatMap(row.CommonEndpoints),
		Samples:            row.SampleCount,
	}
	copy(p.HourWeights[:], row.HourWeights)
	copy(p.DayWeights[:], row.DayWeights)
	for _, d := range row.TypicalDays {
		p.Days = append(p.Days, time.Weekday(d))
	}
	return p
}

func applyProfile(row *entity.BehaviorPattern, p risk.Profile) {
	row.TypicalHourStart = p.Hours.Start
	row.TypicalHourEnd = p.Hours.End
	row.TypicalDays = make([]int, 0, len(p.Days))
	for _, d := range p.Days {
		row.TypicalDays = append(row.TypicalDays, int(d))
	}
	row.TypicalLocations = append([]string{}, p.Locations...)
	row.TypicalCountries = append([]string{}, p.Countries...)
	row.HourWeights = append([]float64(nil), p.HourWeights[:]...)
	row.DayWeights = append([]float64(nil), p.DayWeights[:]...)
	row.LocationWeights = copyFloatMap(p.LocationWeights)
	row.CountryWeights = copyFloatMap(p.CountryWeights)
	row.AvgSessionDuration = p.AvgSessionDuration.Seconds()
	row.AvgRequestsPerSession = p.AvgRequests
	row.CommonEndpoints = copyFloatMap(p.Endpoints)
	row.SampleCount = p.Samples
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package risk

import (
	"math"
	"time"
)

type Reason string

const (
	ReasonUnusualHour        Reason = "unusual_hour"
	ReasonUnusualWeekday     Reason = "unusual_weekday"
	ReasonNewLocation        Reason = "new_location"
	ReasonNewCountry         Reason = "new_country"
	ReasonLowDeviceTrust     Reason = "low_device_trust"
	ReasonSessionBurst       Reason = "session_burst"
	ReasonEndpointDivergence Reason = "endpoint_divergence"
	ReasonDeviceBlocked      Reason = "device_blocked"
	ReasonAssessmentDegraded Reason = "assessment_degraded"
)

type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionChallenge Decision = "challenge_mfa"
	DecisionBlock     Decision = "block"
)

func (d Decision) rank() int {
	switch d {
	case DecisionBlock:
		return 2
	case DecisionChallenge:
		return 1
	default:
		return 0
	}
}

// Stricter returns whichever of d and other is more restrictive.
func (d Decision) Stricter(other Decision) Decision {
	if other.rank() > d.rank() {
		return other
	}
	return d
}

// Input is everything the scorer looks at besides the baseline. At is the time
// the activity happened; the scorer never reads the wall clock.
type Input struct {
	At       time.Time
	Location Location

	DeviceTrust float64
	// DeviceEstablished is true once the device has left the unknown status.
	DeviceEstablished bool
	DeviceUntrusted   bool

	// RecentOpens is the number of session opens by the user inside the burst
	// window, including the one being scored.
	RecentOpens int

	Requests  int
	Endpoints map[string]int
}

// Signal is one contribution to an assessment.
type Signal struct {
	Reason Reason  `json:"reason"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value,omitempty"`
}

type Assessment struct {
	Score   float64  `json:"score"`
	Reasons []Reason `json:"reasons"`
	Signals []Signal `json:"signals,omitempty"`
}

func (a Assessment) Has(reason Reason) bool {
	for _, r := range a.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func (a Assessment) ReasonStrings() []string {
	out := make([]string, len(a.Reasons))
	for i, r := range a.Reasons {
		out[i] = string(r)
	}
	return out
}

// Scorer combines the anomaly signals into a single risk score.
type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Config() Config {
	return s.cfg
}

// Score evaluates in against baseline. A nil baseline, or one with fewer than
// MinSamples closed sessions, means the user has no history, so every
// baseline-relative signal is skipped.
func (s *Scorer) Score(in Input, baseline *Profile) Assessment {
	if baseline != nil && baseline.Samples < s.cfg.MinSamples {
		baseline = nil
	}
	w := s.cfg.Weights
	var signals []Signal
	fire := func(reason Reason, weight, value float64) {
		signals = append(signals, Signal{Reason: reason, Weight: weight, Value: value})
	}

	at := in.At.UTC()
	if baseline != nil {
		if !baseline.Hours.Contains(at.Hour(), s.cfg.HourTolerance) {
			fire(ReasonUnusualHour, w.Hour, float64(at.Hour()))
		}
		if !baseline.HasDay(at.Weekday()) {
			fire(ReasonUnusualWeekday, w.Weekday, float64(at.Weekday()))
		}
		if in.Location.Known() {
			switch {
			case len(baseline.Countries) > 0 && !baseline.HasCountry(in.Location.CountryKey()):
				fire(ReasonNewCountry, w.Country, 0)
			case !baseline.HasLocation(in.Location.Place()):
				fire(ReasonNewLocation, w.Location, 0)
			}
		}
		if in.Requests >= s.cfg.MinEndpointRequests {
			if d := CosineDistance(in.Endpoints, baseline.Endpoints); d > s.cfg.EndpointDivergence {
				fire(ReasonEndpointDivergence, w.Endpoint, round(d))
			}
		}
	}

	if in.DeviceUntrusted || (in.DeviceTrust < s.cfg.TrustedThreshold && (baseline != nil || in.DeviceEstablished)) {
		fire(ReasonLowDeviceTrust, w.Device, round(in.DeviceTrust))
	}

	if in.RecentOpens > s.cfg.BurstLimit {
		fire(ReasonSessionBurst, w.Burst, float64(in.RecentOpens))
	}

	var total float64
	reasons := make([]Reason, 0, len(signals))
	for _, sig := range signals {
		total += sig.Weight
		reasons = append(reasons, sig.Reason)
	}
	return Assessment{Score: clip(round(total)), Reasons: reasons, Signals: signals}
}

// Decide maps a score to a decision. A score equal to a threshold takes the
// stricter branch.
func (s *Scorer) Decide(score float64) Decision {
	switch {
	case score >= s.cfg.BlockThreshold:
		return DecisionBlock
	case score >= s.cfg.ChallengeThreshold:
		return DecisionChallenge
	default:
		return DecisionAllow
	}
}

// Blocked is the assessment used for devices that are already blocked.
func Blocked() Assessment {
	return Assessment{
		Score:   1,
		Reasons: []Reason{ReasonDeviceBlocked},
		Signals: []Signal{{Reason: ReasonDeviceBlocked, Weight: 1}},
	}
}

// Degrade marks an assessment produced with missing inputs.
func (a Assessment) Degrade() Assessment {
	if a.Has(ReasonAssessmentDegraded) {
		return a
	}
	a.Reasons = append(append([]Reason(nil), a.Reasons...), ReasonAssessmentDegraded)
	return a
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clip(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

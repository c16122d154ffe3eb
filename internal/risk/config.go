package risk

import "time"

// Weights is the contribution of each signal to the combined score.
type Weights struct {
	Hour     float64
	Weekday  float64
	Location float64
	Country  float64
	Device   float64
	Burst    float64
	Endpoint float64
}

type Config struct {
	Weights Weights

	// HourTolerance widens the typical hour window on both sides.
	HourTolerance int
	// TrustedThreshold is the device trust score below which a device is
	// treated as unfamiliar.
	TrustedThreshold float64
	// BurstLimit is the number of session opens allowed per user inside
	// BurstWindow before the burst signal fires.
	BurstLimit  int
	BurstWindow time.Duration
	// EndpointDivergence is the cosine distance above which a session's endpoint
	// mix is considered foreign. It is only evaluated once the session has made
	// MinEndpointRequests requests.
	EndpointDivergence  float64
	MinEndpointRequests int

	ChallengeThreshold float64
	BlockThreshold     float64

	// MinSamples is the number of closed sessions a baseline needs before the
	// baseline-relative signals are evaluated against it.
	MinSamples int
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Hour:     0.20,
			Weekday:  0.15,
			Location: 0.20,
			Country:  0.40,
			Device:   0.25,
			Burst:    0.45,
			Endpoint: 0.15,
		},
		HourTolerance:       1,
		TrustedThreshold:    0.6,
		BurstLimit:          5,
		BurstWindow:         10 * time.Minute,
		EndpointDivergence:  0.5,
		MinEndpointRequests: 5,
		ChallengeThreshold:  0.40,
		BlockThreshold:      0.75,
		MinSamples:          1,
	}
}

// ProfileConfig controls how baselines absorb new sessions.
type ProfileConfig struct {
	// Smoothing is the weight given to the newest session in every moving average.
	Smoothing float64
	// Presence is the histogram weight a bucket needs before it counts as typical.
	Presence float64
}

func DefaultProfileConfig() ProfileConfig {
	return ProfileConfig{Smoothing: 0.1, Presence: 0.15}
}

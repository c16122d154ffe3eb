package risk

import (
	"sort"
	"time"
)

const pruneBelow = 0.001

// HourWindow is an inclusive range of hours of day. Start > End wraps midnight.
type HourWindow struct {
	Start int
	End   int
}

func (w HourWindow) contains(hour int) bool {
	if w.Start <= w.End {
		return hour >= w.Start && hour <= w.End
	}
	return hour >= w.Start || hour <= w.End
}

// Contains reports whether hour falls in the window widened by tolerance hours.
func (w HourWindow) Contains(hour, tolerance int) bool {
	for d := -tolerance; d <= tolerance; d++ {
		if w.contains(((hour+d)%24 + 24) % 24) {
			return true
		}
	}
	return false
}

// Observation is what a single session contributes to a baseline.
type Observation struct {
	At        time.Time
	Location  Location
	Duration  time.Duration
	Requests  int
	Endpoints map[string]int
}

// Profile is the statistical summary of a user's normal access behavior.
// The weight histograms are the source of truth; the typical sets are derived
// from them after every change.
type Profile struct {
	HourWeights     [24]float64
	DayWeights      [7]float64
	LocationWeights map[string]float64
	CountryWeights  map[string]float64

	Hours     HourWindow
	Days      []time.Weekday
	Locations []string
	Countries []string

	AvgSessionDuration time.Duration
	AvgRequests        float64
	Endpoints          map[string]float64

	// Samples counts closed sessions merged so far. A seeded profile has zero.
	Samples int
}

// SeedProfile builds a baseline from the first login of a user, before any
// session has closed.
func SeedProfile(o Observation, cfg ProfileConfig) Profile {
	p := Profile{
		LocationWeights: map[string]float64{},
		CountryWeights:  map[string]float64{},
		Endpoints:       map[string]float64{},
	}
	p.setOneHot(o)
	p.derive(cfg)
	return p
}

// Merge folds a closed session into the profile. The first closed session
// initializes the profile outright; later ones move every average by the
// smoothing factor so a single outlier cannot dominate.
func (p Profile) Merge(o Observation, cfg ProfileConfig) Profile {
	next := p.clone()
	if next.Samples == 0 {
		next.setOneHot(o)
		next.AvgSessionDuration = o.Duration
		next.AvgRequests = float64(o.Requests)
		next.Endpoints = make(map[string]float64, len(o.Endpoints))
		for endpoint, count := range o.Endpoints {
			next.Endpoints[endpoint] = float64(count)
		}
		next.Samples = 1
		next.derive(cfg)
		return next
	}

	a := cfg.Smoothing
	at := o.At.UTC()
	for h := range next.HourWeights {
		next.HourWeights[h] *= 1 - a
	}
	next.HourWeights[at.Hour()] += a
	for d := range next.DayWeights {
		next.DayWeights[d] *= 1 - a
	}
	next.DayWeights[at.Weekday()] += a
	if o.Location.Known() {
		decayInto(next.LocationWeights, a, o.Location.Place(), a)
		decayInto(next.CountryWeights, a, o.Location.CountryKey(), a)
	}

	next.AvgSessionDuration = time.Duration((1-a)*float64(next.AvgSessionDuration) + a*float64(o.Duration))
	next.AvgRequests = (1-a)*next.AvgRequests + a*float64(o.Requests)
	for endpoint := range next.Endpoints {
		next.Endpoints[endpoint] *= 1 - a
	}
	for endpoint, count := range o.Endpoints {
		next.Endpoints[endpoint] += a * float64(count)
	}
	prune(next.Endpoints, 0.01)

	next.Samples++
	next.derive(cfg)
	return next
}

// HasDay reports whether the weekday is typical.
func (p Profile) HasDay(day time.Weekday) bool {
	for _, d := range p.Days {
		if d == day {
			return true
		}
	}
	return false
}

func (p Profile) HasLocation(place string) bool {
	return containsString(p.Locations, place)
}

func (p Profile) HasCountry(country string) bool {
	return containsString(p.Countries, country)
}

func (p *Profile) setOneHot(o Observation) {
	at := o.At.UTC()
	p.HourWeights = [24]float64{}
	p.HourWeights[at.Hour()] = 1
	p.DayWeights = [7]float64{}
	p.DayWeights[at.Weekday()] = 1
	p.LocationWeights = map[string]float64{}
	p.CountryWeights = map[string]float64{}
	if o.Location.Known() {
		p.LocationWeights[o.Location.Place()] = 1
		p.CountryWeights[o.Location.CountryKey()] = 1
	}
}

func (p *Profile) derive(cfg ProfileConfig) {
	var hours []int
	for h, w := range p.HourWeights {
		if w >= cfg.Presence {
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		hours = []int{argmax(p.HourWeights[:])}
	}
	p.Hours = coveringWindow(hours)

	p.Days = p.Days[:0]
	for d, w := range p.DayWeights {
		if w >= cfg.Presence {
			p.Days = append(p.Days, time.Weekday(d))
		}
	}
	if len(p.Days) == 0 {
		p.Days = append(p.Days, time.Weekday(argmax(p.DayWeights[:])))
	}

	p.Locations = typicalKeys(p.LocationWeights, cfg.Presence)
	p.Countries = typicalKeys(p.CountryWeights, cfg.Presence)
}

func (p Profile) clone() Profile {
	next := p
	next.LocationWeights = copyWeights(p.LocationWeights)
	next.CountryWeights = copyWeights(p.CountryWeights)
	next.Endpoints = copyWeights(p.Endpoints)
	next.Days = append([]time.Weekday(nil), p.Days...)
	next.Locations = append([]string(nil), p.Locations...)
	next.Countries = append([]string(nil), p.Countries...)
	return next
}

// coveringWindow returns the shortest circular window that contains every
// hour. It is the complement of the largest gap between consecutive hours.
func coveringWindow(hours []int) HourWindow {
	sort.Ints(hours)
	if len(hours) == 1 {
		return HourWindow{Start: hours[0], End: hours[0]}
	}
	bestGap := -1
	window := HourWindow{Start: hours[0], End: hours[len(hours)-1]}
	for i := range hours {
		cur := hours[i]
		next := hours[(i+1)%len(hours)]
		gap := (next - cur + 24) % 24
		if gap > bestGap {
			bestGap = gap
			window = HourWindow{Start: next, End: cur}
		}
	}
	return window
}

func decayInto(weights map[string]float64, alpha float64, key string, add float64) {
	for k := range weights {
		weights[k] *= 1 - alpha
	}
	weights[key] += add
	prune(weights, pruneBelow)
}

func prune(weights map[string]float64, below float64) {
	for k, w := range weights {
		if w < below {
			delete(weights, k)
		}
	}
}

func typicalKeys(weights map[string]float64, presence float64) []string {
	keys := make([]string, 0, len(weights))
	for k, w := range weights {
		if w >= presence {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func copyWeights(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

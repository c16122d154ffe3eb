package risk

import (
	"math"
	"strings"
	"time"
)

const earthRadiusKm = 6371.0

type Location struct {
	Country   string
	City      string
	Latitude  *float64
	Longitude *float64
}

// Known reports whether the location carries at least a country.
func (l Location) Known() bool {
	return strings.TrimSpace(l.Country) != ""
}

func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Place is the key under which a location is stored in a baseline.
func (l Location) Place() string {
	country := strings.ToUpper(strings.TrimSpace(l.Country))
	city := strings.TrimSpace(l.City)
	if city == "" {
		return country
	}
	return city + "," + country
}

func (l Location) CountryKey() string {
	return strings.ToUpper(strings.TrimSpace(l.Country))
}

// HaversineKm returns the great-circle distance between two coordinates.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

type TravelPolicy struct {
	MinDistanceKm float64
	MaxSpeedKmh   float64
}

func DefaultTravelPolicy() TravelPolicy {
	return TravelPolicy{MinDistanceKm: 500, MaxSpeedKmh: 900}
}

// TravelFinding describes why two locations could not both be genuine.
type TravelFinding struct {
	DistanceKm float64
	SpeedKmh   float64
	Elapsed    time.Duration
}

// ImpossibleTravel decides whether a and b, observed elapsed apart, are too far
// apart to belong to one person. With coordinates on both sides the implied
// speed is checked; otherwise two different known countries are enough.
func ImpossibleTravel(a, b Location, elapsed time.Duration, policy TravelPolicy) (TravelFinding, bool) {
	if elapsed < 0 {
		elapsed = -elapsed
	}
	finding := TravelFinding{Elapsed: elapsed}
	if a.HasCoordinates() && b.HasCoordinates() {
		finding.DistanceKm = HaversineKm(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
		if finding.DistanceKm < policy.MinDistanceKm {
			return finding, false
		}
		hours := elapsed.Hours()
		if hours <= 0 {
			finding.SpeedKmh = math.Inf(1)
			return finding, true
		}
		finding.SpeedKmh = finding.DistanceKm / hours
		return finding, finding.SpeedKmh > policy.MaxSpeedKmh
	}
	if !a.Known() || !b.Known() {
		return finding, false
	}
	return finding, a.CountryKey() != b.CountryKey()
}

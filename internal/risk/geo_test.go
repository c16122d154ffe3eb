package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func coords(lat, lon float64) (*float64, *float64) {
	return &lat, &lon
}

func TestHaversineKm(t *testing.T) {
	// Seoul to Tokyo is roughly 1,160 km.
	d := HaversineKm(37.5665, 126.9780, 35.6762, 139.6503)
	assert.InDelta(t, 1160, d, 20)
	assert.InDelta(t, 0, HaversineKm(10, 10, 10, 10), 1e-9)
}

func TestImpossibleTravel(t *testing.T) {
	policy := DefaultTravelPolicy()
	seoulLat, seoulLon := coords(37.5665, 126.9780)
	tokyoLat, tokyoLon := coords(35.6762, 139.6503)
	incheonLat, incheonLon := coords(37.4563, 126.7052)

	withCoords := func(country, city string, lat, lon *float64) Location {
		return Location{Country: country, City: city, Latitude: lat, Longitude: lon}
	}

	_, fast := ImpossibleTravel(withCoords("KR", "Seoul", seoulLat, seoulLon), withCoords("JP", "Tokyo", tokyoLat, tokyoLon), 30*time.Minute, policy)
	assert.True(t, fast)

	_, slow := ImpossibleTravel(withCoords("KR", "Seoul", seoulLat, seoulLon), withCoords("JP", "Tokyo", tokyoLat, tokyoLon), 3*time.Hour, policy)
	assert.False(t, slow)

	_, near := ImpossibleTravel(withCoords("KR", "Seoul", seoulLat, seoulLon), withCoords("KR", "Incheon", incheonLat, incheonLon), 0, policy)
	assert.False(t, near)

	_, countries := ImpossibleTravel(Location{Country: "KR"}, Location{Country: "jp"}, time.Hour, policy)
	assert.True(t, countries)

	_, unknown := ImpossibleTravel(Location{Country: "KR"}, Location{}, time.Hour, policy)
	assert.False(t, unknown)
}

package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedProfile(t *testing.T) {
	at := time.Date(2026, 10, 13, 14, 0, 0, 0, time.UTC)
	p := SeedProfile(Observation{At: at, Location: seoul}, DefaultProfileConfig())

	assert.Equal(t, HourWindow{Start: 14, End: 14}, p.Hours)
	assert.Equal(t, []time.Weekday{time.Tuesday}, p.Days)
	assert.Equal(t, []string{"Seoul,KR"}, p.Locations)
	assert.Equal(t, []string{"KR"}, p.Countries)
	assert.Zero(t, p.Samples)
}

func TestMergeFirstSessionInitializes(t *testing.T) {
	cfg := DefaultProfileConfig()
	at := time.Date(2026, 10, 13, 14, 0, 0, 0, time.UTC)
	seeded := SeedProfile(Observation{At: at, Location: seoul}, cfg)

	got := seeded.Merge(Observation{
		At:        at,
		Location:  seoul,
		Duration:  40 * time.Minute,
		Requests:  12,
		Endpoints: map[string]int{"/movies": 10, "/subtitles": 2},
	}, cfg)

	assert.Equal(t, 1, got.Samples)
	assert.Equal(t, 40*time.Minute, got.AvgSessionDuration)
	assert.Equal(t, 12.0, got.AvgRequests)
	assert.Equal(t, map[string]float64{"/movies": 10, "/subtitles": 2}, got.Endpoints)
	assert.Zero(t, seeded.Samples, "merge must not mutate the receiver")
}

func TestMergeOutlierDoesNotBecomeTypical(t *testing.T) {
	cfg := DefaultProfileConfig()
	base := time.Date(2026, 10, 12, 10, 0, 0, 0, time.UTC)
	p := Profile{}
	for i := range 10 {
		p = p.Merge(Observation{At: base.Add(time.Duration(i%5) * 24 * time.Hour), Location: seoul, Duration: 30 * time.Minute}, cfg)
	}
	require.True(t, p.Hours.Contains(10, 0))

	outlier := p.Merge(Observation{
		At:       time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC),
		Location: Location{Country: "BR", City: "Sao Paulo"},
		Duration: 5 * time.Hour,
	}, cfg)

	assert.False(t, outlier.Hours.Contains(3, 1))
	assert.False(t, outlier.HasDay(time.Saturday))
	assert.False(t, outlier.HasCountry("BR"))
	assert.Less(t, outlier.AvgSessionDuration, time.Hour)
	assert.Equal(t, 11, outlier.Samples)
}

func TestMergeRepeatedBehaviorBecomesTypical(t *testing.T) {
	cfg := DefaultProfileConfig()
	p := Profile{}.Merge(Observation{At: time.Date(2026, 10, 12, 10, 0, 0, 0, time.UTC), Location: seoul}, cfg)
	busan := Location{Country: "KR", City: "Busan"}
	for range 3 {
		p = p.Merge(Observation{At: time.Date(2026, 10, 12, 10, 0, 0, 0, time.UTC), Location: busan}, cfg)
	}
	assert.True(t, p.HasLocation(busan.Place()))
	assert.True(t, p.HasLocation(seoul.Place()))
}

func TestCoveringWindowWrapsMidnight(t *testing.T) {
	assert.Equal(t, HourWindow{Start: 22, End: 1}, coveringWindow([]int{0, 1, 22, 23}))
	assert.Equal(t, HourWindow{Start: 9, End: 18}, coveringWindow([]int{9, 10, 12, 18}))

	w := HourWindow{Start: 22, End: 1}
	assert.True(t, w.Contains(23, 0))
	assert.True(t, w.Contains(0, 0))
	assert.True(t, w.Contains(2, 1))
	assert.False(t, w.Contains(12, 1))
}

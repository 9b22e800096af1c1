package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jgoulah/sajscraper/internal/config"
	"github.com/jgoulah/sajscraper/internal/state"
)

var defaultWindow = Window{
	Enabled: true,
	Start:   config.Clock{Hour: 21},
	End:     config.Clock{Hour: 5, Minute: 30},
}

func settings(t *testing.T) Settings {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	return Settings{
		Location:               loc,
		Quiet:                  defaultWindow,
		UpdateInterval:         240 * time.Second,
		ExtendedUpdateInterval: time.Hour,
		InactivityThreshold:    30 * time.Minute,
	}
}

func at(loc *time.Location, hour, minute int) time.Time {
	return time.Date(2024, 6, 1, hour, minute, 0, 0, loc)
}

func TestInQuietWindow_MidnightWrap(t *testing.T) {
	tests := []struct {
		hour, minute int
		want         bool
	}{
		{23, 0, true},
		{2, 0, true},
		{21, 0, true},
		{5, 29, true},
		{5, 30, false},
		{6, 0, false},
		{20, 0, false},
		{20, 59, false},
		{12, 0, false},
	}
	for _, tt := range tests {
		now := at(time.UTC, tt.hour, tt.minute)
		assert.Equal(t, tt.want, InQuietWindow(now, defaultWindow), now.Format("15:04"))
	}
}

func TestInQuietWindow_SameDayAndDisabled(t *testing.T) {
	w := Window{Enabled: true, Start: config.Clock{Hour: 1}, End: config.Clock{Hour: 4}}
	assert.True(t, InQuietWindow(at(time.UTC, 1, 0), w))
	assert.True(t, InQuietWindow(at(time.UTC, 3, 59), w))
	assert.False(t, InQuietWindow(at(time.UTC, 4, 0), w))
	assert.False(t, InQuietWindow(at(time.UTC, 0, 59), w))

	empty := Window{Enabled: true, Start: config.Clock{Hour: 3}, End: config.Clock{Hour: 3}}
	assert.False(t, InQuietWindow(at(time.UTC, 3, 0), empty))

	off := defaultWindow
	off.Enabled = false
	assert.False(t, InQuietWindow(at(time.UTC, 23, 0), off))
}

func TestNextBoundary(t *testing.T) {
	c := config.Clock{Hour: 5, Minute: 30}
	assert.Equal(t, time.Date(2024, 6, 2, 5, 30, 0, 0, time.UTC), NextBoundary(at(time.UTC, 23, 0), c))
	assert.Equal(t, time.Date(2024, 6, 1, 5, 30, 0, 0, time.UTC), NextBoundary(at(time.UTC, 2, 0), c))
	assert.Equal(t, time.Date(2024, 6, 2, 5, 30, 0, 0, time.UTC), NextBoundary(at(time.UTC, 5, 30), c))
}

func TestDecide_QuietUsesConfiguredTimezone(t *testing.T) {
	cfg := settings(t)

	// 01:00 UTC is 22:00 in Sao Paulo
	now := time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC)
	got := Decide(now, cfg, state.Staleness{LastSeenWallClock: now})

	assert.Equal(t, Quiet, got.Mode)
	assert.True(t, got.InQuiet)
	assert.False(t, got.Fetch())
	assert.Equal(t, time.Date(2024, 6, 2, 8, 30, 0, 0, time.UTC), got.Deadline)
}

func TestDecide_NormalAndExtended(t *testing.T) {
	cfg := settings(t)
	now := at(cfg.Location, 12, 0)

	fresh := state.Staleness{LastSeenWallClock: now.Add(-5 * time.Minute)}
	got := Decide(now, cfg, fresh)
	assert.Equal(t, Normal, got.Mode)
	assert.True(t, got.Fetch())
	assert.Equal(t, now.Add(240*time.Second).UTC(), got.Deadline)

	stale := state.Staleness{LastSeenWallClock: now.Add(-30 * time.Minute)}
	got = Decide(now, cfg, stale)
	assert.Equal(t, Extended, got.Mode)
	assert.Equal(t, now.Add(time.Hour).UTC(), got.Deadline)
}

func TestDecide_ExtendedReturnsToNormalOnNewData(t *testing.T) {
	cfg := settings(t)
	frozen := at(cfg.Location, 10, 0)
	st := state.Staleness{LastSeenWallClock: frozen}

	now := frozen.Add(45 * time.Minute)
	require.Equal(t, Extended, Decide(now, cfg, st).Mode)

	st.LastSeenUpdateTime = now.Add(-time.Minute)
	st.LastSeenWallClock = now
	assert.Equal(t, Normal, Decide(now.Add(time.Second), cfg, st).Mode)
}

func TestDecide_NoDataYetIsNormal(t *testing.T) {
	cfg := settings(t)
	got := Decide(at(cfg.Location, 12, 0), cfg, state.Staleness{})
	assert.Equal(t, Normal, got.Mode)
}

func TestDecide_CapsDeadlineAtQuietStart(t *testing.T) {
	cfg := settings(t)

	now := at(cfg.Location, 20, 58)
	got := Decide(now, cfg, state.Staleness{LastSeenWallClock: now})
	assert.Equal(t, Normal, got.Mode)
	assert.Equal(t, at(cfg.Location, 21, 0).UTC(), got.Deadline)

	now = at(cfg.Location, 20, 30)
	got = Decide(now, cfg, state.Staleness{LastSeenWallClock: now.Add(-time.Hour)})
	assert.Equal(t, Extended, got.Mode)
	assert.Equal(t, at(cfg.Location, 21, 0).UTC(), got.Deadline)

	cfg.Quiet.Enabled = false
	got = Decide(now, cfg, state.Staleness{LastSeenWallClock: now.Add(-time.Hour)})
	assert.Equal(t, now.Add(time.Hour).UTC(), got.Deadline)
}

func TestScheduler_Plan(t *testing.T) {
	cfg := settings(t)
	s := New(cfg, zaptest.NewLogger(t))

	quiet := s.Plan(at(cfg.Location, 23, 0), state.Staleness{})
	assert.Equal(t, Quiet, quiet.Mode)
	assert.True(t, quiet.InQuiet)
	assert.False(t, quiet.Fetch())

	morning := at(cfg.Location, 6, 0)
	next := s.Plan(morning, state.Staleness{LastSeenWallClock: morning})
	assert.Equal(t, Normal, next.Mode)
	assert.True(t, LeftQuiet(quiet, next))
	assert.Equal(t, next, s.Current())
	assert.False(t, LeftQuiet(next, s.Plan(morning.Add(time.Minute), state.Staleness{LastSeenWallClock: morning})))
}

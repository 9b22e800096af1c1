package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/sajscraper/internal/config"
	"github.com/jgoulah/sajscraper/internal/state"
)

// Mode is the polling regime
type Mode int

const (
	Normal Mode = iota
	Extended
	Quiet
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Extended:
		return "extended"
	case Quiet:
		return "quiet"
	default:
		return "unknown"
	}
}

// Window is a daily local-time range [Start, End). Start after End wraps
// past midnight; Start equal to End is empty.
type Window struct {
	Enabled bool
	Start   config.Clock
	End     config.Clock
}

// Settings is the subset of configuration the scheduler reads
type Settings struct {
	Location               *time.Location
	Quiet                  Window
	UpdateInterval         time.Duration
	ExtendedUpdateInterval time.Duration
	InactivityThreshold    time.Duration
}

// SettingsFromConfig extracts scheduler settings
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Location: cfg.Location,
		Quiet: Window{
			Enabled: cfg.QuietHoursEnabled(),
			Start:   cfg.QuietStart,
			End:     cfg.QuietEnd,
		},
		UpdateInterval:         cfg.UpdateInterval(),
		ExtendedUpdateInterval: cfg.ExtendedUpdateInterval(),
		InactivityThreshold:    cfg.DataInactivityThreshold(),
	}
}

// ScheduleState is one scheduling decision
type ScheduleState struct {
	Mode     Mode
	Deadline time.Time // next poll, or the end of the quiet window
	InQuiet  bool
}

// Fetch reports whether a poll should run now
func (s ScheduleState) Fetch() bool {
	return s.Mode != Quiet
}

// InQuietWindow reports whether now falls inside w, evaluated on the local
// wall clock of now's location
func InQuietWindow(now time.Time, w Window) bool {
	if !w.Enabled {
		return false
	}
	start, end := w.Start.Minutes(), w.End.Minutes()
	if start == end {
		return false
	}
	m := now.Hour()*60 + now.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// NextBoundary returns the first instant strictly after now at which the
// local wall clock reads c
func NextBoundary(now time.Time, c config.Clock) time.Time {
	t := c.On(now)
	if !t.After(now) {
		y, mo, d := now.Date()
		t = time.Date(y, mo, d+1, c.Hour, c.Minute, 0, 0, now.Location())
	}
	return t
}

// Decide picks the mode and next deadline. The quiet window is checked first,
// then staleness.
func Decide(now time.Time, cfg Settings, st state.Staleness) ScheduleState {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if InQuietWindow(local, cfg.Quiet) {
		return ScheduleState{
			Mode:     Quiet,
			Deadline: NextBoundary(local, cfg.Quiet.End).UTC(),
			InQuiet:  true,
		}
	}

	out := ScheduleState{Mode: Normal, Deadline: now.Add(cfg.UpdateInterval)}
	if !st.LastSeenWallClock.IsZero() && now.Sub(st.LastSeenWallClock) >= cfg.InactivityThreshold {
		out = ScheduleState{Mode: Extended, Deadline: now.Add(cfg.ExtendedUpdateInterval)}
	}

	// Land exactly on the quiet start rather than sleeping past it
	if cfg.Quiet.Enabled && cfg.Quiet.Start != cfg.Quiet.End {
		if start := NextBoundary(local, cfg.Quiet.Start); start.Before(out.Deadline) {
			out.Deadline = start
		}
	}
	out.Deadline = out.Deadline.UTC()
	return out
}

// Scheduler remembers the last decision and logs transitions
type Scheduler struct {
	cfg     Settings
	current ScheduleState
	planned bool
	log     *zap.Logger
}

// New creates a scheduler
func New(cfg Settings, log *zap.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, log: log.Named("scheduler")}
}

// Plan decides the next wake-up and records it
func (s *Scheduler) Plan(now time.Time, st state.Staleness) ScheduleState {
	next := Decide(now, s.cfg, st)

	if !s.planned || next.Mode != s.current.Mode {
		fields := []zap.Field{
			zap.Stringer("mode", next.Mode),
			zap.Time("next_poll", next.Deadline),
		}
		if s.planned {
			fields = append(fields, zap.Stringer("previous", s.current.Mode))
		}
		switch next.Mode {
		case Quiet:
			s.log.Info("entering quiet hours, polling paused", fields...)
		case Extended:
			s.log.Info("no new data from portal, using extended interval",
				append(fields, zap.Duration("stale_for", st.Age(now)))...)
		default:
			s.log.Info("using normal update interval", fields...)
		}
	} else {
		s.log.Debug("next poll scheduled", zap.Stringer("mode", next.Mode), zap.Time("next_poll", next.Deadline))
	}

	s.current = next
	s.planned = true
	return next
}

// Current returns the last decision. Before the first Plan it is a Normal
// decision with a zero deadline.
func (s *Scheduler) Current() ScheduleState {
	return s.current
}

// LeftQuiet reports whether the previous decision was Quiet and next is not
func LeftQuiet(prev, next ScheduleState) bool {
	return prev.Mode == Quiet && next.Mode != Quiet
}

package state

import (
	"time"

	"github.com/jgoulah/sajscraper/pkg/models"
)

const dayLayout = "2006-01-02"

// PeakRecord is the highest power seen on one local calendar day
type PeakRecord struct {
	Power      float64   `json:"peak_power"`
	Day        string    `json:"peak_day"` // YYYY-MM-DD in the configured timezone
	UpdateTime time.Time `json:"peak_update_time,omitzero"`
}

// DeviceState is the persisted record of one microinverter
type DeviceState struct {
	Peak           PeakRecord `json:"peak"`
	LastUpdateTime time.Time  `json:"last_update_time,omitzero"`
}

// Staleness tracks when the portal last had something new to say.
// LastSeenWallClock only moves when LastSeenUpdateTime advances;
// LastPollWallClock moves on every poll.
type Staleness struct {
	LastSeenUpdateTime time.Time `json:"last_seen_update_time,omitzero"`
	LastSeenWallClock  time.Time `json:"last_seen_wall_clock,omitzero"`
	LastPollWallClock  time.Time `json:"last_poll_wall_clock,omitzero"`
}

// FleetState is everything that survives a restart
type FleetState struct {
	Devices   map[string]DeviceState
	Plant     PeakRecord
	Staleness Staleness
}

// New returns an empty state, as on first run
func New() FleetState {
	return FleetState{Devices: make(map[string]DeviceState)}
}

// Clone returns a deep copy
func (s FleetState) Clone() FleetState {
	out := s
	out.Devices = make(map[string]DeviceState, len(s.Devices))
	for k, v := range s.Devices {
		out.Devices[k] = v
	}
	return out
}

// Equal reports whether two states hold the same values
func (s FleetState) Equal(o FleetState) bool {
	if len(s.Devices) != len(o.Devices) {
		return false
	}
	for k, v := range s.Devices {
		w, ok := o.Devices[k]
		if !ok || !v.equal(w) {
			return false
		}
	}
	return s.Plant.equal(o.Plant) && s.Staleness.equal(o.Staleness)
}

func (p PeakRecord) equal(o PeakRecord) bool {
	return p.Power == o.Power && p.Day == o.Day && p.UpdateTime.Equal(o.UpdateTime)
}

func (d DeviceState) equal(o DeviceState) bool {
	return d.Peak.equal(o.Peak) && d.LastUpdateTime.Equal(o.LastUpdateTime)
}

func (s Staleness) equal(o Staleness) bool {
	return s.LastSeenUpdateTime.Equal(o.LastSeenUpdateTime) &&
		s.LastSeenWallClock.Equal(o.LastSeenWallClock) &&
		s.LastPollWallClock.Equal(o.LastPollWallClock)
}

// PeakToday returns the peak to report for today. A peak recorded on an
// earlier day reads as zero.
func (p PeakRecord) PeakToday(now time.Time, loc *time.Location) float64 {
	if p.Day != LocalDay(now, loc) {
		return 0
	}
	return p.Power
}

// LocalDay formats t's calendar day in loc
func LocalDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

// Merge folds a batch of readings into prev and returns the new state. prev
// is not modified. The caller persists the result.
func Merge(prev FleetState, readings []models.Reading, now time.Time, loc *time.Location) FleetState {
	next := prev.Clone()
	now = now.UTC()
	today := LocalDay(now, loc)

	var newest time.Time
	for _, r := range readings {
		ds := next.Devices[r.Serial]
		ds.Peak = foldPeak(ds.Peak, r.Power, r.UpdateTime, today, loc)
		if r.UpdateTime.After(ds.LastUpdateTime) {
			ds.LastUpdateTime = r.UpdateTime.UTC()
		}
		next.Devices[r.Serial] = ds

		if r.UpdateTime.After(newest) {
			newest = r.UpdateTime
		}
	}

	if len(readings) > 0 {
		totals := models.Aggregate(readings)
		next.Plant = foldPeak(next.Plant, totals.Power, totals.UpdateTime, today, loc)
	} else if next.Plant.Day != today {
		next.Plant = PeakRecord{Day: today}
	}

	st := &next.Staleness
	if newest.After(st.LastSeenUpdateTime) {
		st.LastSeenUpdateTime = newest.UTC()
		st.LastSeenWallClock = now
	}
	if st.LastSeenWallClock.IsZero() {
		// Start the inactivity clock at the first poll
		st.LastSeenWallClock = now
	}
	st.LastPollWallClock = now

	return next
}

// foldPeak applies one observation to a daily peak. A peak from an earlier
// day is reset first; observations stamped on another day are ignored.
func foldPeak(p PeakRecord, power *float64, at time.Time, today string, loc *time.Location) PeakRecord {
	if p.Day != today {
		p = PeakRecord{Day: today}
	}
	if power == nil || LocalDay(at, loc) != today {
		return p
	}
	if *power > p.Power || (p.UpdateTime.IsZero() && p.Power == 0) {
		p.Power = *power
		p.UpdateTime = at.UTC()
	}
	return p
}

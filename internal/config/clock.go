package config

import (
	"fmt"
	"time"
)

// Clock is a local wall-clock time of day with minute precision
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h)
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time %q (use HH:MM): %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes returns minutes since midnight
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

// On returns this clock time on the calendar day of t, in t's location
func (c Clock) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

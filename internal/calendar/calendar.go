// Package calendar
package calendar

import (
	"time"

	"github.com/zirunbi/zirunbi/internal/clock"
)

// Override is the admin switch that beats the session schedule.
type Override int

const (
	// NoOverride follows the regular schedule.
	NoOverride Override = iota
	// ForceOpen keeps the market open regardless of the schedule.
	ForceOpen
	// ForceClose keeps the market closed regardless of the schedule.
	ForceClose
)

// Session is one contiguous trading window within a day, expressed as
// minutes since midnight. Start is inclusive, End exclusive.
type Session struct {
	StartMinute int
	EndMinute   int
}

// DefaultSessions are the standard windows: 09:30-11:30 and 13:00-15:00.
var DefaultSessions = []Session{
	{StartMinute: 9*60 + 30, EndMinute: 11*60 + 30},
	{StartMinute: 13 * 60, EndMinute: 15 * 60},
}

// IsOpen reports whether the market trades at t. The evaluation happens in
// China time no matter what zone t carries.
func IsOpen(t time.Time, override Override) bool {
	return IsOpenSessions(t, override, DefaultSessions)
}

// IsOpenSessions is IsOpen with a custom session table.
func IsOpenSessions(t time.Time, override Override, sessions []Session) bool {
	switch override {
	case ForceOpen:
		return true
	case ForceClose:
		return false
	}

	t = t.In(clock.ChinaTZ)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minute := t.Hour()*60 + t.Minute()
	for _, s := range sessions {
		if minute >= s.StartMinute && minute < s.EndMinute {
			return true
		}
	}
	return false
}

package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zirunbi/zirunbi/internal/clock"
)

// 2025-03-10 is a Monday.
func cn(day, hour, min int) time.Time {
	return time.Date(2025, 3, day, hour, min, 0, 0, clock.ChinaTZ)
}

func TestIsOpen_Schedule(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"Monday before open", cn(10, 9, 29), false},
		{"Monday session start inclusive", cn(10, 9, 30), true},
		{"Monday mid morning", cn(10, 10, 45), true},
		{"Morning session end exclusive", cn(10, 11, 30), false},
		{"Lunch break", cn(10, 12, 15), false},
		{"Afternoon session start inclusive", cn(10, 13, 0), true},
		{"Afternoon mid session", cn(10, 14, 59), true},
		{"Afternoon session end exclusive", cn(10, 15, 0), false},
		{"Evening", cn(10, 20, 0), false},
		{"Friday afternoon", cn(14, 14, 0), true},
		{"Saturday during session hours", cn(15, 10, 0), false},
		{"Sunday during session hours", cn(16, 14, 0), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsOpen(tc.t, NoOverride))
		})
	}
}

func TestIsOpen_Override(t *testing.T) {
	saturdayNight := cn(15, 23, 0)
	mondayMorning := cn(10, 10, 0)

	assert.True(t, IsOpen(saturdayNight, ForceOpen))
	assert.False(t, IsOpen(mondayMorning, ForceClose))
}

func TestIsOpen_ForeignZoneNormalized(t *testing.T) {
	// 02:30 UTC on a Monday is 10:30 in China: open.
	utc := time.Date(2025, 3, 10, 2, 30, 0, 0, time.UTC)
	assert.True(t, IsOpen(utc, NoOverride))
}

func TestIsOpenSessions_Custom(t *testing.T) {
	sessions := []Session{{StartMinute: 0, EndMinute: 24 * 60}}
	assert.True(t, IsOpenSessions(cn(10, 3, 0), NoOverride, sessions))
	assert.False(t, IsOpenSessions(cn(15, 3, 0), NoOverride, sessions)) // still weekend-gated
}

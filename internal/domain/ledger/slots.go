package ledger

import (
	"time"

	"github.com/clinicops/portal/internal/platform/apperr"
)

const (
	DateLayout          = "2006-01-02"
	ClockLayout         = "15:04"
	DefaultSlotDuration = 30 * time.Minute
)

// Slots turns a clinic-local date and time into a fixed-length interval.
type Slots struct {
	Location *time.Location
	Duration time.Duration
}

// Zone is the clinic location, UTC when unset.
func (s Slots) Zone() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

func (s Slots) duration() time.Duration {
	if s.Duration <= 0 {
		return DefaultSlotDuration
	}
	return s.Duration
}

// Resolve parses date ("2006-01-02") and clock ("15:04") in the clinic
// location and returns [start, start+Duration).
func (s Slots) Resolve(op, date, clock string) (time.Time, time.Time, error) {
	if date == "" || clock == "" {
		return time.Time{}, time.Time{}, apperr.Validation(op, "date and time are required")
	}
	start, err := time.ParseInLocation(DateLayout+" "+ClockLayout, date+" "+clock, s.Zone())
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation(op, "invalid date or time %q %q", date, clock)
	}
	return start, start.Add(s.duration()), nil
}

// Day returns the bounds of the clinic-local day containing t.
func (s Slots) Day(t time.Time) (time.Time, time.Time) {
	local := t.In(s.Zone())
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Zone())
	return start, start.AddDate(0, 0, 1)
}

// ParseDate parses a clinic-local calendar date to its midnight.
func (s Slots) ParseDate(op, date string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, date, s.Zone())
	if err != nil {
		return time.Time{}, apperr.Validation(op, "invalid date %q, expected YYYY-MM-DD", date)
	}
	return t, nil
}

func (s Slots) Length() time.Duration { return s.duration() }

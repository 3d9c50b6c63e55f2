// Package timezone answers the engine's per-patient local-time questions:
// zone validation, "is this patient near local midnight right now", and the
// next local midnight used by the rollover wake-time heap.
package timezone

import (
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/errs"
)

// Validate checks that name is a resolvable IANA zone.
func Validate(name string) error {
	if name == "" {
		return errs.Validation("timezone", "required")
	}
	if _, err := time.LoadLocation(name); err != nil {
		return errs.Validation("timezone", "unknown IANA zone: "+name)
	}
	return nil
}

// WithinMidnightWindow reports whether now is within +/-window of local
// midnight for the zone. The rollover sweep uses a 15 minute window.
func WithinMidnightWindow(now time.Time, zone string, window time.Duration) (bool, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return false, errs.Validation("timezone", "unknown IANA zone: "+zone)
	}
	local := now.In(loc)

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if d := local.Sub(midnight); d <= window {
		return true, nil
	}
	next := midnight.AddDate(0, 0, 1)
	if d := next.Sub(local); d <= window {
		return true, nil
	}
	return false, nil
}

// NextMidnight returns the next local midnight at or after now, in the zone.
func NextMidnight(now time.Time, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, errs.Validation("timezone", "unknown IANA zone: "+zone)
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if !midnight.After(local) {
		midnight = midnight.AddDate(0, 0, 1)
	}
	return midnight, nil
}

// ElapsedLocalDate returns the most recent fully elapsed calendar date for
// the zone: the local "yesterday". The current local day is never returned,
// even from a sweep firing just before midnight, because it is still
// accepting events until midnight passes.
func ElapsedLocalDate(now time.Time, zone string) (string, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", errs.Validation("timezone", "unknown IANA zone: "+zone)
	}
	return now.In(loc).AddDate(0, 0, -1).Format("2006-01-02"), nil
}

// DayBounds returns the [start, end) instants of the localDate (2006-01-02)
// in the zone.
func DayBounds(localDate, zone string) (time.Time, time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Validation("timezone", "unknown IANA zone: "+zone)
	}
	day, err := time.ParseInLocation("2006-01-02", localDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Validation("date", "invalid date: "+localDate)
	}
	return day, day.AddDate(0, 0, 1), nil
}

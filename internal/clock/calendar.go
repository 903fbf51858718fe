// Package clock provides pure market-calendar functions for US equities.
// The market is open Monday-Friday 09:30-16:00 Eastern Time, excluding a
// small fixed holiday set. DST follows the America/New_York zone database.
package clock

import (
	"errors"
	"time"
)

// ErrInvalidInstant is returned for instants outside the supported range.
var ErrInvalidInstant = errors.New("clock: invalid instant")

// Eastern is the exchange time zone.
var Eastern *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Fall back to a fixed-offset zone; DST will be wrong but the
		// process can still run (e.g. minimal containers without tzdata).
		loc = time.FixedZone("ET", -5*60*60)
	}
	Eastern = loc
}

const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0

	// minYear/maxYear bound the instants we accept. Anything outside is
	// an overflow artifact, not a real trading date.
	minYear = 1900
	maxYear = 2200
)

// holiday is a fixed-date market holiday, observed as-is (no substitution
// when it lands on a weekend).
type holiday struct {
	month time.Month
	day   int
}

var holidays = []holiday{
	{time.January, 1},  // New Year's Day
	{time.July, 4},     // Independence Day
	{time.December, 25}, // Christmas
}

// IsHoliday reports whether t falls on a market holiday in ET.
func IsHoliday(t time.Time) bool {
	et := t.In(Eastern)
	for _, h := range holidays {
		if et.Month() == h.month && et.Day() == h.day {
			return true
		}
	}
	return false
}

// isTradingDay reports whether the ET calendar date of t is a weekday and
// not a holiday.
func isTradingDay(t time.Time) bool {
	et := t.In(Eastern)
	wd := et.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !IsHoliday(et)
}

// IsMarketOpen reports whether the market is open at instant t.
func IsMarketOpen(t time.Time) bool {
	if !validInstant(t) {
		return false
	}
	et := t.In(Eastern)
	if !isTradingDay(et) {
		return false
	}
	open := time.Date(et.Year(), et.Month(), et.Day(), openHour, openMinute, 0, 0, Eastern)
	close := time.Date(et.Year(), et.Month(), et.Day(), closeHour, closeMinute, 0, 0, Eastern)
	return !et.Before(open) && et.Before(close)
}

// NextMarketOpen returns the first market-open instant strictly after t:
// before today's open on a trading day it returns today's open; from the
// open onward, including mid-session, it returns the next trading day's
// open, skipping weekends and holidays.
func NextMarketOpen(t time.Time) (time.Time, error) {
	if !validInstant(t) {
		return time.Time{}, ErrInvalidInstant
	}
	et := t.In(Eastern)

	// Same-day open still ahead of us.
	if isTradingDay(et) {
		open := time.Date(et.Year(), et.Month(), et.Day(), openHour, openMinute, 0, 0, Eastern)
		if et.Before(open) {
			return open, nil
		}
	}

	// Walk forward day by day. The holiday set is tiny so the walk is
	// bounded by a long weekend plus holidays.
	day := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, Eastern)
	for i := 0; i < 366; i++ {
		day = day.AddDate(0, 0, 1)
		if isTradingDay(day) {
			return time.Date(day.Year(), day.Month(), day.Day(), openHour, openMinute, 0, 0, Eastern), nil
		}
	}
	return time.Time{}, ErrInvalidInstant
}

// MarketOpenET returns 09:30 ET on the given calendar date.
func MarketOpenET(year int, month time.Month, day int) (time.Time, error) {
	if year < minYear || year > maxYear {
		return time.Time{}, ErrInvalidInstant
	}
	return time.Date(year, month, day, openHour, openMinute, 0, 0, Eastern), nil
}

// MarketCloseET returns 16:00 ET on the given calendar date.
func MarketCloseET(year int, month time.Month, day int) (time.Time, error) {
	if year < minYear || year > maxYear {
		return time.Time{}, ErrInvalidInstant
	}
	return time.Date(year, month, day, closeHour, closeMinute, 0, 0, Eastern), nil
}

// ToET returns t broken down in Eastern Time.
func ToET(t time.Time) time.Time {
	return t.In(Eastern)
}

// IntradayHour converts an instant to the market-hours clock in [0, 6.5),
// where 0 is 09:30 ET. The second return is false outside market hours.
func IntradayHour(t time.Time) (float64, bool) {
	if !IsMarketOpen(t) {
		return 0, false
	}
	et := t.In(Eastern)
	open := time.Date(et.Year(), et.Month(), et.Day(), openHour, openMinute, 0, 0, Eastern)
	return et.Sub(open).Hours(), true
}

func validInstant(t time.Time) bool {
	y := t.Year()
	return y >= minYear && y <= maxYear
}

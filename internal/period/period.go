// Package period handles the month and week keys used by the P&L
// adjustment ledgers.
//
// Months are keyed "YYYY-MM"; weeks are keyed by the date of their Monday,
// "YYYY-MM-DD". All keys are derived in UTC.
package period

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	monthRegex = regexp.MustCompile(`^(\d{4})-(0[1-9]|1[0-2])$`)
	weekRegex  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

var (
	ErrInvalidMonth = errors.New("period: invalid month key")
	ErrInvalidWeek  = errors.New("period: invalid week key")
)

const (
	monthLayout = "2006-01"
	weekLayout  = "2006-01-02"
)

// ParseMonth validates a "YYYY-MM" key and returns the first instant of
// that month in UTC.
func ParseMonth(key string) (time.Time, error) {
	if !monthRegex.MatchString(key) {
		return time.Time{}, fmt.Errorf("%w: %q (expected YYYY-MM)", ErrInvalidMonth, key)
	}
	t, err := time.Parse(monthLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidMonth, key)
	}
	return t.UTC(), nil
}

// ParseWeek validates a "YYYY-MM-DD" key naming a Monday and returns it as
// midnight UTC.
func ParseWeek(key string) (time.Time, error) {
	if !weekRegex.MatchString(key) {
		return time.Time{}, fmt.Errorf("%w: %q (expected YYYY-MM-DD)", ErrInvalidWeek, key)
	}
	t, err := time.Parse(weekLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidWeek, key)
	}
	if t.Weekday() != time.Monday {
		return time.Time{}, fmt.Errorf("%w: %q is a %s, weeks start on Monday", ErrInvalidWeek, key, t.Weekday())
	}
	return t.UTC(), nil
}

// MonthOf returns the month key containing t.
func MonthOf(t time.Time) string {
	return t.UTC().Format(monthLayout)
}

// MonthStart returns the first instant of the month containing t.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// WeekStart returns midnight UTC of the Monday on or before t.
func WeekStart(t time.Time) time.Time {
	u := t.UTC()
	offset := (int(u.Weekday()) + 6) % 7 // Monday → 0, Sunday → 6
	return time.Date(u.Year(), u.Month(), u.Day()-offset, 0, 0, 0, 0, time.UTC)
}

// WeekOf returns the week key containing t.
func WeekOf(t time.Time) string {
	return WeekStart(t).Format(weekLayout)
}

package period

import (
	"errors"
	"testing"
	"time"
)

func TestParseMonth_Valid(t *testing.T) {
	got, err := ParseMonth("2026-10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseMonth_Invalid(t *testing.T) {
	for _, key := range []string{"", "2026", "2026-13", "2026-00", "26-10", "2026-1", "2026-10-01"} {
		if _, err := ParseMonth(key); !errors.Is(err, ErrInvalidMonth) {
			t.Errorf("expected ErrInvalidMonth for %q, got %v", key, err)
		}
	}
}

func TestParseWeek_Monday(t *testing.T) {
	got, err := ParseWeek("2026-10-12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Weekday() != time.Monday {
		t.Errorf("expected Monday, got %s", got.Weekday())
	}
}

func TestParseWeek_NotMonday(t *testing.T) {
	if _, err := ParseWeek("2026-10-14"); !errors.Is(err, ErrInvalidWeek) {
		t.Errorf("expected ErrInvalidWeek for a Wednesday, got %v", err)
	}
}

func TestParseWeek_BadFormat(t *testing.T) {
	for _, key := range []string{"", "2026-10", "2026-02-30", "12-10-2026"} {
		if _, err := ParseWeek(key); !errors.Is(err, ErrInvalidWeek) {
			t.Errorf("expected ErrInvalidWeek for %q, got %v", key, err)
		}
	}
}

func TestWeekOf(t *testing.T) {
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), "2026-10-12"},   // Monday
		{time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC), "2026-10-12"},  // Friday
		{time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC), "2026-10-12"}, // Sunday
		{time.Date(2026, 11, 1, 8, 0, 0, 0, time.UTC), "2026-10-26"},    // crosses month
	}
	for _, tt := range tests {
		if got := WeekOf(tt.at); got != tt.want {
			t.Errorf("WeekOf(%v) = %s, want %s", tt.at, got, tt.want)
		}
	}
}

func TestMonthOf_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	at := time.Date(2026, 11, 1, 1, 0, 0, 0, loc) // still October in UTC
	if got := MonthOf(at); got != "2026-10" {
		t.Errorf("expected 2026-10, got %s", got)
	}
	if got := MonthStart(at); !got.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected month start %v", got)
	}
}

// Package models defines the core domain entities for the crimerisk service.
// These models represent calendar weeks, crime segments, historical weekly counts,
// and the per-request forecast and spike results built from them.
//
// Every time-series value in the service is keyed by a canonical week start
// (the Monday of the containing week, midnight UTC). Finer timestamps are never
// used after aggregation.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the ISO calendar date layout used on the wire.
const DateLayout = "2006-01-02"

// ErrInvalidDate is returned when a date string cannot be parsed.
var ErrInvalidDate = errors.New("invalid ISO date")

var dateLayouts = []string{
	DateLayout,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// WeekStart returns the Monday of the week containing t, at midnight UTC.
// The calendar date of t is taken in t's own location.
func WeekStart(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
}

// ISOWeek returns the ISO 8601 week number (1-53) of t.
func ISOWeek(t time.Time) int {
	_, w := t.ISOWeek()
	return w
}

// WeeksBetween returns the number of whole weeks from one date to another,
// rounded toward negative infinity.
func WeeksBetween(from, to time.Time) int {
	days := int(to.Sub(from).Hours() / 24)
	if days < 0 && days%7 != 0 {
		return days/7 - 1
	}
	return days / 7
}

// ParseDate parses an ISO date (optionally with a time component) and returns
// the calendar date at midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// FormatDate formats t as an ISO calendar date.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

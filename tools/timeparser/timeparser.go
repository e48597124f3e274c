package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// ParseReadingDate attempts to parse a reading date with the formats seen in
// manual entry, CSV exports and API payloads. Results are in UTC.
func ParseReadingDate(dateStr string) (time.Time, error) {
	formats := []string{
		"2006-01-02",          // ISO date
		"02/01/2006",          // DD/MM/YYYY
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"2006-01-02 15:04:05", // SQL timestamp
		time.RFC3339,          // Standard RFC3339
	}

	dateStr = strings.TrimSpace(dateStr)
	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", dateStr, lastErr)
}

// StartOfDay truncates t to midnight UTC of its calendar day.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsAfterDay reports whether t falls on a calendar day later than ref's (UTC).
func IsAfterDay(t, ref time.Time) bool {
	return StartOfDay(t).After(StartOfDay(ref))
}

// DaysInMonth returns the number of days in t's month.
func DaysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DaysInclusive counts calendar days from start to end, both included.
func DaysInclusive(start, end time.Time) int {
	return int(StartOfDay(end).Sub(StartOfDay(start)).Hours()/24) + 1
}

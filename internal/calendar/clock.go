package calendar

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeClock reduces a time-of-day string ("8:05", "08:05:59") to HH:MM.
// Seconds are dropped. Strings that are not a time of day are returned trimmed
// and unchanged so that they still compare equal to themselves.
func NormalizeClock(s string) string {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return s
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return s
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return s
	}

	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// SameMinute reports whether two time-of-day strings name the same minute
func SameMinute(a, b string) bool {
	return NormalizeClock(a) == NormalizeClock(b)
}

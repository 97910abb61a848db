package calculator

import (
	"fmt"
	"time"
)

// MonthLayout is the "YYYY-MM" format of a target month.
const MonthLayout = "2006-01"

// ParseMonth validates a "YYYY-MM" target month.
func ParseMonth(month string) (time.Time, error) {
	t, err := time.Parse(MonthLayout, month)
	if err != nil || t.Format(MonthLayout) != month {
		return time.Time{}, fmt.Errorf("target month must be YYYY-MM, got %q", month)
	}
	return t, nil
}

// MonthOf returns the target month containing t.
func MonthOf(t time.Time) string {
	return t.Format(MonthLayout)
}

// PreviousMonth returns the month before the one containing t, in t's location.
func PreviousMonth(t time.Time) string {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return first.AddDate(0, -1, 0).Format(MonthLayout)
}

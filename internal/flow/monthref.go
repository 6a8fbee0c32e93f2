package flow

import (
	"fmt"
	"strings"
	"time"
)

// SuggestedMonthRef returns the first day of the month before now in loc, as YYYY-MM-01.
func SuggestedMonthRef(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, -1, 0)
	return fmt.Sprintf("%04d-%02d-01", first.Year(), int(first.Month()))
}

// FormatMonthRef renders YYYY-MM-DD as MM/YYYY. Unrecognized input is returned unchanged.
func FormatMonthRef(monthRef string) string {
	parts := strings.Split(monthRef, "-")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return monthRef
	}
	return parts[1] + "/" + parts[0]
}

package queue

import (
	"time"
)

const dateLayout = "2006-01-02"

// DateOf returns the calendar day of t in loc as UTC midnight. Every civil
// date in this package uses that representation.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, invalid("date", "want YYYY-MM-DD, got %q", s)
	}
	return d, nil
}

func FormatDate(d time.Time) string {
	return d.Format(dateLayout)
}

// minuteOfDay is the wall clock of t in loc as minutes after midnight.
func minuteOfDay(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return local.Hour()*60 + local.Minute()
}

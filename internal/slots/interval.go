package slots

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source identifies where an occupied interval came from.
type Source string

const (
	SourceBooking  Source = "BOOKING"
	SourceBlock    Source = "BLOCK"
	SourceCalendar Source = "CALENDAR"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// TimeInterval is a span during which the owner is unavailable.
// Start carries the local date and start time in the operating timezone.
type TimeInterval struct {
	Start    time.Time
	Duration time.Duration
	Source   Source
}

// NewInterval builds a TimeInterval, rejecting non-positive durations.
func NewInterval(start time.Time, duration time.Duration, src Source) (TimeInterval, error) {
	if duration <= 0 {
		return TimeInterval{}, fmt.Errorf("interval at %s from %s: duration must be > 0, got %s",
			start.Format(time.RFC3339), src, duration)
	}
	return TimeInterval{Start: start, Duration: duration, Source: src}, nil
}

// End returns the exclusive end instant.
func (i TimeInterval) End() time.Time {
	return i.Start.Add(i.Duration)
}

// Date returns the local date of the start instant ("2006-01-02").
func (i TimeInterval) Date() string {
	return i.Start.Format(dateLayout)
}

// StartTime returns the local wall-clock start ("15:04").
func (i TimeInterval) StartTime() string {
	return i.Start.Format(clockLayout)
}

// DurationMinutes returns the duration in whole minutes.
func (i TimeInterval) DurationMinutes() int {
	return int(i.Duration / time.Minute)
}

// ParseLocal parses a date and "HH:MM" clock value in loc.
func ParseLocal(date, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout+" "+clockLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse local time %q %q: %w", date, clock, err)
	}
	return t, nil
}

// ParseDate parses a "2006-01-02" value as local midnight in loc.
func ParseDate(date string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	return t, nil
}

// FormatDate renders t as "2006-01-02" in its own location.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// FormatClock renders t as "15:04" in its own location.
func FormatClock(t time.Time) string {
	return t.Format(clockLayout)
}

// HoursWindow is a daily business-hours range [StartHour, EndHour).
type HoursWindow struct {
	StartHour int
	EndHour   int
}

// ParseHoursWindow parses "start-end" hour pairs such as "9-17".
func ParseHoursWindow(s string) (HoursWindow, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return HoursWindow{}, fmt.Errorf("invalid hours window %q: expected format start-end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return HoursWindow{}, fmt.Errorf("invalid hours window %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return HoursWindow{}, fmt.Errorf("invalid hours window %q: %w", s, err)
	}
	w := HoursWindow{StartHour: start, EndHour: end}
	if err := w.Validate(); err != nil {
		return HoursWindow{}, err
	}
	return w, nil
}

// Validate checks that 0 <= start < end <= 24.
func (w HoursWindow) Validate() error {
	if w.StartHour < 0 || w.EndHour > 24 || w.StartHour >= w.EndHour {
		return fmt.Errorf("invalid hours window %d-%d: need 0 <= start < end <= 24", w.StartHour, w.EndHour)
	}
	return nil
}

func (w HoursWindow) String() string {
	return fmt.Sprintf("%d-%d", w.StartHour, w.EndHour)
}

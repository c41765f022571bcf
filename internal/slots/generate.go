package slots

import "time"

// Generate enumerates candidate start instants for day, beginning at
// day@w.StartHour and stepping by interval, stopping strictly before
// day@w.EndHour. Only the calendar date of day (in its location) is used.
func Generate(day time.Time, w HoursWindow, interval time.Duration) []time.Time {
	if interval <= 0 {
		return nil
	}
	y, m, d := day.Date()
	loc := day.Location()
	current := time.Date(y, m, d, w.StartHour, 0, 0, 0, loc)
	end := time.Date(y, m, d, w.EndHour, 0, 0, 0, loc)

	var out []time.Time
	for current.Before(end) {
		out = append(out, current)
		current = current.Add(interval)
	}
	return out
}

// Conflicts reports whether [start, start+duration) intersects any occupied
// interval. Intervals are half-open: touching boundaries do not conflict.
func Conflicts(start time.Time, duration time.Duration, occupied []TimeInterval) bool {
	end := start.Add(duration)
	for _, o := range occupied {
		if start.Before(o.End()) && end.After(o.Start) {
			return true
		}
	}
	return false
}

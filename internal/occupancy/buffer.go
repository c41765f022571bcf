package occupancy

import (
	"strings"
	"time"
)

// DefaultKeywords mark events that need travel or changeover time.
var DefaultKeywords = []string{"work", "shift", "ambassador", "class"}

// BufferRule extends matching timed events at both ends.
type BufferRule struct {
	Keywords []string
	ColorIDs []string
	Duration time.Duration
}

// Applies reports whether e is buffered. All-day events never are.
func (r BufferRule) Applies(e BusyEvent) bool {
	if e.AllDay || r.Duration <= 0 {
		return false
	}
	title := strings.ToLower(e.Title)
	for _, kw := range r.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(title, kw) {
			return true
		}
	}
	if e.ColorID == "" {
		return false
	}
	for _, id := range r.ColorIDs {
		if strings.TrimSpace(id) == e.ColorID {
			return true
		}
	}
	return false
}

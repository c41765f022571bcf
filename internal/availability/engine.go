// Package availability answers "which slots can this caller book" for a
// date range.
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/meeting-scheduler/internal/access"
	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/slots"
)

// Occupancy supplies the occupied intervals for a range.
type Occupancy interface {
	Collect(ctx context.Context, from, to time.Time, force bool) ([]slots.TimeInterval, error)
	CacheAge(from, to time.Time) int
}

// TierResolver maps an optional credential to a policy.
type TierResolver interface {
	Resolve(token string) access.Policy
}

// Config bounds queries.
type Config struct {
	Location     *time.Location
	SlotInterval time.Duration
	MaxRangeDays int
	MaxDuration  time.Duration
}

// Query is one availability request. Dates are "2006-01-02" in the
// operating timezone and both ends are inclusive.
type Query struct {
	StartDate       string
	EndDate         string
	DurationMinutes int
	Token           string
	ForceRefresh    bool
	// Now overrides the engine clock when non-zero.
	Now time.Time
}

// Result maps each date in the range to its bookable start instants.
// Every date is present; a day with nothing free has an empty list.
type Result struct {
	Tier            access.Tier
	Slots           map[string][]time.Time
	CacheAgeSeconds int
}

// Engine computes availability.
type Engine struct {
	occupancy Occupancy
	tiers     TierResolver
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// New returns an Engine with defaults for zero config values.
func New(occ Occupancy, tiers TierResolver, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SlotInterval <= 0 {
		cfg.SlotInterval = 15 * time.Minute
	}
	if cfg.MaxRangeDays <= 0 {
		cfg.MaxRangeDays = 62
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 8 * time.Hour
	}
	return &Engine{occupancy: occ, tiers: tiers, cfg: cfg, log: log, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Query validates q, collects occupancy once for the whole range and filters
// each day's candidates by notice and conflicts.
func (e *Engine) Query(ctx context.Context, q Query) (Result, error) {
	start, end, err := e.validate(q)
	if err != nil {
		metrics.AvailabilityQueries.WithLabelValues("unknown", "invalid").Inc()
		return Result{}, err
	}
	policy := e.tiers.Resolve(q.Token)
	tier := string(policy.Tier)

	now := q.Now
	if now.IsZero() {
		now = e.now()
	}
	earliest := now.Add(policy.Notice)

	from := start
	to := end.AddDate(0, 0, 1)
	occupied, err := e.occupancy.Collect(ctx, from, to, q.ForceRefresh)
	if err != nil {
		metrics.AvailabilityQueries.WithLabelValues(tier, "error").Inc()
		return Result{}, fmt.Errorf("collect occupancy: %w", err)
	}

	duration := time.Duration(q.DurationMinutes) * time.Minute
	res := Result{Tier: policy.Tier, Slots: make(map[string][]time.Time)}
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		free := []time.Time{}
		for _, c := range slots.Generate(day, policy.Window, e.cfg.SlotInterval) {
			if !c.After(earliest) {
				continue
			}
			if slots.Conflicts(c, duration, occupied) {
				continue
			}
			free = append(free, c)
		}
		res.Slots[slots.FormatDate(day)] = free
	}
	res.CacheAgeSeconds = e.occupancy.CacheAge(from, to)

	metrics.AvailabilityQueries.WithLabelValues(tier, "ok").Inc()
	e.log.Debug().Str("tier", tier).Str("start", q.StartDate).Str("end", q.EndDate).
		Int("occupied", len(occupied)).Msg("availability computed")
	return res, nil
}

func (e *Engine) validate(q Query) (time.Time, time.Time, error) {
	start, err := slots.ParseDate(q.StartDate, e.cfg.Location)
	if err != nil {
		return time.Time{}, time.Time{}, &booking.ValidationError{Field: "start_date", Msg: "expected YYYY-MM-DD"}
	}
	end, err := slots.ParseDate(q.EndDate, e.cfg.Location)
	if err != nil {
		return time.Time{}, time.Time{}, &booking.ValidationError{Field: "end_date", Msg: "expected YYYY-MM-DD"}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, &booking.ValidationError{Field: "end_date", Msg: "must not be before start_date"}
	}
	// Calendar days, not elapsed hours.
	days := 0
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		days++
		if days > e.cfg.MaxRangeDays {
			return time.Time{}, time.Time{}, &booking.ValidationError{
				Field: "end_date", Msg: fmt.Sprintf("range must span at most %d days", e.cfg.MaxRangeDays),
			}
		}
	}
	maxMinutes := int(e.cfg.MaxDuration / time.Minute)
	if q.DurationMinutes <= 0 || q.DurationMinutes > maxMinutes {
		return time.Time{}, time.Time{}, &booking.ValidationError{
			Field: "duration", Msg: fmt.Sprintf("must be between 1 and %d minutes", maxMinutes),
		}
	}
	return start, end, nil
}

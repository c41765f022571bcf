// Package occupancy unions everything that makes the owner unavailable over
// a range: stored bookings, manual blocks and calendar events.
package occupancy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/cache"
	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/slots"
)

// BusyEvent is a calendar entry as reported by the provider.
type BusyEvent struct {
	ID          string
	Title       string
	ColorID     string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Transparent bool
}

// CalendarSource lists events of one calendar overlapping [from, to).
type CalendarSource interface {
	BusyEvents(ctx context.Context, calendarID string, from, to time.Time) ([]BusyEvent, error)
}

// BookingSource lists bookings that hold their slot.
type BookingSource interface {
	BookingsInRange(ctx context.Context, from, to time.Time) ([]booking.Booking, error)
}

// BlockSource lists manual blocks.
type BlockSource interface {
	BlocksInRange(ctx context.Context, from, to time.Time) ([]booking.Block, error)
}

// Config holds aggregator settings.
type Config struct {
	CalendarIDs []string
	Buffer      BufferRule
	Timeout     time.Duration // per Collect, across all calendars
	Location    *time.Location
}

// Aggregator builds the occupied set for a range. Calendar results go
// through the cache; bookings and blocks are always read fresh.
type Aggregator struct {
	bookings BookingSource
	blocks   BlockSource
	calendar CalendarSource
	cache    *cache.Layer
	cfg      Config
	log      zerolog.Logger
}

// New returns an Aggregator. calendar may be nil, in which case only
// bookings and blocks are considered.
func New(bookings BookingSource, blocks BlockSource, calendar CalendarSource, c *cache.Layer, cfg Config, log zerolog.Logger) *Aggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if c == nil {
		c = cache.New(0)
	}
	return &Aggregator{bookings: bookings, blocks: blocks, calendar: calendar, cache: c, cfg: cfg, log: log}
}

// Collect returns the occupied intervals overlapping [from, to), ordered by
// start. Store failures are returned; calendar failures degrade to "no
// calendar events" and are not cached.
func (a *Aggregator) Collect(ctx context.Context, from, to time.Time, force bool) ([]slots.TimeInterval, error) {
	bs, err := a.bookings.BookingsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}
	blocks, err := a.blocks.BlocksInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}

	out := make([]slots.TimeInterval, 0, len(bs)+len(blocks))
	for _, b := range bs {
		if b.Status.Occupies() && b.DurationMinutes > 0 {
			out = append(out, b.Interval())
		}
	}
	for _, b := range blocks {
		if b.End.After(b.Start) {
			out = append(out, b.Interval())
		}
	}

	if a.calendar != nil && len(a.cfg.CalendarIDs) > 0 {
		events, err := a.cache.Fetch(ctx, cache.Key{Start: from, End: to}, force, func(ctx context.Context) ([]slots.TimeInterval, bool, error) {
			return a.fetchCalendars(ctx, from, to)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// CacheAge reports how many seconds ago the calendar data for [from, to)
// was fetched, or 0 when nothing is cached.
func (a *Aggregator) CacheAge(from, to time.Time) int {
	age, ok := a.cache.Age(cache.Key{Start: from, End: to})
	if !ok {
		return 0
	}
	return age
}

// fetchCalendars queries every configured calendar concurrently. Any failure
// marks the combined result as non-cacheable.
func (a *Aggregator) fetchCalendars(ctx context.Context, from, to time.Time) ([]slots.TimeInterval, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		out      []slots.TimeInterval
		degraded bool
		g        errgroup.Group
	)
	for _, id := range a.cfg.CalendarIDs {
		g.Go(func() error {
			events, err := a.calendar.BusyEvents(ctx, id, from, to)
			if err != nil {
				metrics.CalendarCalls.WithLabelValues("list", "degraded").Inc()
				a.log.Warn().Err(err).Str("calendar", id).Msg("calendar unavailable; treating as free")
				mu.Lock()
				degraded = true
				mu.Unlock()
				return nil
			}
			ivs := a.toIntervals(events)
			mu.Lock()
			out = append(out, ivs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, !degraded, nil
}

func (a *Aggregator) toIntervals(events []BusyEvent) []slots.TimeInterval {
	out := make([]slots.TimeInterval, 0, len(events))
	for _, e := range events {
		if e.Transparent {
			continue
		}
		start, end := e.Start, e.End
		if e.AllDay {
			start = midnight(start, a.cfg.Location)
			end = midnight(end, a.cfg.Location)
		} else if a.cfg.Buffer.Applies(e) {
			start = start.Add(-a.cfg.Buffer.Duration)
			end = end.Add(a.cfg.Buffer.Duration)
		}
		iv, err := slots.NewInterval(start.In(a.cfg.Location), end.Sub(start), slots.SourceCalendar)
		if err != nil {
			a.log.Debug().Err(err).Str("event", e.ID).Msg("skipping calendar event")
			continue
		}
		out = append(out, iv)
	}
	return out
}

// midnight re-anchors t's calendar date to 00:00 in loc.
func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/gcal"
	"github.com/developingchet/meeting-scheduler/internal/occupancy"
)

// FakeCalendar is an in-memory calendar provider. It satisfies
// booking.Calendar, occupancy.CalendarSource and gcal.Pusher.
type FakeCalendar struct {
	mu      sync.Mutex
	events  map[string][]occupancy.BusyEvent // calendar id -> events
	created []booking.EventRequest
	deleted []string
	stopped []string
	calls   map[string]int
	errors  map[string]error
	seq     int

	// ChannelTTL is the lifetime reported for registered push channels.
	ChannelTTL time.Duration
}

// NewFakeCalendar returns an empty FakeCalendar.
func NewFakeCalendar() *FakeCalendar {
	return &FakeCalendar{
		events:     make(map[string][]occupancy.BusyEvent),
		calls:      make(map[string]int),
		errors:     make(map[string]error),
		ChannelTTL: 7 * 24 * time.Hour,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (f *FakeCalendar) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[method] = err
}

func (f *FakeCalendar) begin(method string) error {
	f.calls[method]++
	err := f.errors[method]
	delete(f.errors, method)
	return err
}

// AddEvent appends a busy event to calendarID.
func (f *FakeCalendar) AddEvent(calendarID string, e occupancy.BusyEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[calendarID] = append(f.events[calendarID], e)
}

// Calls returns how many times method was invoked.
func (f *FakeCalendar) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Created returns the event requests passed to CreateEvent.
func (f *FakeCalendar) Created() []booking.EventRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]booking.EventRequest(nil), f.created...)
}

// Deleted returns the event ids passed to DeleteEvent.
func (f *FakeCalendar) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Stopped returns the channel ids passed to StopPushSubscription.
func (f *FakeCalendar) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *FakeCalendar) BusyEvents(_ context.Context, calendarID string, from, to time.Time) ([]occupancy.BusyEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("BusyEvents"); err != nil {
		return nil, err
	}
	var out []occupancy.BusyEvent
	for _, e := range f.events[calendarID] {
		if e.Start.Before(to) && e.End.After(from) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FakeCalendar) CreateEvent(_ context.Context, req booking.EventRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateEvent"); err != nil {
		return "", err
	}
	f.seq++
	f.created = append(f.created, req)
	return fmt.Sprintf("evt-%d", f.seq), nil
}

func (f *FakeCalendar) DeleteEvent(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteEvent"); err != nil {
		return err
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *FakeCalendar) RegisterPushSubscription(_ context.Context, calendarID, address, token string) (gcal.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("RegisterPushSubscription"); err != nil {
		return gcal.Channel{}, err
	}
	f.seq++
	return gcal.Channel{
		ID:         fmt.Sprintf("chan-%d", f.seq),
		ResourceID: "res-" + calendarID,
		Expiration: time.Now().Add(f.ChannelTTL),
	}, nil
}

func (f *FakeCalendar) StopPushSubscription(_ context.Context, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("StopPushSubscription"); err != nil {
		return err
	}
	f.stopped = append(f.stopped, channelID)
	return nil
}

var (
	_ booking.Calendar         = (*FakeCalendar)(nil)
	_ occupancy.CalendarSource = (*FakeCalendar)(nil)
	_ gcal.Pusher              = (*FakeCalendar)(nil)
)

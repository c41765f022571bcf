package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/guard"
)

// MemoryBookings implements booking.Store (and therefore guard.Ledger) in
// memory. All methods are safe for concurrent use.
type MemoryBookings struct {
	mu       sync.Mutex
	bookings map[string]booking.Booking
	blocks   []booking.Block
	errors   map[string]error
}

// NewMemoryBookings returns an empty MemoryBookings.
func NewMemoryBookings() *MemoryBookings {
	return &MemoryBookings{
		bookings: make(map[string]booking.Booking),
		errors:   make(map[string]error),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MemoryBookings) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MemoryBookings) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// Len returns the number of stored bookings.
func (m *MemoryBookings) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bookings)
}

// Blocks returns a copy of the stored blocks.
func (m *MemoryBookings) Blocks() []booking.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]booking.Block(nil), m.blocks...)
}

func (m *MemoryBookings) CreateBooking(_ context.Context, b booking.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CreateBooking"); err != nil {
		return err
	}
	b.Email = guard.NormalizeEmail(b.Email)
	m.bookings[b.ID] = b
	return nil
}

func (m *MemoryBookings) GetBooking(_ context.Context, id string) (*booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetBooking"); err != nil {
		return nil, err
	}
	b, ok := m.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryBookings) UpdateStatus(_ context.Context, id string, status booking.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UpdateStatus"); err != nil {
		return err
	}
	b, ok := m.bookings[id]
	if !ok {
		return &booking.NotFoundError{ID: id}
	}
	b.Status = status
	b.UpdatedAt = at
	m.bookings[id] = b
	return nil
}

func (m *MemoryBookings) SetCalendarEventID(_ context.Context, id, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetCalendarEventID"); err != nil {
		return err
	}
	b, ok := m.bookings[id]
	if !ok {
		return &booking.NotFoundError{ID: id}
	}
	b.CalendarEventID = eventID
	b.UpdatedAt = at
	m.bookings[id] = b
	return nil
}

func (m *MemoryBookings) ListBookings(_ context.Context, status booking.Status) ([]booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListBookings"); err != nil {
		return nil, err
	}
	var out []booking.Booking
	for _, b := range m.bookings {
		if status == "" || b.Status == status {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (m *MemoryBookings) BookingsInRange(_ context.Context, from, to time.Time) ([]booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("BookingsInRange"); err != nil {
		return nil, err
	}
	var out []booking.Booking
	for _, b := range m.bookings {
		if b.Status.Occupies() && b.Start.Before(to) && b.End().After(from) {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (m *MemoryBookings) SpamStats(_ context.Context, email string, since time.Time) (guard.SpamStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SpamStats"); err != nil {
		return guard.SpamStats{}, err
	}
	email = guard.NormalizeEmail(email)
	var st guard.SpamStats
	for _, b := range m.bookings {
		if b.Email != email {
			continue
		}
		switch {
		case b.Status == booking.StatusPending:
			st.Pending++
		case b.Status == booking.StatusRejected && !b.UpdatedAt.Before(since):
			st.RejectedRecent++
		}
	}
	return st, nil
}

func (m *MemoryBookings) DeleteBookingsByEmail(_ context.Context, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteBookingsByEmail"); err != nil {
		return 0, err
	}
	email = guard.NormalizeEmail(email)
	var n int
	for id, b := range m.bookings {
		if b.Email == email {
			delete(m.bookings, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBookings) CreateBlock(_ context.Context, b booking.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CreateBlock"); err != nil {
		return err
	}
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *MemoryBookings) BlocksInRange(_ context.Context, from, to time.Time) ([]booking.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("BlocksInRange"); err != nil {
		return nil, err
	}
	var out []booking.Block
	for _, b := range m.blocks {
		if b.Start.Before(to) && b.End.After(from) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryBookings) Close() error { return nil }

func sortBookings(bs []booking.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Start.Equal(bs[j].Start) {
			return bs[i].ID < bs[j].ID
		}
		return bs[i].Start.Before(bs[j].Start)
	})
}

var _ booking.Store = (*MemoryBookings)(nil)

package booking

import (
	"context"
	"time"

	"github.com/developingchet/meeting-scheduler/internal/guard"
)

// Store persists bookings and blocks.
type Store interface {
	CreateBooking(ctx context.Context, b Booking) error
	// GetBooking returns nil, nil when id is unknown.
	GetBooking(ctx context.Context, id string) (*Booking, error)
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error
	SetCalendarEventID(ctx context.Context, id, eventID string, at time.Time) error
	// ListBookings returns bookings ordered by start; an empty status means all.
	ListBookings(ctx context.Context, status Status) ([]Booking, error)
	// BookingsInRange returns PENDING and ACCEPTED bookings overlapping [from, to).
	BookingsInRange(ctx context.Context, from, to time.Time) ([]Booking, error)
	// SpamStats counts PENDING bookings for email and REJECTED ones whose
	// status changed at or after since.
	SpamStats(ctx context.Context, email string, since time.Time) (guard.SpamStats, error)
	DeleteBookingsByEmail(ctx context.Context, email string) (int, error)

	CreateBlock(ctx context.Context, b Block) error
	// BlocksInRange returns blocks overlapping [from, to).
	BlocksInRange(ctx context.Context, from, to time.Time) ([]Block, error)

	Close() error
}

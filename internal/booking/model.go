// Package booking owns meeting requests and manual blocks: the data model,
// the SQLite store, and the submission and status-change workflows.
package booking

import (
	"strings"
	"time"

	"github.com/developingchet/meeting-scheduler/internal/slots"
)

// Status is a booking's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Occupies reports whether a booking in this state holds its slot.
func (s Status) Occupies() bool {
	return s == StatusPending || s == StatusAccepted
}

// ParseStatus accepts the operator-settable states, case-insensitively.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusAccepted:
		return StatusAccepted, true
	case StatusRejected:
		return StatusRejected, true
	case StatusCancelled:
		return StatusCancelled, true
	}
	return "", false
}

// LocationType says where a meeting happens.
type LocationType string

const (
	LocationOnline   LocationType = "ONLINE"
	LocationInPerson LocationType = "IN_PERSON"
)

// Booking is a meeting request.
type Booking struct {
	ID              string
	Name            string
	Email           string
	Topic           string
	Start           time.Time
	DurationMinutes int
	Status          Status
	LocationType    LocationType
	LocationDetails string
	CalendarEventID string
	Address         string
	UserAgent       string
	Tier            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// End is Start plus the booked duration.
func (b Booking) End() time.Time {
	return b.Start.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// Interval is the occupied interval this booking contributes.
func (b Booking) Interval() slots.TimeInterval {
	return slots.TimeInterval{
		Start:    b.Start,
		Duration: time.Duration(b.DurationMinutes) * time.Minute,
		Source:   slots.SourceBooking,
	}
}

// Block is an operator-defined unavailable window.
type Block struct {
	ID        string
	Start     time.Time
	End       time.Time
	Reason    string
	CreatedAt time.Time
}

// Interval is the occupied interval this block contributes.
func (b Block) Interval() slots.TimeInterval {
	return slots.TimeInterval{Start: b.Start, Duration: b.End.Sub(b.Start), Source: slots.SourceBlock}
}

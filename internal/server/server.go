// Package server exposes the scheduler over HTTP and supervises the
// daemon's long-running components.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/meeting-scheduler/internal/availability"
	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/storage"
)

// Availability answers slot queries.
type Availability interface {
	Query(ctx context.Context, q availability.Query) (availability.Result, error)
}

// Bookings runs submissions and operator transitions.
type Bookings interface {
	Submit(ctx context.Context, sub booking.Submission) (booking.SubmitResult, error)
	SetStatus(ctx context.Context, id string, change booking.StatusChange) (booking.StatusResult, error)
	ListBookings(ctx context.Context, status booking.Status) ([]booking.Booking, error)
}

// Bans is the operator view of the ban store.
type Bans interface {
	ListBans() (map[string]storage.BanEntry, error)
	Unban(address string) (bool, error)
}

// TokenIssuer mints friend credentials.
type TokenIssuer interface {
	Issue() (token string, expiresAt time.Time, err error)
}

// Throttle is a rolling-window budget per key.
type Throttle interface {
	RateGate(key string, now time.Time, window time.Duration, max int) (bool, error)
}

// Invalidator drops cached calendar occupancy.
type Invalidator interface {
	Clear()
}

// Deps are the collaborators behind the HTTP surface. Throttle may be nil.
type Deps struct {
	Availability Availability
	Bookings     Bookings
	Bans         Bans
	Tokens       TokenIssuer
	Cache        Invalidator
	Throttle     Throttle
}

// Config tunes the HTTP surface.
type Config struct {
	TrustProxyHeaders bool
	// SubmitRateMax of 0 disables the per-address submission throttle.
	SubmitRateMax     int
	SubmitRateWindow  time.Duration
	AdminPasswordHash string
	PushChannelToken  string
	Location          *time.Location
}

// Server routes API requests to the scheduler services.
type Server struct {
	Deps
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// New returns a Server.
func New(deps Deps, cfg Config, log zerolog.Logger) *Server {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Server{Deps: deps, cfg: cfg, log: log, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/availability", s.handleAvailability)
	mux.HandleFunc("POST /api/request-meeting", s.handleRequestMeeting)
	mux.HandleFunc("POST /api/calendar/webhook", s.handleCalendarWebhook)

	mux.Handle("GET /api/admin/bookings", s.requireAdmin(s.handleListBookings))
	mux.Handle("PATCH /api/admin/bookings/{id}", s.requireAdmin(s.handleSetStatus))
	mux.Handle("GET /api/admin/bans", s.requireAdmin(s.handleListBans))
	mux.Handle("DELETE /api/admin/bans/{address}", s.requireAdmin(s.handleUnban))
	mux.Handle("POST /api/admin/cache/clear", s.requireAdmin(s.handleClearCache))
	mux.Handle("POST /api/admin/friend-token", s.requireAdmin(s.handleFriendToken))

	return withNoCache(mux)
}

package booking

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/developingchet/meeting-scheduler/internal/access"
	"github.com/developingchet/meeting-scheduler/internal/guard"
	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/notify"
	"github.com/developingchet/meeting-scheduler/internal/pool"
)

// Gate screens submissions before anything is persisted.
type Gate interface {
	Evaluate(ctx context.Context, req guard.Request) (guard.Decision, error)
}

// TierResolver maps an optional credential to a policy.
type TierResolver interface {
	Resolve(token string) access.Policy
}

// EventRequest is the calendar event created for an accepted booking.
type EventRequest struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

// Calendar is the subset of the calendar provider the workflows drive.
type Calendar interface {
	CreateEvent(ctx context.Context, req EventRequest) (eventID string, err error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// Invalidator drops cached calendar occupancy.
type Invalidator interface {
	Clear()
}

// Config tunes the workflows.
type Config struct {
	Location          *time.Location
	MaxDuration       time.Duration
	OperatorEmail     string
	OwnerName         string
	MeetingLink       string
	SideEffectTimeout time.Duration
	MaxRetries        int
	RetryBase         time.Duration
}

// Deps are the collaborators of a Service. Calendar, Cache, Alerts and Mail
// may be nil.
type Deps struct {
	Store    Store
	Gate     Gate
	Tiers    TierResolver
	Calendar Calendar
	Cache    Invalidator
	Alerts   notify.Alerter
	Mail     notify.Mailer
}

// Service runs booking submission and status transitions.
type Service struct {
	Deps
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// NewService returns a Service with defaults filled in.
func NewService(deps Deps, cfg Config, log zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 8 * time.Hour
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = 5 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	return &Service{Deps: deps, cfg: cfg, log: log, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Submission is a public meeting request.
type Submission struct {
	Name            string
	Email           string
	Topic           string
	SlotISO         string
	DurationMinutes int
	Token           string
	LocationType    string
	LocationDetails string
	Honeypot        string
	Address         string
	UserAgent       string
}

// SubmitResult reports a successful submission. Silent is set when the
// request was discarded by the abuse guard; callers must still answer with
// plain success.
type SubmitResult struct {
	ID     string
	Silent bool
}

// Submit screens, validates and stores a request as PENDING, then queues the
// operator alert.
func (s *Service) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	sub.Email = guard.NormalizeEmail(sub.Email)
	decision, err := s.Gate.Evaluate(ctx, guard.Request{
		Email:     sub.Email,
		Address:   sub.Address,
		Honeypot:  sub.Honeypot,
		UserAgent: sub.UserAgent,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("abuse guard: %w", err)
	}
	switch decision.Outcome {
	case guard.Reject:
		metrics.BookingsSubmitted.WithLabelValues("rejected").Inc()
		if decision.Code == http.StatusForbidden {
			return SubmitResult{}, &AccessDeniedError{Msg: decision.Reason}
		}
		return SubmitResult{}, &RateLimitedError{Msg: decision.Reason}
	case guard.SilentAllowWithBan:
		metrics.BookingsSubmitted.WithLabelValues("silent").Inc()
		return SubmitResult{Silent: true}, nil
	}

	now := s.now().In(s.cfg.Location)
	b, err := s.validate(sub, now)
	if err != nil {
		metrics.BookingsSubmitted.WithLabelValues("invalid").Inc()
		return SubmitResult{}, err
	}
	if s.Tiers != nil {
		b.Tier = string(s.Tiers.Resolve(sub.Token).Tier)
	}

	if err := s.Store.CreateBooking(ctx, b); err != nil {
		return SubmitResult{}, err
	}
	metrics.BookingsSubmitted.WithLabelValues("created").Inc()
	s.log.Info().Str("booking_id", b.ID).Str("date", b.Start.Format("2006-01-02 15:04")).
		Int("duration", b.DurationMinutes).Str("tier", b.Tier).Msg("booking request stored")

	if s.Alerts != nil {
		if err := s.Alerts.Alert(ctx, s.requestAlert(b)); err != nil {
			s.log.Warn().Err(err).Str("booking_id", b.ID).Msg("booking alert not queued")
		}
	}
	return SubmitResult{ID: b.ID}, nil
}

func (s *Service) validate(sub Submission, now time.Time) (Booking, error) {
	start, err := ParseSlot(sub.SlotISO, s.cfg.Location)
	if err != nil {
		return Booking{}, &ValidationError{Field: "slot_iso", Msg: err.Error()}
	}
	if !start.After(now) {
		return Booking{}, &ValidationError{Field: "slot_iso", Msg: "cannot book a slot in the past"}
	}

	name := strings.TrimSpace(sub.Name)
	if name == "" || utf8.RuneCountInString(name) > 100 {
		return Booking{}, &ValidationError{Field: "name", Msg: "must be 1-100 characters"}
	}
	email := guard.NormalizeEmail(sub.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email || len(email) > 254 {
		return Booking{}, &ValidationError{Field: "email", Msg: "invalid e-mail address"}
	}
	topic := strings.TrimSpace(sub.Topic)
	if topic == "" || utf8.RuneCountInString(topic) > 500 {
		return Booking{}, &ValidationError{Field: "topic", Msg: "must be 1-500 characters"}
	}
	maxMinutes := int(s.cfg.MaxDuration / time.Minute)
	if sub.DurationMinutes <= 0 || sub.DurationMinutes > maxMinutes {
		return Booking{}, &ValidationError{Field: "duration", Msg: fmt.Sprintf("must be between 1 and %d minutes", maxMinutes)}
	}

	loc := LocationOnline
	switch LocationType(strings.ToUpper(strings.TrimSpace(sub.LocationType))) {
	case "", LocationOnline:
	case LocationInPerson:
		loc = LocationInPerson
	default:
		return Booking{}, &ValidationError{Field: "location_type", Msg: "must be ONLINE or IN_PERSON"}
	}
	details := strings.TrimSpace(sub.LocationDetails)
	if loc == LocationInPerson && details == "" {
		return Booking{}, &ValidationError{Field: "location_details", Msg: "required for in-person meetings"}
	}

	ua := guard.Truncate(sub.UserAgent, 512)
	return Booking{
		ID:              uuid.NewString(),
		Name:            name,
		Email:           email,
		Topic:           topic,
		Start:           start,
		DurationMinutes: sub.DurationMinutes,
		Status:          StatusPending,
		LocationType:    loc,
		LocationDetails: details,
		Address:         guard.NormalizeAddress(sub.Address),
		UserAgent:       ua,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ParseSlot accepts RFC 3339 instants, or a local "2006-01-02T15:04[:05]"
// wall time interpreted in loc. The result is expressed in loc.
func ParseSlot(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid slot instant %q", s)
}

// StatusChange is an operator decision on a booking.
type StatusChange struct {
	Status Status
	Reason string
	// BlockSlot keeps a cancelled booking's window unavailable.
	BlockSlot bool
}

// StatusResult is returned once the transition is committed. Warnings list
// side effects that failed; the status change itself is never rolled back.
type StatusResult struct {
	Booking  Booking
	Warnings []string
}

// SetStatus commits a transition, then runs its side effects concurrently,
// each bounded by its own timeout and retry budget.
func (s *Service) SetStatus(ctx context.Context, id string, change StatusChange) (StatusResult, error) {
	switch change.Status {
	case StatusAccepted, StatusRejected, StatusCancelled:
	default:
		return StatusResult{}, &ValidationError{Field: "status", Msg: "must be ACCEPTED, REJECTED or CANCELLED"}
	}

	b, err := s.Store.GetBooking(ctx, id)
	if err != nil {
		return StatusResult{}, err
	}
	if b == nil {
		return StatusResult{}, &NotFoundError{ID: id}
	}
	if b.Status == change.Status {
		return StatusResult{}, &ValidationError{Field: "status", Msg: "booking is already " + string(change.Status)}
	}

	now := s.now().In(s.cfg.Location)
	if err := s.Store.UpdateStatus(ctx, id, change.Status, now); err != nil {
		return StatusResult{}, err
	}
	previous := b.Status
	b.Status = change.Status
	b.UpdatedAt = now
	metrics.BookingTransitions.WithLabelValues(string(change.Status)).Inc()
	s.log.Info().Str("booking_id", id).Str("from", string(previous)).Str("to", string(change.Status)).
		Msg("booking status changed")

	// Side effects outlive the request that triggered them.
	fx := &effects{svc: s, ctx: context.WithoutCancel(ctx), bookingID: id}

	msg := s.statusMessage(*b, change.Status, change.Reason)
	fx.run("email", func(ctx context.Context) error { return s.emailOrSkip(ctx, msg) })
	if s.cfg.OperatorEmail != "" {
		cp := s.operatorCopy(*b, change.Status, msg)
		fx.run("operator_email", func(ctx context.Context) error { return s.emailOrSkip(ctx, cp) })
	}

	var eventID string
	switch change.Status {
	case StatusAccepted:
		if s.Calendar != nil && b.CalendarEventID == "" {
			req := s.eventRequest(*b)
			// A successful insert is never repeated by a later failing step.
			fx.run("calendar_create",
				func(ctx context.Context) error {
					created, err := s.Calendar.CreateEvent(ctx, req)
					if err != nil {
						return err
					}
					fx.mu.Lock()
					eventID = created
					fx.mu.Unlock()
					s.clearCache()
					return nil
				},
				func(ctx context.Context) error {
					return s.Store.SetCalendarEventID(ctx, id, eventID, now)
				})
		}
	case StatusCancelled:
		if s.Calendar != nil && b.CalendarEventID != "" {
			existing := b.CalendarEventID
			fx.run("calendar_delete",
				func(ctx context.Context) error {
					if err := s.Calendar.DeleteEvent(ctx, existing); err != nil {
						return err
					}
					s.clearCache()
					return nil
				},
				func(ctx context.Context) error {
					if err := s.Store.SetCalendarEventID(ctx, id, "", now); err != nil {
						return err
					}
					b.CalendarEventID = ""
					return nil
				})
		}
		if change.BlockSlot {
			blk := Block{
				ID:        uuid.NewString(),
				Start:     b.Start,
				End:       b.End(),
				Reason:    strings.TrimSpace("Cancelled: " + change.Reason),
				CreatedAt: now,
			}
			fx.run("block", func(ctx context.Context) error { return s.Store.CreateBlock(ctx, blk) })
		}
	}

	warnings := fx.wait()
	if eventID != "" {
		b.CalendarEventID = eventID
	}
	return StatusResult{Booking: *b, Warnings: warnings}, nil
}

// ListBookings returns bookings, optionally filtered by status.
func (s *Service) ListBookings(ctx context.Context, status Status) ([]Booking, error) {
	return s.Store.ListBookings(ctx, status)
}

func (s *Service) emailOrSkip(ctx context.Context, m notify.Message) error {
	if s.Mail == nil {
		return nil
	}
	return s.Mail.Email(ctx, m)
}

func (s *Service) clearCache() {
	if s.Cache != nil {
		s.Cache.Clear()
	}
}

// effects runs named side effects concurrently and collects failures.
type effects struct {
	svc       *Service
	ctx       context.Context
	bookingID string
	g         errgroup.Group
	mu        sync.Mutex
	warnings  []string
}

// run starts a named effect made of ordered steps. Each step is retried on
// its own and a failed step stops the ones after it.
func (e *effects) run(name string, steps ...func(ctx context.Context) error) {
	e.g.Go(func() error {
		ctx, cancel := context.WithTimeout(e.ctx, e.svc.cfg.SideEffectTimeout)
		defer cancel()
		var err error
		for _, step := range steps {
			if err = pool.Retry(ctx, e.svc.cfg.MaxRetries, e.svc.cfg.RetryBase, step); err != nil {
				break
			}
		}
		if err != nil {
			e.svc.log.Warn().Err(err).Str("booking_id", e.bookingID).Str("effect", name).
				Msg("side effect failed")
			e.mu.Lock()
			e.warnings = append(e.warnings, fmt.Sprintf("%s: %v", name, err))
			e.mu.Unlock()
		}
		return nil
	})
}

func (e *effects) wait() []string {
	_ = e.g.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warnings
}

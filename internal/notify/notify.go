// Package notify delivers operator alerts and requester e-mails. Delivery is
// best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/pool"
)

// Kind classifies an operator alert.
type Kind string

const (
	KindBookingRequest Kind = "booking_request"
	KindBan            Kind = "ban"
)

// Alert colours, as Discord embed integers.
const (
	ColorPublic = 0x00FFFF
	ColorFriend = 0xFFD700
	ColorBan    = 0xFF5555
)

// Field is one labelled value in an alert.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Alert is an operator notification.
type Alert struct {
	Kind        Kind
	Title       string
	Description string
	Color       int
	Fields      []Field
}

// Message is a plain-text e-mail.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Mailer delivers e-mail.
type Mailer interface {
	Email(ctx context.Context, m Message) error
}

// ErrQueueFull is returned by Queued when the worker pool rejects a job.
var ErrQueueFull = errors.New("notification queue full")

// Hub fans alerts and e-mail to the configured sinks. A nil sink is logged
// once per call and skipped without error.
type Hub struct {
	alerts Alerter
	mail   Mailer
	log    zerolog.Logger
}

// NewHub returns a Hub. Either sink may be nil.
func NewHub(alerts Alerter, mail Mailer, log zerolog.Logger) *Hub {
	return &Hub{alerts: alerts, mail: mail, log: log}
}

func (h *Hub) Alert(ctx context.Context, a Alert) error {
	if h.alerts == nil {
		h.log.Debug().Str("kind", string(a.Kind)).Msg("alert sink not configured, skipping")
		metrics.Notifications.WithLabelValues("alert", "skipped").Inc()
		return nil
	}
	if err := h.alerts.Alert(ctx, a); err != nil {
		metrics.Notifications.WithLabelValues("alert", "error").Inc()
		return err
	}
	metrics.Notifications.WithLabelValues("alert", "sent").Inc()
	return nil
}

func (h *Hub) Email(ctx context.Context, m Message) error {
	if h.mail == nil {
		h.log.Debug().Str("subject", m.Subject).Msg("mail sink not configured, skipping")
		metrics.Notifications.WithLabelValues("email", "skipped").Inc()
		return nil
	}
	if err := h.mail.Email(ctx, m); err != nil {
		metrics.Notifications.WithLabelValues("email", "error").Inc()
		return err
	}
	metrics.Notifications.WithLabelValues("email", "sent").Inc()
	return nil
}

// Enqueuer accepts jobs for asynchronous execution.
type Enqueuer interface {
	Enqueue(job pool.Job) bool
}

// Queued defers alert delivery to a worker pool so the caller never waits
// on the operator channel.
type Queued struct {
	next Alerter
	q    Enqueuer
}

// NewQueued wraps next so that Alert only enqueues.
func NewQueued(next Alerter, q Enqueuer) *Queued {
	return &Queued{next: next, q: q}
}

// Alert enqueues delivery. The ctx passed to the sink is the worker's, not
// the caller's, so request cancellation does not abort delivery.
func (q *Queued) Alert(_ context.Context, a Alert) error {
	ok := q.q.Enqueue(pool.Job{
		Action: "alert",
		Target: string(a.Kind),
		Run: func(ctx context.Context) error {
			return q.next.Alert(ctx, a)
		},
	})
	if !ok {
		return ErrQueueFull
	}
	return nil
}

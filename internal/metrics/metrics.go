package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scheduler"

var (
	// AvailabilityQueries counts availability queries by tier and result.
	AvailabilityQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "availability_queries_total",
		Help:      "Availability queries by access tier and result.",
	}, []string{"tier", "result"})

	// CacheLookups counts occupancy cache lookups.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Occupancy cache lookups by result (hit, miss, forced).",
	}, []string{"result"})

	// CalendarCalls counts raw calendar provider calls.
	CalendarCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calendar_calls_total",
		Help:      "Calendar provider calls by operation and status.",
	}, []string{"operation", "status"})

	// CalendarDuration records calendar provider latency.
	CalendarDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "calendar_duration_seconds",
		Help:      "Calendar provider call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"operation"})

	// GuardDecisions counts abuse guard outcomes per pipeline stage.
	GuardDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guard_decisions_total",
		Help:      "Abuse guard decisions per stage and outcome.",
	}, []string{"stage", "outcome"})

	// BansCreated counts bans written by the guard.
	BansCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_created_total",
		Help:      "Address bans created, by reason.",
	}, []string{"reason"})

	// ActiveBans is a gauge for currently stored bans.
	ActiveBans = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_bans",
		Help:      "Current ban records in bbolt.",
	})

	// BookingsSubmitted counts booking submissions by outcome.
	BookingsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bookings_submitted_total",
		Help:      "Booking submissions by outcome.",
	}, []string{"outcome"})

	// BookingTransitions counts operator status changes.
	BookingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "booking_transitions_total",
		Help:      "Booking status transitions by target status.",
	}, []string{"status"})

	// Notifications counts delivered and failed operator alerts and e-mails.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notifications by channel and status.",
	}, []string{"channel", "status"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded without running.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without running.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// SubscriptionRenewals counts push channel registrations.
	SubscriptionRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_renewals_total",
		Help:      "Push subscription registrations by status.",
	}, []string{"status"})

	// WebhookNotifications counts inbound calendar push notifications.
	WebhookNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_notifications_total",
		Help:      "Inbound calendar push notifications by result.",
	}, []string{"result"})
)

package storage

import (
	"time"
)

// BanEntry holds metadata about a banned client address.
type BanEntry struct {
	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the ban is no longer in force at now.
func (e BanEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Subscription is the last registered push channel for one calendar.
type Subscription struct {
	CalendarID   string
	ChannelID    string
	ResourceID   string
	ExpiresAt    time.Time
	RegisteredAt time.Time
}

// Store is the persistence interface for ban records, push subscriptions
// and the submission throttle.
type Store interface {
	// Ban operations
	BanGet(address string) (*BanEntry, error)
	BanRecord(address, reason string, createdAt, expiresAt time.Time) error
	BanDelete(address string) error
	BanList() (map[string]BanEntry, error)

	// RateGate: rolling-window budget per key.
	// Returns allowed=true if within budget; atomically appends now on allowed.
	RateGate(key string, now time.Time, window time.Duration, max int) (bool, error)

	// Janitor helpers
	PruneExpiredBans(now time.Time) (int, error)
	PruneExpiredRateEntries(now time.Time, window time.Duration) (int, error)

	// Push subscriptions, keyed by calendar id
	GetSubscription(calendarID string) (*Subscription, error)
	SetSubscription(sub Subscription) error
	DeleteSubscription(calendarID string) error
	ListSubscriptions() (map[string]Subscription, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}

// Package cache holds the in-process occupancy cache. Entries are keyed by the
// queried range and expire after a TTL; concurrent misses for the same key
// share one fetch.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/slots"
)

// DefaultTTL is used when New is given a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Key identifies a cached range query.
type Key struct {
	Start time.Time
	End   time.Time
}

// String renders the key as "<start>_<end>" in RFC 3339.
func (k Key) String() string {
	return k.Start.Format(time.RFC3339) + "_" + k.End.Format(time.RFC3339)
}

// Entry is one cached payload with its population and expiry instants.
type Entry struct {
	Key         Key
	PopulatedAt time.Time
	ExpiresAt   time.Time
	Payload     []slots.TimeInterval
}

// FetchFunc loads the payload for a key on a miss. A false cacheable marks a
// degraded result that is returned to callers but not stored.
type FetchFunc func(ctx context.Context) (payload []slots.TimeInterval, cacheable bool, err error)

// Layer is a TTL map safe for concurrent use.
type Layer struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// New returns an empty Layer with the given default TTL.
func New(ttl time.Duration) *Layer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Layer{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Layer) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Get returns the payload for key when an unexpired entry exists.
func (l *Layer) Get(key Key) ([]slots.TimeInterval, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key.String()]
	if !ok || !l.now().Before(e.ExpiresAt) {
		return nil, false
	}
	return e.Payload, true
}

// Set stores payload under key. A non-positive ttl uses the layer default.
func (l *Layer) Set(key Key, payload []slots.TimeInterval, ttl time.Duration) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.entries[key.String()] = Entry{
		Key:         key,
		PopulatedAt: now,
		ExpiresAt:   now.Add(ttl),
		Payload:     payload,
	}
}

// Clear drops every entry.
func (l *Layer) Clear() {
	l.mu.Lock()
	l.entries = make(map[string]Entry)
	l.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Age returns whole seconds since key was populated. ok is false when the
// entry is absent or expired.
func (l *Layer) Age(key Key) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key.String()]
	if !ok {
		return 0, false
	}
	now := l.now()
	if !now.Before(e.ExpiresAt) {
		return 0, false
	}
	return int(now.Sub(e.PopulatedAt) / time.Second), true
}

// Fetch returns the cached payload for key, or calls fn and caches its
// result. force skips the lookup but still repopulates. Concurrent callers
// missing the same key share a single fn call. Errors and non-cacheable
// results are never stored.
func (l *Layer) Fetch(ctx context.Context, key Key, force bool, fn FetchFunc) ([]slots.TimeInterval, error) {
	if !force {
		if payload, ok := l.Get(key); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return payload, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("forced").Inc()
	}

	v, err, _ := l.group.Do(key.String(), func() (any, error) {
		if !force {
			// Another caller may have populated the key while we waited.
			if payload, ok := l.Get(key); ok {
				return payload, nil
			}
		}
		payload, cacheable, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			l.Set(key, payload, 0)
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]slots.TimeInterval), nil
}

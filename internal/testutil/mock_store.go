// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"sync"
	"time"

	"github.com/developingchet/meeting-scheduler/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu   sync.Mutex
	bans map[string]storage.BanEntry
	subs map[string]storage.Subscription
	rate map[string][]int64 // key -> Unix-nano timestamps

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		bans:   make(map[string]storage.BanEntry),
		subs:   make(map[string]storage.Subscription),
		rate:   make(map[string][]int64),
		errors: make(map[string]error),
		Size:   1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Ban operations ---------------------------------------------------------

func (m *MockStore) BanGet(address string) (*storage.BanEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("BanGet"); err != nil {
		return nil, err
	}
	e, ok := m.bans[address]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MockStore) BanRecord(address, reason string, createdAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("BanRecord"); err != nil {
		return err
	}
	m.bans[address] = storage.BanEntry{Reason: reason, CreatedAt: createdAt.UTC(), ExpiresAt: expiresAt.UTC()}
	return nil
}

func (m *MockStore) BanDelete(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("BanDelete"); err != nil {
		return err
	}
	delete(m.bans, address)
	return nil
}

func (m *MockStore) BanList() (map[string]storage.BanEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("BanList"); err != nil {
		return nil, err
	}
	result := make(map[string]storage.BanEntry, len(m.bans))
	for k, v := range m.bans {
		result[k] = v
	}
	return result, nil
}

// --- RateGate ---------------------------------------------------------------

func (m *MockStore) RateGate(key string, now time.Time, window time.Duration, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("RateGate"); err != nil {
		return false, err
	}
	if max <= 0 {
		return true, nil
	}
	cutoff := now.Add(-window).UnixNano()
	kept := m.rate[key][:0]
	for _, t := range m.rate[key] {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		m.rate[key] = kept
		return false, nil
	}
	m.rate[key] = append(kept, now.UnixNano())
	return true, nil
}

// --- Janitor helpers --------------------------------------------------------

func (m *MockStore) PruneExpiredBans(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneExpiredBans"); err != nil {
		return 0, err
	}
	var n int
	for k, v := range m.bans {
		if v.Expired(now) {
			delete(m.bans, k)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) PruneExpiredRateEntries(now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneExpiredRateEntries"); err != nil {
		return 0, err
	}
	cutoff := now.Add(-window).UnixNano()
	var n int
	for k, ts := range m.rate {
		kept := ts[:0]
		for _, t := range ts {
			if t >= cutoff {
				kept = append(kept, t)
			}
		}
		n += len(ts) - len(kept)
		if len(kept) == 0 {
			delete(m.rate, k)
		} else {
			m.rate[k] = kept
		}
	}
	return n, nil
}

// --- Push subscriptions -----------------------------------------------------

func (m *MockStore) GetSubscription(calendarID string) (*storage.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetSubscription"); err != nil {
		return nil, err
	}
	s, ok := m.subs[calendarID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MockStore) SetSubscription(sub storage.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetSubscription"); err != nil {
		return err
	}
	m.subs[sub.CalendarID] = sub
	return nil
}

func (m *MockStore) DeleteSubscription(calendarID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteSubscription"); err != nil {
		return err
	}
	delete(m.subs, calendarID)
	return nil
}

func (m *MockStore) ListSubscriptions() (map[string]storage.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListSubscriptions"); err != nil {
		return nil, err
	}
	result := make(map[string]storage.Subscription, len(m.subs))
	for k, v := range m.subs {
		result[k] = v
	}
	return result, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error { return nil }

// Compile-time interface check.
var _ storage.Store = (*MockStore)(nil)

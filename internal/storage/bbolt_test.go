package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBanRecordGetDelete(t *testing.T) {
	s := newTestStore(t)

	const addr = "203.0.113.7"
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	got, err := s.BanGet(addr)
	if err != nil || got != nil {
		t.Fatalf("BanGet before record: err=%v, got=%v", err, got)
	}

	if err := s.BanRecord(addr, "honeypot", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("BanRecord: %v", err)
	}

	got, err = s.BanGet(addr)
	if err != nil || got == nil {
		t.Fatalf("BanGet after record: err=%v, got=%v", err, got)
	}
	if got.Reason != "honeypot" {
		t.Errorf("Reason: got %q", got.Reason)
	}
	if !got.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiresAt: got %v", got.ExpiresAt)
	}

	list, err := s.BanList()
	if err != nil {
		t.Fatalf("BanList: %v", err)
	}
	if _, ok := list[addr]; !ok {
		t.Fatal("BanList missing address")
	}

	if err := s.BanDelete(addr); err != nil {
		t.Fatalf("BanDelete: %v", err)
	}
	got, _ = s.BanGet(addr)
	if got != nil {
		t.Fatal("BanGet after delete should be nil")
	}
}

func TestBanEntryExpired(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"future", now.Add(time.Second), false},
		{"exactly now", now, true},
		{"past", now.Add(-time.Second), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := (BanEntry{ExpiresAt: c.expires}).Expired(now); got != c.want {
				t.Errorf("Expired = %v, want %v", got, c.want)
			}
		})
	}
}

func TestPruneExpiredBans(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if err := s.BanRecord("198.51.100.1", "spam", now.Add(-2*time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.BanRecord("198.51.100.2", "spam", now, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PruneExpiredBans(now)
	if err != nil {
		t.Fatalf("PruneExpiredBans: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
	if got, _ := s.BanGet("198.51.100.1"); got != nil {
		t.Error("expired ban should be pruned")
	}
	if got, _ := s.BanGet("198.51.100.2"); got == nil {
		t.Error("live ban should survive prune")
	}
}

func TestRateGateWithinBudget(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	window := time.Minute
	max := 3

	for i := 0; i < max; i++ {
		allowed, err := s.RateGate("submit:203.0.113.9", now, window, max)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	allowed, err := s.RateGate("submit:203.0.113.9", now, window, max)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("4th call should be denied")
	}

	// Other keys have their own budget.
	allowed, _ = s.RateGate("submit:203.0.113.10", now, window, max)
	if !allowed {
		t.Fatal("separate key should be allowed")
	}

	// Sliding past the window frees the budget.
	allowed, _ = s.RateGate("submit:203.0.113.9", now.Add(window+time.Second), window, max)
	if !allowed {
		t.Fatal("call after window should be allowed")
	}
}

func TestRateGateUnlimited(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 100; i++ {
		allowed, _ := s.RateGate("k", time.Now(), time.Minute, 0)
		if !allowed {
			t.Fatalf("unlimited gate denied at call %d", i)
		}
	}
}

func TestRateGate_Concurrent(t *testing.T) {
	s := newTestStore(t)
	const (
		maxCalls = 10
		workers  = 20
	)
	var (
		wg      sync.WaitGroup
		allowed int64
	)
	now := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.RateGate("concurrent", now, time.Minute, maxCalls)
			if err == nil && ok {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt64(&allowed); got != maxCalls {
		t.Errorf("allowed %d calls, want exactly %d", got, maxCalls)
	}
}

func TestPruneExpiredRateEntries(t *testing.T) {
	s := newTestStore(t)
	start := time.Now()
	_, _ = s.RateGate("ep", start, time.Minute, 5)
	_, _ = s.RateGate("ep", start, time.Minute, 5)

	pruned, err := s.PruneExpiredRateEntries(start.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned rate entries, got %d", pruned)
	}
}

func TestSubscriptionCRUD(t *testing.T) {
	s := newTestStore(t)
	sub := Subscription{
		CalendarID:   "primary",
		ChannelID:    "chan-1",
		ResourceID:   "res-1",
		ExpiresAt:    time.Now().Add(7 * 24 * time.Hour).UTC(),
		RegisteredAt: time.Now().UTC(),
	}
	if err := s.SetSubscription(sub); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSubscription("primary")
	if err != nil || got == nil {
		t.Fatalf("GetSubscription: err=%v, got=%v", err, got)
	}
	if got.ChannelID != "chan-1" || got.ResourceID != "res-1" {
		t.Errorf("unexpected subscription %+v", got)
	}

	_ = s.SetSubscription(Subscription{CalendarID: "team@example.com", ChannelID: "chan-2"})
	all, err := s.ListSubscriptions()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 subscriptions, got %d", len(all))
	}

	if err := s.DeleteSubscription("primary"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSubscription("primary")
	if got != nil {
		t.Error("subscription should be deleted")
	}
}

func TestConcurrentBanAccess(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	now := time.Now()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			addr := "192.0.2." + string(rune('0'+id))
			_ = s.BanRecord(addr, "spam", now, now.Add(time.Hour))
			_, _ = s.BanGet(addr)
			_ = s.BanDelete(addr)
		}(i)
	}
	wg.Wait()
}

func TestSizeBytes(t *testing.T) {
	s := newTestStore(t)
	size, err := s.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size == 0 {
		t.Error("expected non-zero db size")
	}
}

func TestFileCreated(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := os.Stat(filepath.Join(dir, DBFile)); err != nil {
		t.Errorf("db file not created: %v", err)
	}
}

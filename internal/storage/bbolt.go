package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketBans          = "bans"
	bucketRate          = "rate"
	bucketSubscriptions = "subscriptions"
)

// DBFile is the bbolt file name inside the data directory.
const DBFile = "scheduler.db"

type bboltStore struct {
	db *bolt.DB
	mu sync.Mutex // guards rate bucket read-modify-write cycles
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/scheduler.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, DBFile)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBans, bucketRate, bucketSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Ban operations --------------------------------------------------------

// BanGet returns the stored entry for address, or nil when none exists.
// Expiry is not evaluated here; callers decide what an expired entry means.
func (s *bboltStore) BanGet(address string) (*BanEntry, error) {
	var entry BanEntry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketBans)).Get([]byte(address))
		if v == nil {
			return nil
		}
		found = true
		if err := msgpack.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshal BanEntry for %s: %w", address, err)
		}
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return &entry, nil
}

func (s *bboltStore) BanRecord(address, reason string, createdAt, expiresAt time.Time) error {
	entry := BanEntry{
		Reason:    reason,
		CreatedAt: createdAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal BanEntry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBans)).Put([]byte(address), data)
	})
}

func (s *bboltStore) BanDelete(address string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBans)).Delete([]byte(address))
	})
}

func (s *bboltStore) BanList() (map[string]BanEntry, error) {
	result := make(map[string]BanEntry)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBans)).ForEach(func(k, v []byte) error {
			var entry BanEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal BanEntry for %s: %w", k, err)
			}
			result[string(k)] = entry
			return nil
		})
	})
	return result, err
}

// ---- RateGate --------------------------------------------------------------

// RateGate implements a sliding-window budget backed by bbolt.
// The rate bucket stores a []int64 of Unix nanosecond timestamps per key.
func (s *bboltStore) RateGate(key string, now time.Time, window time.Duration, max int) (bool, error) {
	if max <= 0 {
		return true, nil // unlimited
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var allowed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		k := []byte(key)
		cutoff := now.Add(-window).UnixNano()

		var timestamps []int64
		if raw := b.Get(k); raw != nil {
			if err := msgpack.Unmarshal(raw, &timestamps); err != nil {
				return fmt.Errorf("unmarshal rate timestamps: %w", err)
			}
		}

		kept := timestamps[:0]
		for _, ts := range timestamps {
			if ts >= cutoff {
				kept = append(kept, ts)
			}
		}

		allowed = len(kept) < max
		if allowed {
			kept = append(kept, now.UnixNano())
		}
		data, err := msgpack.Marshal(kept)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
	return allowed, err
}

// ---- Janitor ---------------------------------------------------------------

func (s *bboltStore) PruneExpiredBans(now time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBans))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry BanEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return nil // skip corrupt entries
			}
			if entry.Expired(now) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *bboltStore) PruneExpiredRateEntries(now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window).UnixNano()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		var empty [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var timestamps []int64
			if err := msgpack.Unmarshal(v, &timestamps); err != nil {
				return nil
			}
			filtered := timestamps[:0]
			for _, ts := range timestamps {
				if ts >= cutoff {
					filtered = append(filtered, ts)
				}
			}
			pruned += len(timestamps) - len(filtered)
			if len(filtered) == 0 {
				key := make([]byte, len(k))
				copy(key, k)
				empty = append(empty, key)
				return nil
			}
			data, err := msgpack.Marshal(filtered)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		}); err != nil {
			return err
		}
		for _, k := range empty {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return pruned, err
}

// ---- Push subscriptions ----------------------------------------------------

func (s *bboltStore) GetSubscription(calendarID string) (*Subscription, error) {
	var sub Subscription
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSubscriptions)).Get([]byte(calendarID))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &sub)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &sub, nil
}

func (s *bboltStore) SetSubscription(sub Subscription) error {
	data, err := msgpack.Marshal(sub)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSubscriptions)).Put([]byte(sub.CalendarID), data)
	})
}

func (s *bboltStore) DeleteSubscription(calendarID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSubscriptions)).Delete([]byte(calendarID))
	})
}

func (s *bboltStore) ListSubscriptions() (map[string]Subscription, error) {
	result := make(map[string]Subscription)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSubscriptions)).ForEach(func(k, v []byte) error {
			var sub Subscription
			if err := msgpack.Unmarshal(v, &sub); err != nil {
				return err
			}
			result[string(k)] = sub
			return nil
		})
	})
	return result, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

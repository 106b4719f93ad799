package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketExpiry  = []byte("expiry")
)

// BoltStore is the durable tier: a transactional bbolt database keyed by URL
// with a secondary bucket ordered by expiry, so sweeps are an index-ordered
// cursor scan with early exit.
//
// The database is opened lazily exactly once. If opening fails the store stays
// unavailable for the process lifetime and every operation degrades to a
// miss / not-stored.
type BoltStore struct {
	path   string
	logger *slog.Logger

	once sync.Once
	db   *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(path string, logger *slog.Logger) *BoltStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BoltStore{path: path, logger: logger}
}

func (s *BoltStore) open() *bbolt.DB {
	s.once.Do(func() {
		db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			s.logger.Warn("durable store unavailable", "path", s.path, "error", err)
			return
		}
		err = db.Update(func(tx *bbolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
				return err
			}
			_, err := tx.CreateBucketIfNotExists(bucketExpiry)
			return err
		})
		if err != nil {
			s.logger.Warn("durable store schema init failed", "path", s.path, "error", err)
			_ = db.Close()
			return
		}
		s.db = db
	})
	return s.db
}

func (s *BoltStore) Available() bool {
	return s.open() != nil
}

func (s *BoltStore) Get(_ context.Context, url string) *Entry {
	db := s.open()
	if db == nil {
		return nil
	}

	var entry *Entry
	err := db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(url))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		s.logger.Warn("durable store read failed", "url", url, "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}
	if entry.Expired(time.Now()) {
		s.remove(url, entry.ExpiresAt)
		return nil
	}
	return entry
}

// Has checks presence by decoding only the expiry metadata, skipping the
// payload allocation a full Get would pay.
func (s *BoltStore) Has(_ context.Context, url string) bool {
	db := s.open()
	if db == nil {
		return false
	}

	var meta struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	found := false
	err := db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(url))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		s.logger.Warn("durable store read failed", "url", url, "error", err)
		return false
	}
	if !found {
		return false
	}
	if !time.Now().Before(meta.ExpiresAt) {
		s.remove(url, meta.ExpiresAt)
		return false
	}
	return true
}

func (s *BoltStore) Put(_ context.Context, e *Entry) bool {
	db := s.open()
	if db == nil {
		return false
	}

	raw, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("durable store encode failed", "url", e.URL, "error", err)
		return false
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		expiry := tx.Bucket(bucketExpiry)

		// Drop the stale expiry index key when overwriting.
		if old := entries.Get([]byte(e.URL)); old != nil {
			var prev Entry
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := expiry.Delete(expiryKey(prev.ExpiresAt, prev.URL)); err != nil {
					return err
				}
			}
		}
		if err := entries.Put([]byte(e.URL), raw); err != nil {
			return err
		}
		return expiry.Put(expiryKey(e.ExpiresAt, e.URL), nil)
	})
	if err != nil {
		s.logger.Warn("durable store write failed", "url", e.URL, "error", err)
		return false
	}
	return true
}

func (s *BoltStore) Delete(_ context.Context, url string) {
	db := s.open()
	if db == nil {
		return
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		raw := entries.Get([]byte(url))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err == nil {
			if err := tx.Bucket(bucketExpiry).Delete(expiryKey(e.ExpiresAt, url)); err != nil {
				return err
			}
		}
		return entries.Delete([]byte(url))
	})
	if err != nil {
		s.logger.Warn("durable store delete failed", "url", url, "error", err)
	}
}

// SweepExpired walks the expiry bucket in ascending order and stops at the
// first entry that is still live.
func (s *BoltStore) SweepExpired(_ context.Context, now time.Time) {
	db := s.open()
	if db == nil {
		return
	}
	cutoff := uint64(now.UnixNano())
	err := db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := tx.Bucket(bucketExpiry).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) < 8 || binary.BigEndian.Uint64(k[:8]) > cutoff {
				break
			}
			if err := entries.Delete(k[8:]); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("durable store sweep failed", "error", err)
	}
}

func (s *BoltStore) Clear(_ context.Context) {
	db := s.open()
	if db == nil {
		return
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketExpiry} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("durable store clear failed", "error", err)
	}
}

func (s *BoltStore) Count(_ context.Context) int {
	db := s.open()
	if db == nil {
		return 0
	}
	var n int
	err := db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	if err != nil {
		s.logger.Warn("durable store count failed", "error", err)
		return 0
	}
	return n
}

// Close goes through open so it cannot race a concurrent first lazy open.
func (s *BoltStore) Close() error {
	db := s.open()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (s *BoltStore) remove(url string, expiresAt time.Time) {
	db := s.open()
	if db == nil {
		return
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Delete([]byte(url)); err != nil {
			return err
		}
		return tx.Bucket(bucketExpiry).Delete(expiryKey(expiresAt, url))
	})
	if err != nil {
		s.logger.Warn("durable store expired delete failed", "url", url, "error", err)
	}
}

// expiryKey orders the secondary index by expiry time, with the URL appended
// to keep keys unique across entries sharing a timestamp.
func expiryKey(expiresAt time.Time, url string) []byte {
	k := make([]byte, 8+len(url))
	binary.BigEndian.PutUint64(k, uint64(expiresAt.UnixNano()))
	copy(k[8:], url)
	return k
}

package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	indexFile       = "media_cache_index.json"
	namespacePrefix = "media_cache_"
)

// fallbackEntry is the persisted form of one fallback-tier record: the payload
// is base64 text so the whole index serializes as a single JSON document.
type fallbackEntry struct {
	Type        string    `json:"type"`
	Data        string    `json:"data"`
	ContentType string    `json:"content_type,omitempty"`
	CachedAt    time.Time `json:"cachedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type fallbackIndex map[string]fallbackEntry

// FallbackStore is the tier of last resort: a synchronous, quota-limited store
// holding small payloads base64-encoded inside one JSON index file. Every
// mutation is a full read-modify-write of the index under the mutex, so
// interleaved writes for different URLs serialize correctly.
//
// The whole-index rewrite is deliberately bounded: payloads at or over the
// per-entry ceiling are refused, and a write that would push the serialized
// index past the quota triggers a sweep and reports not-stored.
type FallbackStore struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	ceiling  int64
	logger   *slog.Logger
}

var _ Store = (*FallbackStore)(nil)

func NewFallbackStore(dir string, maxBytes, ceiling int64, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("fallback store dir create failed", "dir", dir, "error", err)
	}
	return &FallbackStore{dir: dir, maxBytes: maxBytes, ceiling: ceiling, logger: logger}
}

func (s *FallbackStore) Available() bool { return true }

func (s *FallbackStore) Get(_ context.Context, url string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	fe, ok := idx[url]
	if !ok {
		return nil
	}
	if !time.Now().Before(fe.ExpiresAt) {
		delete(idx, url)
		s.persist(idx)
		return nil
	}
	payload, err := base64.StdEncoding.DecodeString(fe.Data)
	if err != nil {
		s.logger.Warn("fallback store entry corrupt", "url", url, "error", err)
		delete(idx, url)
		s.persist(idx)
		return nil
	}
	return &Entry{
		URL:         url,
		Payload:     payload,
		ContentType: fe.ContentType,
		CachedAt:    fe.CachedAt,
		ExpiresAt:   fe.ExpiresAt,
	}
}

// Has checks presence and expiry without decoding the base64 payload.
func (s *FallbackStore) Has(_ context.Context, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	fe, ok := idx[url]
	if !ok {
		return false
	}
	if !time.Now().Before(fe.ExpiresAt) {
		delete(idx, url)
		s.persist(idx)
		return false
	}
	return true
}

func (s *FallbackStore) Put(_ context.Context, e *Entry) bool {
	// The ceiling compares the raw payload size; the stored base64 string is
	// about a third larger. The quota check below bounds the total anyway.
	if int64(len(e.Payload)) >= s.ceiling {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	idx[e.URL] = fallbackEntry{
		Type:        "base64",
		Data:        base64.StdEncoding.EncodeToString(e.Payload),
		ContentType: e.ContentType,
		CachedAt:    e.CachedAt,
		ExpiresAt:   e.ExpiresAt,
	}
	raw, err := json.Marshal(idx)
	if err != nil {
		s.logger.Warn("fallback store encode failed", "url", e.URL, "error", err)
		return false
	}
	if int64(len(raw)) > s.maxBytes {
		s.logger.Warn("fallback store quota exceeded, sweeping", "url", e.URL, "index_bytes", len(raw), "quota", s.maxBytes)
		delete(idx, e.URL)
		s.sweepLocked(idx, time.Now())
		return false
	}
	if err := os.WriteFile(s.indexPath(), raw, 0o600); err != nil {
		s.logger.Warn("fallback store write failed", "url", e.URL, "error", err)
		return false
	}
	return true
}

func (s *FallbackStore) Delete(_ context.Context, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.load()
	if _, ok := idx[url]; !ok {
		return
	}
	delete(idx, url)
	s.persist(idx)
}

func (s *FallbackStore) SweepExpired(_ context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.load(), now)
}

// Clear removes the index and anything else written under the namespace prefix.
func (s *FallbackStore) Clear(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.indexPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("fallback store clear failed", "error", err)
	}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if strings.HasPrefix(f.Name(), namespacePrefix) {
			if err := os.Remove(filepath.Join(s.dir, f.Name())); err != nil {
				s.logger.Warn("fallback store clear failed", "file", f.Name(), "error", err)
			}
		}
	}
}

func (s *FallbackStore) Count(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.load())
}

func (s *FallbackStore) Close() error { return nil }

func (s *FallbackStore) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

func (s *FallbackStore) load() fallbackIndex {
	idx := make(fallbackIndex)
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("fallback store read failed", "error", err)
		}
		return idx
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		s.logger.Warn("fallback store index corrupt, starting empty", "error", err)
		return make(fallbackIndex)
	}
	return idx
}

func (s *FallbackStore) persist(idx fallbackIndex) {
	raw, err := json.Marshal(idx)
	if err != nil {
		s.logger.Warn("fallback store encode failed", "error", err)
		return
	}
	if err := os.WriteFile(s.indexPath(), raw, 0o600); err != nil {
		s.logger.Warn("fallback store write failed", "error", err)
	}
}

func (s *FallbackStore) sweepLocked(idx fallbackIndex, now time.Time) {
	changed := false
	for url, fe := range idx {
		if !now.Before(fe.ExpiresAt) {
			delete(idx, url)
			changed = true
		}
	}
	if changed {
		s.persist(idx)
	}
}

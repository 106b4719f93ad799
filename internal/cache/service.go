// Package cache is the media cache facade: it coordinates the durable and
// fallback storage tiers, deduplicates in-flight origin fetches, and degrades
// to the original remote URL whenever fetching or storing fails. UI-facing
// consumers (the HTTP handlers) go through this package only; neither tier is
// reached directly.
package cache

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/singleflight"

	"github.com/storefront-labs/mediacache/internal/fetch"
	"github.com/storefront-labs/mediacache/internal/store"
)

var (
	durableHits   = metrics.GetOrCreateCounter(`media_cache_hits_total{tier="durable"}`)
	fallbackHits  = metrics.GetOrCreateCounter(`media_cache_hits_total{tier="fallback"}`)
	misses        = metrics.GetOrCreateCounter(`media_cache_misses_total`)
	fetchFailures = metrics.GetOrCreateCounter(`media_cache_fetch_failures_total`)
	writeFailures = metrics.GetOrCreateCounter(`media_cache_store_write_failures_total`)
)

// Options controls a single GetCachedMedia call.
type Options struct {
	// UseFallback permits writing to the fallback tier when the durable tier
	// refuses the payload.
	UseFallback bool
}

func DefaultOptions() Options {
	return Options{UseFallback: true}
}

// Stats is the read-only introspection surface.
type Stats struct {
	DurableCount       int     `json:"durable_count"`
	FallbackCount      int     `json:"fallback_count"`
	CacheDurationHours float64 `json:"cache_duration_hours"`
	StoreWriteFailures uint64  `json:"store_write_failures"`
}

// Config carries the facade's tuning knobs.
type Config struct {
	// TTL is the lifetime of a cached entry.
	TTL time.Duration
	// CleanupInterval is the background sweep period; zero disables the
	// sweeper goroutine.
	CleanupInterval time.Duration
	// FallbackCeiling is the largest payload the fallback tier will take.
	FallbackCeiling int64
}

// Service owns the two tiers and the in-flight fetch map. One instance per
// process; Start begins the background sweeper and Close releases everything.
type Service struct {
	cfg      Config
	durable  store.Store
	fallback store.Store
	fetcher  *fetch.Fetcher
	logger   *slog.Logger

	group         singleflight.Group
	storeFailures atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config, durable, fallback store.Store, fetcher *fetch.Fetcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		durable:  durable,
		fallback: fallback,
		fetcher:  fetcher,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs an immediate expiry sweep and, when configured, the periodic
// sweeper for the lifetime of the service.
func (s *Service) Start() {
	s.CleanupExpired(context.Background())
	if s.cfg.CleanupInterval > 0 {
		go s.sweepLoop()
	}
}

func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if cerr := s.fallback.Close(); cerr != nil {
			err = cerr
		}
		if cerr := s.durable.Close(); cerr != nil {
			err = cerr
		}
	})
	return err
}

// GetCachedMedia resolves rawURL to a locally-served URL, fetching and storing
// the payload on a miss. Non-cacheable input is returned unchanged, and every
// failure degrades to the original URL; the caller never sees an error.
func (s *Service) GetCachedMedia(ctx context.Context, rawURL string, opts Options) string {
	if !cacheableURL(rawURL) {
		return rawURL
	}
	if e := s.durable.Get(ctx, rawURL); e != nil {
		durableHits.Inc()
		return localURL(rawURL)
	}
	if e := s.fallback.Get(ctx, rawURL); e != nil {
		fallbackHits.Inc()
		return localURL(rawURL)
	}
	misses.Inc()

	if _, err := s.fetchAndCache(ctx, rawURL, opts.UseFallback); err != nil {
		fetchFailures.Inc()
		s.logger.Warn("media fetch failed, serving origin URL", "url", rawURL, "error", err)
		return rawURL
	}

	// Re-resolve from whichever tier accepted the write so the handle always
	// points at a stored copy; if neither did, the origin URL still works.
	if s.durable.Has(ctx, rawURL) || s.fallback.Has(ctx, rawURL) {
		return localURL(rawURL)
	}
	return rawURL
}

// PreloadMedia warms the cache for every URL concurrently. Individual failures
// resolve to the origin URL internally and never fail the batch.
func (s *Service) PreloadMedia(ctx context.Context, urls []string) {
	var wg sync.WaitGroup
	for _, u := range urls {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.GetCachedMedia(ctx, u, DefaultOptions())
		}()
	}
	wg.Wait()
}

// IsCached reports whether an unexpired entry exists in either tier. It never
// triggers a fetch.
func (s *Service) IsCached(ctx context.Context, rawURL string) bool {
	if !cacheableURL(rawURL) {
		return false
	}
	return s.durable.Has(ctx, rawURL) || s.fallback.Has(ctx, rawURL)
}

// CleanupExpired sweeps expired entries from both tiers.
func (s *Service) CleanupExpired(ctx context.Context) {
	now := time.Now()
	s.durable.SweepExpired(ctx, now)
	s.fallback.SweepExpired(ctx, now)
}

// ClearCache empties both tiers regardless of expiry.
func (s *Service) ClearCache(ctx context.Context) {
	s.durable.Clear(ctx)
	s.fallback.Clear(ctx)
}

func (s *Service) GetCacheStats(ctx context.Context) Stats {
	return Stats{
		DurableCount:       s.durable.Count(ctx),
		FallbackCount:      s.fallback.Count(ctx),
		CacheDurationHours: s.cfg.TTL.Hours(),
		StoreWriteFailures: s.storeFailures.Load(),
	}
}

// Open materializes the bytes for rawURL, fetching through the dedup path on a
// miss. The second return is false only when the payload could not be obtained
// at all.
func (s *Service) Open(ctx context.Context, rawURL string) (*store.Entry, bool) {
	if !cacheableURL(rawURL) {
		return nil, false
	}
	if e := s.durable.Get(ctx, rawURL); e != nil {
		durableHits.Inc()
		return e, true
	}
	if e := s.fallback.Get(ctx, rawURL); e != nil {
		fallbackHits.Inc()
		return e, true
	}
	misses.Inc()

	f, err := s.fetchAndCache(ctx, rawURL, true)
	if err != nil {
		fetchFailures.Inc()
		s.logger.Warn("media fetch failed", "url", rawURL, "error", err)
		return nil, false
	}
	// Serve the freshly fetched bytes even when both tiers refused the write.
	return &store.Entry{URL: rawURL, Payload: f.payload, ContentType: f.contentType}, true
}

type fetched struct {
	payload     []byte
	contentType string
}

// fetchAndCache is the single entry point for origin fetches. The singleflight
// group guarantees at most one in-flight fetch per URL; concurrent callers
// share the result or the failure, and the slot is released once settled.
func (s *Service) fetchAndCache(ctx context.Context, rawURL string, useFallback bool) (*fetched, error) {
	v, err, _ := s.group.Do(rawURL, func() (any, error) {
		payload, contentType, err := s.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		entry := &store.Entry{
			URL:         rawURL,
			Payload:     payload,
			ContentType: contentType,
			CachedAt:    now,
			ExpiresAt:   now.Add(s.cfg.TTL),
		}
		if !s.durable.Put(ctx, entry) {
			if s.durable.Available() {
				s.noteWriteFailure(rawURL, "durable")
			}
			if useFallback && int64(len(payload)) < s.cfg.FallbackCeiling {
				if !s.fallback.Put(ctx, entry) {
					s.noteWriteFailure(rawURL, "fallback")
				}
			}
		}
		return &fetched{payload: payload, contentType: contentType}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*fetched), nil
}

func (s *Service) noteWriteFailure(rawURL, tier string) {
	s.storeFailures.Add(1)
	writeFailures.Inc()
	s.logger.Warn("cache store write failed", "url", rawURL, "tier", tier)
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.CleanupExpired(context.Background())
		}
	}
}

// cacheableURL accepts absolute HTTP(S) URLs only; anything else (empty
// strings, relative paths, data: URLs) is already resolvable as-is.
func cacheableURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

func localURL(raw string) string {
	return "/media?src=" + url.QueryEscape(raw)
}

package cache

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/storefront-labs/mediacache/internal/config"
	"github.com/storefront-labs/mediacache/internal/fetch"
	"github.com/storefront-labs/mediacache/internal/store"
)

const testCeiling = 1024 * 1024

type testOrigin struct {
	srv     *httptest.Server
	fetches atomic.Int64
	payload []byte
	status  int
}

func newTestOrigin(t *testing.T, payload []byte, delay time.Duration) *testOrigin {
	t.Helper()
	o := &testOrigin{payload: payload, status: http.StatusOK}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.fetches.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		if o.status != http.StatusOK {
			w.WriteHeader(o.status)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(o.payload)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func newTestService(t *testing.T, ttl time.Duration, durableUp bool) *Service {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	if !durableUp {
		// Unreachable parent directory keeps the durable engine from opening.
		dbPath = filepath.Join(t.TempDir(), "missing", "nested", "cache.db")
	}
	durable := store.NewBoltStore(dbPath, slog.Default())
	fallback := store.NewFallbackStore(t.TempDir(), 5*1024*1024, testCeiling, slog.Default())
	fetcher := fetch.NewFetcher(&config.FetchConfig{Timeout: 5 * time.Second}, slog.Default())

	svc := New(Config{TTL: ttl, FallbackCeiling: testCeiling}, durable, fallback, fetcher, slog.Default())
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestGetCachedMediaPassthrough(t *testing.T) {
	origin := newTestOrigin(t, []byte("x"), 0)
	svc := newTestService(t, time.Hour, true)
	ctx := context.Background()

	for _, raw := range []string{
		"",
		"/relative/path.png",
		"data:image/png;base64,iVBORw0KGgo=",
		"file:///etc/passwd",
	} {
		require.Equal(t, raw, svc.GetCachedMedia(ctx, raw, DefaultOptions()))
	}
	require.EqualValues(t, 0, origin.fetches.Load(), "non-cacheable input must not hit the network")
}

func TestGetCachedMediaDedup(t *testing.T) {
	origin := newTestOrigin(t, []byte("shared payload"), 100*time.Millisecond)
	svc := newTestService(t, time.Hour, true)
	ctx := context.Background()
	src := origin.srv.URL + "/banner.png"

	const callers = 10
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.GetCachedMedia(ctx, src, DefaultOptions())
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, origin.fetches.Load(), "concurrent callers must share one fetch")
	want := "/media?src=" + url.QueryEscape(src)
	for _, got := range results {
		require.Equal(t, want, got)
	}
}

func TestDedupSlotReleasedAfterSettle(t *testing.T) {
	origin := newTestOrigin(t, []byte("payload"), 0)
	origin.status = http.StatusInternalServerError
	svc := newTestService(t, time.Hour, true)
	ctx := context.Background()
	src := origin.srv.URL + "/flaky.png"

	require.Equal(t, src, svc.GetCachedMedia(ctx, src, DefaultOptions()))
	require.EqualValues(t, 1, origin.fetches.Load())

	// A new call after the failed flight settles must fetch again, not reuse
	// the dead result.
	origin.status = http.StatusOK
	want := "/media?src=" + url.QueryEscape(src)
	require.Equal(t, want, svc.GetCachedMedia(ctx, src, DefaultOptions()))
	require.EqualValues(t, 2, origin.fetches.Load())
}

func TestScenarioExpiryRefetch(t *testing.T) {
	// The TTL leaves generous headroom over the cost of storing and re-reading
	// a 500 KiB entry, including with the race detector on.
	origin := newTestOrigin(t, bytes.Repeat([]byte{0xAA}, 500*1024), 0)
	svc := newTestService(t, 750*time.Millisecond, true)
	ctx := context.Background()
	src := origin.srv.URL + "/hero.png"
	want := "/media?src=" + url.QueryEscape(src)

	require.Equal(t, want, svc.GetCachedMedia(ctx, src, DefaultOptions()))
	require.EqualValues(t, 1, origin.fetches.Load())

	// Within the TTL: served from the durable tier, no second fetch.
	require.Equal(t, want, svc.GetCachedMedia(ctx, src, DefaultOptions()))
	require.EqualValues(t, 1, origin.fetches.Load())
	require.True(t, svc.IsCached(ctx, src))

	time.Sleep(time.Second)

	// Past the TTL: the entry is invalid, a new fetch overwrites it.
	require.Equal(t, want, svc.GetCachedMedia(ctx, src, DefaultOptions()))
	require.EqualValues(t, 2, origin.fetches.Load())
	require.Equal(t, 1, svc.GetCacheStats(ctx).DurableCount)
}

func TestScenarioDurableUnavailableFallback(t *testing.T) {
	origin := newTestOrigin(t, bytes.Repeat([]byte{0xBB}, 10*1024), 0)
	svc := newTestService(t, time.Hour, false)
	ctx := context.Background()
	src := origin.srv.URL + "/thumb.png"

	got := svc.GetCachedMedia(ctx, src, DefaultOptions())
	require.Equal(t, "/media?src="+url.QueryEscape(src), got)
	require.True(t, svc.IsCached(ctx, src), "payload must land in the fallback tier")

	stats := svc.GetCacheStats(ctx)
	require.Equal(t, 0, stats.DurableCount)
	require.Equal(t, 1, stats.FallbackCount)

	svc.ClearCache(ctx)
	require.False(t, svc.IsCached(ctx, src))
}

func TestScenarioOversizedPayloadStoredNowhere(t *testing.T) {
	origin := newTestOrigin(t, bytes.Repeat([]byte{0xCC}, 2*1024*1024), 0)
	svc := newTestService(t, time.Hour, false)
	ctx := context.Background()
	src := origin.srv.URL + "/video.mp4"

	// Over the fallback ceiling with no durable tier: the fetch succeeds but
	// nothing is stored, and the caller still gets a usable URL.
	require.Equal(t, src, svc.GetCachedMedia(ctx, src, DefaultOptions()))
	require.EqualValues(t, 1, origin.fetches.Load())
	require.False(t, svc.IsCached(ctx, src))
}

func TestGetCachedMediaFetchFailureDegrades(t *testing.T) {
	origin := newTestOrigin(t, nil, 0)
	origin.status = http.StatusBadGateway
	svc := newTestService(t, time.Hour, true)
	ctx := context.Background()
	src := origin.srv.URL + "/broken.png"

	require.Equal(t, src, svc.GetCachedMedia(ctx, src, DefaultOptions()))
	require.False(t, svc.IsCached(ctx, src))
}

func TestGetCachedMediaNoFallbackOption(t *testing.T) {
	origin := newTestOrigin(t, []byte("small"), 0)
	svc := newTestService(t, time.Hour, false)
	ctx := context.Background()
	src := origin.srv.URL + "/opt.png"

	got := svc.GetCachedMedia(ctx, src, Options{UseFallback: false})
	require.Equal(t, src, got, "with the fallback disabled and no durable tier, nothing is stored")
	require.False(t, svc.IsCached(ctx, src))
}

func TestPreloadMedia(t *testing.T) {
	origin := newTestOrigin(t, []byte("preload me"), 0)
	svc := newTestService(t, time.Hour, true)
	ctx := context.Background()

	good1 := origin.srv.URL + "/one.png"
	good2 := origin.srv.URL + "/two.png"
	svc.PreloadMedia(ctx, []string{good1, good2, "", "/relative.png", "http://127.0.0.1:1/dead.png"})

	require.True(t, svc.IsCached(ctx, good1))
	require.True(t, svc.IsCached(ctx, good2))
	require.Equal(t, 2, svc.GetCacheStats(ctx).DurableCount)
}

func TestCleanupExpiredIdempotent(t *testing.T) {
	origin := newTestOrigin(t, []byte("soon gone"), 0)
	svc := newTestService(t, 300*time.Millisecond, true)
	ctx := context.Background()

	svc.GetCachedMedia(ctx, origin.srv.URL+"/ephemeral.png", DefaultOptions())
	require.Equal(t, 1, svc.GetCacheStats(ctx).DurableCount)

	time.Sleep(500 * time.Millisecond)
	svc.CleanupExpired(ctx)
	first := svc.GetCacheStats(ctx)
	require.Equal(t, 0, first.DurableCount)
	require.Equal(t, 0, first.FallbackCount)

	svc.CleanupExpired(ctx)
	require.Equal(t, first, svc.GetCacheStats(ctx))
}

func TestOpenServesFreshBytesWhenNothingStores(t *testing.T) {
	payload := bytes.Repeat([]byte{0xDD}, 2*1024*1024)
	origin := newTestOrigin(t, payload, 0)
	svc := newTestService(t, time.Hour, false)
	ctx := context.Background()
	src := origin.srv.URL + "/big.mp4"

	entry, ok := svc.Open(ctx, src)
	require.True(t, ok, "storage refusal must not lose the fetched payload")
	require.Equal(t, payload, entry.Payload)
	require.Equal(t, "image/png", entry.ContentType)
}

func TestOpenMissingAndNonCacheable(t *testing.T) {
	svc := newTestService(t, time.Hour, true)
	ctx := context.Background()

	_, ok := svc.Open(ctx, "/relative.png")
	require.False(t, ok)

	_, ok = svc.Open(ctx, "http://127.0.0.1:1/unreachable.png")
	require.False(t, ok)
}

func TestIsCachedDoesNotFetch(t *testing.T) {
	origin := newTestOrigin(t, []byte("x"), 0)
	svc := newTestService(t, time.Hour, true)
	ctx := context.Background()
	src := origin.srv.URL + "/lazy.png"

	require.False(t, svc.IsCached(ctx, src))
	require.EqualValues(t, 0, origin.fetches.Load())

	svc.GetCachedMedia(ctx, src, DefaultOptions())
	require.True(t, svc.IsCached(ctx, src))
	require.EqualValues(t, 1, origin.fetches.Load())
}

func TestGetCacheStatsDuration(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, true)
	stats := svc.GetCacheStats(context.Background())
	require.Equal(t, 12.0, stats.CacheDurationHours)
}

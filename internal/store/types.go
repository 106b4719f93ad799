package store

import (
	"context"
	"time"
)

// Entry represents a cached media payload with its expiry metadata.
type Entry struct {
	URL         string    `json:"url"`
	Payload     []byte    `json:"payload"`
	ContentType string    `json:"content_type,omitempty"`
	CachedAt    time.Time `json:"cached_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry must no longer be served.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the capability contract both cache tiers implement. Engine errors
// never cross this boundary: Get reports a miss, Put reports not-stored, and
// the housekeeping operations are best-effort.
type Store interface {
	// Get returns the unexpired entry for url, or nil. An expired entry is
	// removed as a side effect of the read.
	Get(ctx context.Context, url string) *Entry

	// Has reports whether an unexpired entry exists for url without
	// materializing the payload. An expired entry is removed as a side
	// effect, like Get.
	Has(ctx context.Context, url string) bool

	// Put upserts the entry and reports whether the store accepted the write.
	Put(ctx context.Context, e *Entry) bool

	// Delete removes the entry for url, best-effort.
	Delete(ctx context.Context, url string)

	// SweepExpired removes every entry whose expiry is at or before now.
	SweepExpired(ctx context.Context, now time.Time)

	// Clear removes all entries unconditionally.
	Clear(ctx context.Context)

	// Count returns the total number of entries.
	Count(ctx context.Context) int

	// Available reports whether the underlying engine could be opened.
	Available() bool

	Close() error
}

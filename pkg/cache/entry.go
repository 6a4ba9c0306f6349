package cache

import (
	"time"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// Entry is a cached message detail.
type Entry struct {
	Detail mailapi.MessageDetail `json:"detail"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when the entry was written.
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry wraps d with an expiry ttl from now.
func NewEntry(d mailapi.MessageDetail, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Detail:   d,
		Expires:  now.Add(ttl),
		CachedAt: now,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

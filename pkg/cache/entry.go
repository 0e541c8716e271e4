package cache

import (
	"net/http"
	"time"
)

// CacheEntry is one stored OData response, kept in Redis as JSON.
type CacheEntry struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Data       []byte      `json:"data"`

	// Validators for If-None-Match / If-Modified-Since.
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`

	Expires  time.Time `json:"expires"`
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired reports whether the entry is past its freshness lifetime.
func (e *CacheEntry) IsExpired() bool {
	return e.remaining(time.Now()) == 0
}

// TTL is the remaining freshness lifetime, zero once expired.
func (e *CacheEntry) TTL() time.Duration {
	return e.remaining(time.Now())
}

func (e *CacheEntry) remaining(now time.Time) time.Duration {
	if !now.Before(e.Expires) {
		return 0
	}
	return e.Expires.Sub(now)
}

// Revalidatable reports whether the service can confirm a stale copy with a
// conditional request instead of resending the body.
func (e *CacheEntry) Revalidatable() bool {
	return e.ETag != "" || !e.LastModified.IsZero()
}

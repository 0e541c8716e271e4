// Package ratelimit tracks server throttling of OData services and gates
// requests. It reads 429 Too Many Requests and 503 Service Unavailable
// responses with a Retry-After header and keeps the announced retry time per
// service host in Redis, so every client instance backs off together.
package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RedisKeyPrefix prefixes the per-host throttle state keys.
const RedisKeyPrefix = "odata:throttle:"

const (
	// DefaultRetryAfter applies to a 429 response without a usable Retry-After header.
	DefaultRetryAfter = time.Second

	// MaxRetryAfter caps the announced delay. Longer values are treated as this.
	MaxRetryAfter = 10 * time.Minute

	// DefaultMaxWait is how long a request may sleep for an active throttle
	// before it is rejected instead.
	DefaultMaxWait = 2 * time.Second
)

// ErrThrottled is returned when a request is rejected because the service
// asked clients to back off.
var ErrThrottled = errors.New("service throttled")

// ThrottledError reports how long the caller should wait.
type ThrottledError struct {
	Host       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%v: %s asks to retry in %s", ErrThrottled, e.Host, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ThrottledError) Unwrap() error {
	return ErrThrottled
}

// ThrottleState is the throttle state of one service host.
// It is shared across all client instances via Redis.
type ThrottleState struct {
	Host string `json:"host"`

	// RetryAt is the earliest time requests may resume.
	RetryAt time.Time `json:"retry_at"`

	// StatusCode is the status of the response that set the state (429 or 503).
	StatusCode int `json:"status_code"`

	// Hits counts throttled responses seen while the state was active.
	Hits int `json:"hits"`

	LastUpdate time.Time `json:"last_update"`
}

// IsThrottled reports whether requests must still wait.
func (s *ThrottleState) IsThrottled() bool {
	return time.Now().Before(s.RetryAt)
}

// TimeUntilRetry returns the remaining wait, or 0 once RetryAt has passed.
func (s *ThrottleState) TimeUntilRetry() time.Duration {
	d := time.Until(s.RetryAt)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state is older than maxAge.
func (s *ThrottleState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// ParseRetryAfter reads the Retry-After header as delay-seconds or an
// HTTP-date relative to now. ok is false when the header is absent. The
// result is clamped to [0, MaxRetryAfter].
func ParseRetryAfter(headers http.Header, now time.Time) (d time.Duration, ok bool, err error) {
	v := strings.TrimSpace(headers.Get("Retry-After"))
	if v == "" {
		return 0, false, nil
	}

	if secs, convErr := strconv.Atoi(v); convErr == nil {
		d = time.Duration(secs) * time.Second
	} else if at, timeErr := http.ParseTime(v); timeErr == nil {
		d = at.Sub(now)
	} else {
		return 0, false, fmt.Errorf("parse Retry-After header %q: not seconds or HTTP-date", v)
	}

	if d < 0 {
		d = 0
	}
	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	return d, true, nil
}

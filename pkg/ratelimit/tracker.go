package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle tracking.
var (
	throttleResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_throttle_responses_total",
		Help: "Total throttling responses received by status",
	}, []string{"status"})

	throttleBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odata_throttle_blocks_total",
		Help: "Total requests rejected because the service is throttling",
	})

	throttleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odata_throttle_waits_total",
		Help: "Total requests delayed until a short throttle window passed",
	})
)

// Tracker records throttle state per host and gates requests.
type Tracker struct {
	redis   *redis.Client
	logger  zerolog.Logger
	maxWait time.Duration
}

// NewTracker creates a new throttle tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:   redisClient,
		logger:  logger,
		maxWait: DefaultMaxWait,
	}
}

// WithMaxWait sets how long ShouldAllowRequest may sleep before rejecting.
func (t *Tracker) WithMaxWait(d time.Duration) *Tracker {
	t.maxWait = d
	return t
}

func redisKey(host string) string {
	return RedisKeyPrefix + host
}

// GetState retrieves the throttle state of host from Redis.
// Returns an unthrottled state if no data exists.
func (t *Tracker) GetState(ctx context.Context, host string) (*ThrottleState, error) {
	if t.redis == nil {
		return nil, fmt.Errorf("throttle tracker has no redis client")
	}

	data, err := t.redis.Get(ctx, redisKey(host)).Bytes()
	if err == redis.Nil {
		return &ThrottleState{Host: host}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get throttle state: %w", err)
	}

	var state ThrottleState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse throttle state: %w", err)
	}
	return &state, nil
}

// UpdateFromResponse records a throttling response. Only 429, and 503 with
// a Retry-After header, change the state; other statuses are ignored.
func (t *Tracker) UpdateFromResponse(ctx context.Context, host string, status int, headers http.Header) error {
	if status != http.StatusTooManyRequests && status != http.StatusServiceUnavailable {
		return nil
	}

	now := time.Now()
	wait, ok, err := ParseRetryAfter(headers, now)
	if err != nil {
		t.logger.Warn().Err(err).Str("host", host).Msg("Ignoring invalid Retry-After header")
		ok = false
	}
	if !ok {
		if status == http.StatusServiceUnavailable {
			// A plain outage, not a throttle.
			return nil
		}
		wait = DefaultRetryAfter
	}

	throttleResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()

	state, err := t.GetState(ctx, host)
	if err != nil {
		return err
	}
	if !state.IsThrottled() {
		state.Hits = 0
	}
	state.Host = host
	state.StatusCode = status
	state.Hits++
	state.LastUpdate = now
	if at := now.Add(wait); at.After(state.RetryAt) {
		state.RetryAt = at
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal throttle state: %w", err)
	}
	ttl := time.Until(state.RetryAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := t.redis.Set(ctx, redisKey(host), data, ttl).Err(); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}

	t.logger.Warn().
		Str("host", host).
		Int("status", status).
		Int("hits", state.Hits).
		Time("retry_at", state.RetryAt).
		Msg("Service throttling - backing off")

	return nil
}

// ShouldAllowRequest checks the throttle state of host. A throttle window
// shorter than the max wait is slept through; a longer one rejects the
// request and returns the remaining wait.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, host string) (bool, time.Duration, error) {
	state, err := t.GetState(ctx, host)
	if err != nil {
		return false, 0, fmt.Errorf("get throttle state: %w", err)
	}
	if !state.IsThrottled() {
		return true, 0, nil
	}

	wait := state.TimeUntilRetry()
	if wait > t.maxWait {
		t.logger.Warn().
			Str("host", host).
			Dur("retry_after", wait).
			Msg("Service throttled - blocking request")
		throttleBlocksTotal.Inc()
		return false, wait, nil
	}

	t.logger.Debug().Str("host", host).Dur("wait", wait).Msg("Service throttled - delaying request")
	throttleWaitsTotal.Inc()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, wait, ctx.Err()
	case <-timer.C:
	}
	return true, 0, nil
}

// Clear drops the throttle state of host.
func (t *Tracker) Clear(ctx context.Context, host string) error {
	if t.redis == nil {
		return nil
	}
	if err := t.redis.Del(ctx, redisKey(host)).Err(); err != nil {
		return fmt.Errorf("clear throttle state: %w", err)
	}
	return nil
}

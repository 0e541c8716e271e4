// Package client provides the OData HTTP client: single resource requests
// with response caching, server throttle tracking and opt-in retry, plus the
// transport for $batch coordinators.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/Sternrassler/odata-client/pkg/batch"
	"github.com/Sternrassler/odata-client/pkg/cache"
	"github.com/Sternrassler/odata-client/pkg/query"
	"github.com/Sternrassler/odata-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_requests_total",
		Help: "Total OData requests by entity set and status",
	}, []string{"resource", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odata_request_duration_seconds",
		Help:    "OData request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_errors_total",
		Help: "Total OData request errors by class",
	}, []string{"class"})
)

// Client is an OData service client.
type Client struct {
	httpClient *http.Client
	root       *url.URL
	redis      *redis.Client
	ownsRedis  bool
	throttle   *ratelimit.Tracker
	cache      *cache.Manager
	version    *versionChecker
	config     Config
	logger     zerolog.Logger
}

// New creates a new OData client. Without Redis the client runs uncached and
// without throttle tracking.
func New(cfg Config) (*Client, error) {
	root, version, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	cfg.Header = cfg.Header.Clone()
	cfg.Batch.Header = cfg.Batch.Header.Clone()

	logger := log.With().Str("component", "odata-client").Logger()

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		root:       root,
		config:     cfg,
		logger:     logger,
		version:    newVersionChecker(version, logger),
	}

	c.redis = cfg.Redis
	if c.redis == nil && cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c.redis = redis.NewClient(opts)
		c.ownsRedis = true
	}

	if c.redis != nil {
		c.throttle = ratelimit.NewTracker(c.redis, logger)
		if cfg.MaxThrottleWait > 0 {
			c.throttle.WithMaxWait(cfg.MaxThrottleWait)
		}
		if cfg.CacheEnabled {
			c.cache = cache.NewManager(c.redis)
		}
	}

	return c, nil
}

// RootURL returns the normalized service root.
func (c *Client) RootURL() string {
	return c.root.String()
}

// Config returns a copy of the client configuration.
func (c *Client) Config() Config {
	cfg := c.config
	cfg.Header = c.config.Header.Clone()
	cfg.Batch.Header = c.config.Batch.Header.Clone()
	return cfg
}

// ResolveURL resolves resource against the service root. Absolute URLs are
// returned unchanged; a leading slash is ignored, so "/Products" and
// "Products" name the same resource.
func (c *Client) ResolveURL(resource string) string {
	if u, err := url.Parse(resource); err == nil && u.IsAbs() {
		return resource
	}
	return c.root.String() + strings.TrimLeft(resource, "/")
}

// Do performs an HTTP request with throttle gating, caching and error
// handling. This is the core request method; every other call ends here.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	resource := entitySet(c.root, req.URL)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check server throttle
	if c.throttle != nil {
		allowed, wait, err := c.throttle.ShouldAllowRequest(ctx, req.URL.Host)
		if err != nil {
			c.logger.Error().Err(err).Msg("Throttle check failed")
			return nil, fmt.Errorf("throttle check: %w", err)
		}
		if !allowed {
			requestsTotal.WithLabelValues(resource, "throttled").Inc()
			return nil, &ratelimit.ThrottledError{Host: req.URL.Host, RetryAfter: wait}
		}
	}

	// Step 2: Check cache
	var cacheKey cache.CacheKey
	var cached *cache.CacheEntry
	useCache := c.cache != nil && req.Method == http.MethodGet
	if useCache {
		cacheKey = cache.KeyFromURL(c.root, req.URL)
		entry, err := c.cache.Lookup(ctx, cacheKey)
		switch {
		case err == nil && !entry.IsExpired():
			cache.CacheHits.WithLabelValues("fresh").Inc()
			requestsTotal.WithLabelValues(resource, "cache_hit").Inc()
			c.logger.Debug().Str("key", cacheKey.String()).Msg("Serving from cache")
			return cache.EntryToResponse(entry, req), nil
		case err == nil && cache.ShouldMakeConditionalRequest(entry):
			cached = entry
			cache.AddConditionalHeaders(req, entry)
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("key", cacheKey.String()).
				Str("etag", entry.ETag).
				Msg("Making conditional request")
		case err != nil && !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("resource", resource).Msg("Cache lookup error")
		}
	}

	// Step 3: Default headers
	c.applyHeaders(req)

	// Step 4: Execute, with retry when configured
	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("Executing OData request")

	resp, err := c.execute(req, resource)
	if err != nil {
		return nil, err
	}

	// Step 5: 304 Not Modified answers a conditional request
	if resp.StatusCode == http.StatusNotModified && cached != nil {
		cache.NotModifiedResponses.Inc()
		cache.CacheHits.WithLabelValues("revalidated").Inc()
		resp.Body.Close()

		expires := cache.FreshUntil(resp.Header)
		if err := c.cache.UpdateTTL(ctx, cacheKey, expires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}
		cached.Expires = expires
		return cache.EntryToResponse(cached, req), nil
	}

	// Step 6: Store cacheable reads
	if useCache && cache.Cacheable(resp) {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}

	// Step 7: Successful writes invalidate cached reads of the resource.
	// System resources such as $batch are skipped.
	if c.cache != nil && !isRead(req.Method) && resp.StatusCode < 300 && !strings.HasPrefix(resource, "$") {
		c.invalidate(ctx, req.URL)
	}

	return resp, nil
}

// execute sends req once, or with retries when MaxRetries > 0. Without retry
// every HTTP status is returned to the caller as a response.
func (c *Client) execute(req *http.Request, resource string) (*http.Response, error) {
	if c.config.MaxRetries == 0 {
		resp, _, err := c.attempt(req, resource)
		return resp, err
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	var resp *http.Response
	var lastClass ErrorClass
	attempts := 0

	err := retryWithBackoff(req.Context(), c.config.retryConfig(), func() error {
		attemptReq := req
		if attempts > 0 {
			var err error
			if attemptReq, err = rewind(req); err != nil {
				lastClass = ErrorClassClient
				return err
			}
		}
		attempts++

		r, class, err := c.attempt(attemptReq, resource)
		lastClass = class
		if err != nil {
			return err
		}
		if r.StatusCode >= 400 && shouldRetry(class) {
			return ErrorFromResponse(r)
		}
		resp = r
		return nil
	}, func(error) ErrorClass {
		return lastClass
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt performs one HTTP exchange and records its outcome.
func (c *Client) attempt(req *http.Request, resource string) (*http.Response, ErrorClass, error) {
	ctx := req.Context()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(resource, "network_error").Inc()
		c.logger.Error().Err(err).Str("resource", resource).Msg("HTTP request failed")
		return nil, ErrorClassNetwork, &ODataError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}

	if c.throttle != nil {
		if err := c.throttle.UpdateFromResponse(ctx, req.URL.Host, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update throttle state")
		}
	}
	c.version.check(resp.Header)

	requestsTotal.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()

	class := classifyStatus(resp.StatusCode)
	if class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("resource", resource).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("OData request error")
	}
	return resp, class, nil
}

// rewind returns a copy of req with a fresh body for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}
	return r, nil
}

// applyHeaders sets configured defaults without overriding request headers.
func (c *Client) applyHeaders(req *http.Request) {
	for key, values := range c.config.Header {
		if req.Header.Get(key) != "" {
			continue
		}
		if key == "Content-Type" && (req.Body == nil || req.Body == http.NoBody) {
			continue
		}
		req.Header[key] = append([]string(nil), values...)
	}
	for key, values := range c.version.requestHeaders() {
		if req.Header.Get(key) == "" {
			req.Header[key] = values
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
}

// invalidate drops cached reads of the written resource and its entity set.
func (c *Client) invalidate(ctx context.Context, u *url.URL) {
	key := cache.KeyFromURL(c.root, u)
	keys := []cache.CacheKey{key}
	if set := entitySet(c.root, u); set != key.Resource {
		keys = append(keys, cache.CacheKey{Service: key.Service, Resource: set})
	}
	for _, k := range keys {
		n, err := c.cache.Invalidate(ctx, k)
		if err != nil {
			c.logger.Warn().Err(err).Str("resource", k.Resource).Msg("Cache invalidation failed")
			continue
		}
		if n > 0 {
			c.logger.Debug().Str("resource", k.Resource).Int("entries", n).Msg("Invalidated cached reads")
		}
	}
}

// entitySet returns the first path segment below the root without key
// predicate, e.g. "Products" for Products(1)/Category. Used as metric label.
func entitySet(root, u *url.URL) string {
	key := cache.KeyFromURL(root, u)
	set := key.Resource
	if i := strings.IndexByte(set, '/'); i >= 0 {
		set = set[:i]
	}
	if i := strings.IndexByte(set, '('); i >= 0 {
		set = set[:i]
	}
	if set == "" {
		return "/"
	}
	return set
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Send implements batch.Transport. The whole $batch call goes through Do, so
// it shares throttle gating, retry and metrics with single requests.
func (c *Client) Send(ctx context.Context, method, target string, header http.Header, body []byte) (*batch.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range header {
		req.Header[key] = append([]string(nil), values...)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "multipart/mixed")
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read batch response: %w", err)
	}
	return &batch.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// NewBatch returns a coordinator that sends through this client. The batch
// configuration is copied from the client configuration. With a cache,
// successful write members invalidate cached reads like single writes do.
func (c *Client) NewBatch(opts ...batch.Option) (*batch.Coordinator, error) {
	if c.cache != nil {
		opts = append([]batch.Option{batch.WithSettleFunc(c.invalidateSettled)}, opts...)
	}
	return batch.NewCoordinator(c.root.String(), c, c.config.Batch, opts...)
}

// invalidateSettled handles one settled batch member. References such as
// "$1/Lines" name an entity created in the same changeset and are skipped.
func (c *Client) invalidateSettled(ctx context.Context, req *batch.Request, o batch.Outcome) {
	if req.IsRead() || !o.Success() {
		return
	}
	if strings.HasPrefix(req.Path, "$") {
		return
	}
	u, err := url.Parse(c.ResolveURL(req.Path))
	if err != nil {
		return
	}
	c.invalidate(ctx, u)
}

// Get performs a GET request for resource with optional query options.
func (c *Client) Get(ctx context.Context, resource string, opts *query.Options) (*http.Response, error) {
	target := c.ResolveURL(resource)
	if opts != nil {
		target = opts.AppendTo(target)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// GetJSON performs a GET request and decodes the JSON body into v. Statuses
// >= 400 are returned as *ODataError.
func (c *Client) GetJSON(ctx context.Context, resource string, opts *query.Options, v any) error {
	resp, err := c.Get(ctx, resource, opts)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return ErrorFromResponse(resp)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}

// Post creates an entity. body is sent as JSON unless it is []byte.
func (c *Client) Post(ctx context.Context, resource string, body any) (*http.Response, error) {
	return c.write(ctx, http.MethodPost, resource, body)
}

// Put replaces an entity.
func (c *Client) Put(ctx context.Context, resource string, body any) (*http.Response, error) {
	return c.write(ctx, http.MethodPut, resource, body)
}

// Patch updates an entity partially.
func (c *Client) Patch(ctx context.Context, resource string, body any) (*http.Response, error) {
	return c.write(ctx, http.MethodPatch, resource, body)
}

// Delete removes an entity.
func (c *Client) Delete(ctx context.Context, resource string) (*http.Response, error) {
	return c.write(ctx, http.MethodDelete, resource, nil)
}

func (c *Client) write(ctx context.Context, method, resource string, body any) (*http.Response, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", method, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.ResolveURL(resource), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// Close closes the client and releases resources.
func (c *Client) Close() error {
	if c.ownsRedis {
		return c.redis.Close()
	}
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, nil when caching is off.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}

// Version returns the configured OData version.
func (c *Client) Version() *semver.Version {
	return c.version.want
}

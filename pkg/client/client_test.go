package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/odata-client/internal/testutil"
	"github.com/Sternrassler/odata-client/pkg/batch"
	"github.com/Sternrassler/odata-client/pkg/query"
	"github.com/Sternrassler/odata-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	// Flush test DB
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// newTestClient builds a client for rootURL; mutate adjusts the defaults.
func newTestClient(t *testing.T, rootURL string, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(rootURL)
	cfg.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:     "empty root url",
			mutate:   func(c *Config) { c.RootURL = "" },
			errorMsg: "root url is required",
		},
		{
			name:     "relative root url",
			mutate:   func(c *Config) { c.RootURL = "/odata/" },
			errorMsg: "root url must be absolute",
		},
		{
			name:     "empty user agent",
			mutate:   func(c *Config) { c.UserAgent = "" },
			errorMsg: "user-agent is required",
		},
		{
			name:     "negative retries",
			mutate:   func(c *Config) { c.MaxRetries = -1 },
			errorMsg: "max_retries must be >= 0",
		},
		{
			name: "retries without backoff",
			mutate: func(c *Config) {
				c.MaxRetries = 2
				c.InitialBackoff = 0
			},
			errorMsg: "initial_backoff must be > 0",
		},
		{
			name:     "bad odata version",
			mutate:   func(c *Config) { c.ODataVersion = "four" },
			errorMsg: "parse odata_version",
		},
		{
			name:     "bad redis url",
			mutate:   func(c *Config) { c.RedisURL = "memcached://localhost" },
			errorMsg: "parse redis url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("https://example.com/odata/")
			tt.mutate(&cfg)

			c, err := New(cfg)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				c.Close()
				return
			}
			if err == nil {
				t.Fatal("expected error but got nil")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errorMsg)
			}
		})
	}
}

func TestNew_WithoutRedis(t *testing.T) {
	c := newTestClient(t, "https://example.com/odata", nil)

	if c.GetCache() != nil {
		t.Error("cache should be disabled without redis")
	}
	if c.RootURL() != "https://example.com/odata/" {
		t.Errorf("RootURL() = %q, want trailing slash", c.RootURL())
	}
	if c.Version().Major() != 4 {
		t.Errorf("Version() = %v, want 4.x", c.Version())
	}
}

func TestNew_ConfigIsCopied(t *testing.T) {
	cfg := DefaultConfig("https://example.com/odata/")
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cfg.Header.Set("Accept", "text/plain")
	cfg.Batch.Header.Set("X-Later", "1")

	got := c.Config()
	if got.Header.Get("Accept") != "application/json" {
		t.Errorf("client header changed through caller config: %q", got.Header.Get("Accept"))
	}
	if got.Batch.Header.Get("X-Later") != "" {
		t.Error("batch header changed through caller config")
	}

	got.Header.Set("Accept", "text/csv")
	if c.Config().Header.Get("Accept") != "application/json" {
		t.Error("Config() must return a copy")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://example.com/odata/")

	if cfg.ODataVersion != "4.0" {
		t.Errorf("ODataVersion = %q, want 4.0", cfg.ODataVersion)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 (retry is opt-in)", cfg.MaxRetries)
	}
	if cfg.Header.Get("Accept") != "application/json" || cfg.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Header = %v", cfg.Header)
	}
	if cfg.Batch.Endpoint != "$batch" || cfg.Batch.BoundaryPrefix != "batch_" {
		t.Errorf("Batch = %+v", cfg.Batch)
	}
	if !cfg.CacheEnabled {
		t.Error("CacheEnabled should default to true")
	}
}

func TestResolveURL(t *testing.T) {
	c := newTestClient(t, "https://example.com/odata", nil)

	tests := []struct {
		resource string
		want     string
	}{
		{resource: "Products", want: "https://example.com/odata/Products"},
		{resource: "/Products(1)", want: "https://example.com/odata/Products(1)"},
		{resource: "Products('a:b')", want: "https://example.com/odata/Products('a:b')"},
		{resource: "", want: "https://example.com/odata/"},
		{resource: "https://other.example.com/x", want: "https://other.example.com/x"},
	}

	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			if got := c.ResolveURL(tt.resource); got != tt.want {
				t.Errorf("ResolveURL(%q) = %q, want %q", tt.resource, got, tt.want)
			}
		})
	}
}

func TestEntitySet(t *testing.T) {
	c := newTestClient(t, "https://example.com/odata/", nil)

	tests := []struct {
		target string
		want   string
	}{
		{target: "https://example.com/odata/Products", want: "Products"},
		{target: "https://example.com/odata/Products(1)/Category", want: "Products"},
		{target: "https://example.com/odata/$batch", want: "$batch"},
		{target: "https://example.com/odata/", want: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if got := entitySet(c.root, req.URL); got != tt.want {
				t.Errorf("entitySet() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDo_DefaultHeaders(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) {
		cfg.UserAgent = "TestApp/1.0.0 (test@example.com)"
		cfg.Header.Set("X-Tenant", "acme")
	})

	resp, err := c.Get(context.Background(), "Products", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	h := mock.LastRequestHeader
	if got := h.Get("User-Agent"); got != "TestApp/1.0.0 (test@example.com)" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := h.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
	if got := h.Get("X-Tenant"); got != "acme" {
		t.Errorf("X-Tenant = %q", got)
	}
	if got := h.Get("OData-MaxVersion"); got != "4.0" {
		t.Errorf("OData-MaxVersion = %q", got)
	}
	if got := h.Get("Content-Type"); got != "" {
		t.Errorf("GET without body should carry no Content-Type, got %q", got)
	}
}

func TestDo_RequestHeadersWin(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	c := newTestClient(t, mock.RootURL(), nil)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, c.ResolveURL("Products"), nil)
	req.Header.Set("Accept", "application/xml")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if got := mock.LastRequestHeader.Get("Accept"); got != "application/xml" {
		t.Errorf("Accept = %q, want the request's own value", got)
	}
}

func TestDo_V2Headers(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.ODataVersion = "2.0" })

	resp, err := c.Get(context.Background(), "Products", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if got := mock.LastRequestHeader.Get("MaxDataServiceVersion"); got != "2.0" {
		t.Errorf("MaxDataServiceVersion = %q", got)
	}
	if got := mock.LastRequestHeader.Get("OData-Version"); got != "" {
		t.Errorf("OData-Version should not be sent to a v2 service, got %q", got)
	}
}

func TestGet_QueryOptions(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	c := newTestClient(t, mock.RootURL(), nil)

	opts := &query.Options{
		Select: []string{"Id", "Name"},
		Filter: "Price gt 5",
		Top:    query.Int(5),
	}
	var got struct {
		Method string `json:"method"`
		Path   string `json:"path"`
	}
	if err := c.GetJSON(context.Background(), "Products", opts, &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.Method != "GET" || got.Path != "Products" {
		t.Errorf("echo = %+v", got)
	}

	received := mock.GetReceived()
	if len(received) != 1 {
		t.Fatalf("received %d requests, want 1", len(received))
	}
	q := received[0].Query
	if q.Get("$select") != "Id,Name" || q.Get("$filter") != "Price gt 5" || q.Get("$top") != "5" {
		t.Errorf("query = %v", q)
	}
}

func TestGetJSON_ODataError(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse(http.MethodGet, "Products(99)", testutil.NewErrorResponse(http.StatusNotFound, "NotFound", "No product with key 99"))

	c := newTestClient(t, mock.RootURL(), nil)

	var v map[string]any
	err := c.GetJSON(context.Background(), "Products(99)", nil, &v)

	var odErr *ODataError
	if !errors.As(err, &odErr) {
		t.Fatalf("expected *ODataError, got %v", err)
	}
	if odErr.StatusCode != http.StatusNotFound || odErr.Code != "NotFound" || odErr.ErrorClass != ErrorClassClient {
		t.Errorf("ODataError = %+v", odErr)
	}
	if odErr.Message != "No product with key 99" {
		t.Errorf("Message = %q", odErr.Message)
	}
}

func TestWriteMethods(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	c := newTestClient(t, mock.RootURL(), nil)
	ctx := context.Background()

	resp, err := c.Post(ctx, "Products", map[string]any{"Name": "Milk"})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Post status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = c.Patch(ctx, "Products(1)", []byte(`{"Name":"Oat milk"}`))
	if err != nil {
		t.Fatalf("Patch() error = %v", err)
	}
	resp.Body.Close()

	resp, err = c.Put(ctx, "Products(1)", map[string]any{"Name": "Soy milk"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	resp.Body.Close()

	resp, err = c.Delete(ctx, "Products(1)")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Delete status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	received := mock.GetReceived()
	if len(received) != 4 {
		t.Fatalf("received %d requests, want 4", len(received))
	}
	wantMethods := []string{"POST", "PATCH", "PUT", "DELETE"}
	for i, r := range received {
		if r.Method != wantMethods[i] {
			t.Errorf("request %d method = %s, want %s", i, r.Method, wantMethods[i])
		}
	}
	if string(received[0].Body) != `{"Name":"Milk"}` {
		t.Errorf("POST body = %s", received[0].Body)
	}
	if string(received[1].Body) != `{"Name":"Oat milk"}` {
		t.Errorf("PATCH body = %s", received[1].Body)
	}
	if got := received[0].Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("POST Content-Type = %q", got)
	}
	if len(received[3].Body) != 0 {
		t.Errorf("DELETE body = %s, want empty", received[3].Body)
	}
}

func TestDo_NoRetryReturnsStatus(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse(http.MethodGet, "Products", testutil.NewErrorResponse(http.StatusInternalServerError, "Boom", "server exploded"))

	c := newTestClient(t, mock.RootURL(), nil)

	resp, err := c.Get(context.Background(), "Products", nil)
	if err != nil {
		t.Fatalf("Get() error = %v, want the 500 response", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("requests = %d, want 1 without retry", n)
	}
}

// countingServer fails the first failures requests with status, then answers 200.
func countingServer(t *testing.T, failures, status int) (*httptest.Server, *int) {
	t.Helper()
	var mu sync.Mutex
	count := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n <= failures {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"value":[]}`))
	}))
	t.Cleanup(server.Close)
	return server, &count
}

func retrying(cfg *Config) {
	cfg.MaxRetries = 3
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
}

func TestDo_RetryOnServerError(t *testing.T) {
	server, count := countingServer(t, 2, http.StatusInternalServerError)
	c := newTestClient(t, server.URL+"/odata/", retrying)

	resp, err := c.Get(context.Background(), "Products", nil)
	if err != nil {
		t.Fatalf("Expected success after retry, got error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if *count != 3 {
		t.Errorf("Expected 3 attempts, got %d", *count)
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	server, count := countingServer(t, 10, http.StatusNotFound)
	c := newTestClient(t, server.URL+"/odata/", retrying)

	resp, err := c.Get(context.Background(), "Products(1)", nil)
	if err != nil {
		t.Fatalf("Expected response for 404, got error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if *count != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", *count)
	}
}

func TestDo_RetryOnThrottle(t *testing.T) {
	server, count := countingServer(t, 1, http.StatusTooManyRequests)
	c := newTestClient(t, server.URL+"/odata/", retrying)

	resp, err := c.Get(context.Background(), "Products", nil)
	if err != nil {
		t.Fatalf("Expected success after retry, got error: %v", err)
	}
	resp.Body.Close()

	if *count != 2 {
		t.Errorf("Expected 2 attempts, got %d", *count)
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	server, count := countingServer(t, 100, http.StatusServiceUnavailable)
	c := newTestClient(t, server.URL+"/odata/", func(cfg *Config) {
		retrying(cfg)
		cfg.MaxRetries = 2
	})

	_, err := c.Get(context.Background(), "Products", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	var odErr *ODataError
	if !errors.As(err, &odErr) || odErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected wrapped 503 ODataError, got %v", err)
	}
	if *count != 3 {
		t.Errorf("Expected 3 attempts, got %d", *count)
	}
}

func TestDo_RetryReplaysBody(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/odata/", retrying)

	// A plain reader has no GetBody; the client must buffer it.
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, c.ResolveURL("Products"),
		io.NopCloser(strings.NewReader(`{"Name":"Tea"}`)))
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("attempts = %d, want 2", len(bodies))
	}
	for i, b := range bodies {
		if b != `{"Name":"Tea"}` {
			t.Errorf("attempt %d body = %q", i+1, b)
		}
	}
}

func TestDo_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rootURL := server.URL + "/odata/"
	server.Close()

	c := newTestClient(t, rootURL, nil)

	_, err := c.Get(context.Background(), "Products", nil)
	var odErr *ODataError
	if !errors.As(err, &odErr) {
		t.Fatalf("expected *ODataError, got %v", err)
	}
	if odErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %q, want network", odErr.ErrorClass)
	}
}

func TestDo_VersionMismatchIsTolerated(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.ODataVersion = "2.0" })

	// The mock answers with OData-Version 4.0; the response still arrives.
	resp, err := c.Get(context.Background(), "Products", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestNewBatch_RoundTrip(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse(http.MethodGet, "Products(1)", testutil.NewJSONResponse(http.StatusOK, `{"Id":1}`))

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.UserAgent = "batch-test/1.0" })

	b, err := c.NewBatch()
	if err != nil {
		t.Fatalf("NewBatch() error = %v", err)
	}
	get, _ := batch.NewRequest(http.MethodGet, "Products(1)", nil)
	post, _ := batch.NewRequest(http.MethodPost, "Products", []byte(`{"Name":"Salt"}`))
	handles, err := b.EnqueueRequests(get, post)
	if err != nil {
		t.Fatalf("EnqueueRequests() error = %v", err)
	}

	outcomes, err := b.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	if outcomes[0].StatusCode != http.StatusOK || string(outcomes[0].Body) != `{"Id":1}` {
		t.Errorf("outcome 0 = %d %s", outcomes[0].StatusCode, outcomes[0].Body)
	}
	if outcomes[1].StatusCode != http.StatusCreated {
		t.Errorf("outcome 1 status = %d, want 201", outcomes[1].StatusCode)
	}
	if o, err := handles[1].Result(); err != nil || o.StatusCode != http.StatusCreated {
		t.Errorf("handle 1 = %v, %v", o.StatusCode, err)
	}

	if mock.GetBatchCount() != 1 || mock.GetRequestCount() != 1 {
		t.Errorf("batch calls = %d, http requests = %d, want 1 and 1", mock.GetBatchCount(), mock.GetRequestCount())
	}
	h := mock.LastRequestHeader
	if got := h.Get("User-Agent"); got != "batch-test/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := h.Get("Accept"); got != "multipart/mixed" {
		t.Errorf("Accept = %q, want multipart/mixed", got)
	}
	if got := h.Get("Content-Type"); !strings.HasPrefix(got, "multipart/mixed; boundary=batch_") {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestNewBatch_UsesClientBatchConfig(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) {
		cfg.Batch.RelativeURLs = true
		cfg.Batch.BoundaryPrefix = "outer_"
	})

	b, err := c.NewBatch()
	if err != nil {
		t.Fatalf("NewBatch() error = %v", err)
	}
	get, _ := batch.NewRequest(http.MethodGet, "Products", nil)
	if _, err := b.Enqueue(get); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	body := string(mock.GetLastBatchBody())
	if !strings.Contains(body, "GET Products HTTP/1.1\r\n") {
		t.Errorf("batch body lacks relative target:\n%s", body)
	}
	if !strings.HasPrefix(body, "--outer_") {
		t.Errorf("batch body does not start with the configured boundary:\n%s", body)
	}
}

func TestNewBatch_StatusErrorRejectsAll(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetBatchStatus(http.StatusBadRequest)

	c := newTestClient(t, mock.RootURL(), nil)
	b, _ := c.NewBatch()
	get, _ := batch.NewRequest(http.MethodGet, "Products", nil)
	h, _ := b.Enqueue(get)

	_, err := b.Flush(context.Background())
	var statusErr *batch.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Flush() error = %v, want StatusError 400", err)
	}
	if _, err := h.Result(); !errors.As(err, &statusErr) {
		t.Errorf("handle error = %v, want StatusError", err)
	}
}

func TestDo_CacheHit(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse(http.MethodGet, "Products", testutil.NewETagResponse(`"v1"`, `{"value":[{"Id":1}]}`))

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.Redis = redisClient })
	ctx := context.Background()

	resp, err := c.Get(ctx, "Products", nil)
	if err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	first := readBody(t, resp)

	resp, err = c.Get(ctx, "Products", nil)
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Error("second request should be served from cache")
	}
	if second := readBody(t, resp); second != first {
		t.Errorf("cached body = %q, want %q", second, first)
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("server requests = %d, want 1", n)
	}
}

func TestDo_Revalidation304(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockService()
	defer mock.Close()

	// Immediately stale, but revalidatable through the ETag.
	stale := testutil.NewETagResponse(`"v7"`, `{"Id":7}`)
	stale.Headers["Cache-Control"] = "max-age=0"
	mock.SetResponse(http.MethodGet, "Products(7)", stale)

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.Redis = redisClient })
	ctx := context.Background()

	resp, err := c.Get(ctx, "Products(7)", nil)
	if err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	readBody(t, resp)

	resp, err = c.Get(ctx, "Products(7)", nil)
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want the cached 200", resp.StatusCode)
	}
	if body := readBody(t, resp); body != `{"Id":7}` {
		t.Errorf("body = %q", body)
	}
	if n := mock.GetConditionalCount(); n != 1 {
		t.Errorf("conditional requests = %d, want 1", n)
	}
	if n := mock.GetRequestCount(); n != 2 {
		t.Errorf("server requests = %d, want 2", n)
	}
}

func TestDo_WriteInvalidatesCache(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse(http.MethodGet, "Products", testutil.NewETagResponse(`"v1"`, `{"value":[]}`))

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.Redis = redisClient })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := c.Get(ctx, "Products", nil)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		resp.Body.Close()
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Fatalf("server requests before write = %d, want 1", n)
	}

	resp, err := c.Post(ctx, "Products", map[string]any{"Name": "Rice"})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()

	resp, err = c.Get(ctx, "Products", nil)
	if err != nil {
		t.Fatalf("Get() after write error = %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Cache") == "HIT" {
		t.Error("read after write was served from a stale cache")
	}
	if n := mock.GetRequestCount(); n != 3 {
		t.Errorf("server requests = %d, want 3", n)
	}
}

func TestNewBatch_WriteInvalidatesCache(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse(http.MethodGet, "Products(1)", testutil.NewETagResponse(`"v1"`, `{"Id":1}`))

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.Redis = redisClient })
	ctx := context.Background()

	get := func() {
		t.Helper()
		resp, err := c.Get(ctx, "Products(1)", nil)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		resp.Body.Close()
	}
	get()
	get()
	if n := mock.GetRequestCount(); n != 1 {
		t.Fatalf("server requests before batch = %d, want 1", n)
	}

	b, err := c.NewBatch()
	if err != nil {
		t.Fatalf("NewBatch() error = %v", err)
	}
	patch, _ := batch.NewRequest(http.MethodPatch, "Products(1)", []byte(`{"Name":"Rye"}`))
	if _, err := b.EnqueueRequests(patch); err != nil {
		t.Fatalf("EnqueueRequests() error = %v", err)
	}
	outcomes, err := b.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if !outcomes[0].Success() {
		t.Fatalf("patch outcome = %d", outcomes[0].StatusCode)
	}

	get()
	if n := mock.GetRequestCount(); n != 3 {
		t.Errorf("server requests = %d, want 3 (read after batch write must reach the service)", n)
	}
}

func TestNewBatch_FailedWriteKeepsCache(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse(http.MethodGet, "Products(1)", testutil.NewETagResponse(`"v1"`, `{"Id":1}`))
	mock.SetResponse(http.MethodDelete, "Products(1)", testutil.NewErrorResponse(http.StatusConflict, "Conflict", "in use"))

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.Redis = redisClient })
	ctx := context.Background()

	resp, err := c.Get(ctx, "Products(1)", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	b, err := c.NewBatch()
	if err != nil {
		t.Fatalf("NewBatch() error = %v", err)
	}
	del, _ := batch.NewRequest(http.MethodDelete, "Products(1)", nil)
	if _, err := b.EnqueueRequests(del); err != nil {
		t.Fatalf("EnqueueRequests() error = %v", err)
	}
	if _, err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	resp, err = c.Get(ctx, "Products(1)", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if n := mock.GetRequestCount(); n != 2 {
		t.Errorf("server requests = %d, want 2 (cached read survives a failed write)", n)
	}
}

func TestDo_ThrottleBlocks(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetResponse(http.MethodGet, "Products", testutil.NewThrottledResponse(60))

	c := newTestClient(t, mock.RootURL(), func(cfg *Config) { cfg.Redis = redisClient })
	ctx := context.Background()

	resp, err := c.Get(ctx, "Products", nil)
	if err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}

	_, err = c.Get(ctx, "Customers", nil)
	if !errors.Is(err, ratelimit.ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	var te *ratelimit.ThrottledError
	if !errors.As(err, &te) || te.RetryAfter < 50*time.Second {
		t.Errorf("ThrottledError = %+v", te)
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("server requests = %d, want 1", n)
	}
}

func TestSend_ImplementsTransport(t *testing.T) {
	var _ batch.Transport = (*Client)(nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Echo-Method", r.Method)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(string(data))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/odata/", nil)
	resp, err := c.Send(context.Background(), http.MethodPost, server.URL+"/odata/$batch",
		http.Header{"Content-Type": []string{"multipart/mixed; boundary=b"}}, []byte("payload"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Echo-Method") != "POST" {
		t.Errorf("method = %q", resp.Header.Get("X-Echo-Method"))
	}
	if strings.TrimSpace(string(resp.Body)) != `"payload"` {
		t.Errorf("body = %q", resp.Body)
	}
}

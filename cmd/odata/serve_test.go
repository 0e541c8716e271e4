package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/odata-client/internal/testutil"
	"github.com/Sternrassler/odata-client/pkg/batch"
	"github.com/Sternrassler/odata-client/pkg/client"
	"github.com/Sternrassler/odata-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestGateway(t *testing.T, mock *testutil.MockService) *httptest.Server {
	t.Helper()
	c, err := client.New(client.DefaultConfig(mock.RootURL()))
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	srv := httptest.NewServer(newServerMux(c, nil, 5*time.Second, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("ready_without_redis", func(t *testing.T) {
		w := httptest.NewRecorder()
		readyHandler(nil)(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("not_ready_redis_down", func(t *testing.T) {
		redisClient := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 200 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer redisClient.Close()

		w := httptest.NewRecorder()
		readyHandler(redisClient)(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	srv := newTestGateway(t, mock)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	if !strings.Contains(body, "odata_batch_requests") {
		t.Error("Expected metrics output to contain odata_batch_requests")
	}
}

func TestProxyHandler(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetCollection("Products", products(5))
	mock.SetResponse(http.MethodGet, "Missing", testutil.NewErrorResponse(http.StatusNotFound, "NotFound", "no such set"))
	srv := newTestGateway(t, mock)

	t.Run("get_with_query", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/odata/Products?$top=2&$skip=1")
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		body := readBody(t, resp)

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		var got collectionOutput
		if err := json.Unmarshal([]byte(body), &got); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		if len(got.Value) != 2 {
			t.Errorf("items = %d, want 2", len(got.Value))
		}

		received := mock.GetReceived()
		last := received[len(received)-1]
		if last.Path != "Products" || last.Query.Get("$top") != "2" || last.Query.Get("$skip") != "1" {
			t.Errorf("forwarded request = %s %v", last.Path, last.Query)
		}
	})

	t.Run("error_status_passes_through", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/odata/Missing")
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		body := readBody(t, resp)

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		if !strings.Contains(body, "no such set") {
			t.Errorf("body = %s", body)
		}
	})

	t.Run("post_forwards_body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/odata/Orders", "application/json", strings.NewReader(`{"Id":9}`))
		if err != nil {
			t.Fatalf("POST error = %v", err)
		}
		readBody(t, resp)

		if resp.StatusCode != http.StatusCreated {
			t.Errorf("status = %d, want 201", resp.StatusCode)
		}
		received := mock.GetReceived()
		last := received[len(received)-1]
		if last.Method != http.MethodPost || string(last.Body) != `{"Id":9}` {
			t.Errorf("forwarded request = %s %s", last.Method, last.Body)
		}
	})
}

func TestBatchHandler(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	srv := newTestGateway(t, mock)

	post := func(t *testing.T, body string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/batch", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST /batch error = %v", err)
		}
		return resp, readBody(t, resp)
	}

	t.Run("requests_and_changeset", func(t *testing.T) {
		resp, body := post(t, `[
			{"method": "GET", "path": "Products(1)"},
			{"changeset": [
				{"method": "POST", "path": "Orders", "body": {"CustomerId": 7}},
				{"method": "POST", "path": "$1/Lines", "body": {"ProductId": 1}}
			]}
		]`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}

		var views []outcomeView
		if err := json.Unmarshal([]byte(body), &views); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		want := []int{http.StatusOK, http.StatusCreated, http.StatusCreated}
		if len(views) != len(want) {
			t.Fatalf("outcomes = %d, want %d", len(views), len(want))
		}
		for i, v := range views {
			if v.Status != want[i] {
				t.Errorf("outcome %d status = %d, want %d", i, v.Status, want[i])
			}
		}
	})

	t.Run("invalid_json", func(t *testing.T) {
		resp, _ := post(t, `{not json`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("empty_list", func(t *testing.T) {
		resp, _ := post(t, `[]`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("get_inside_changeset", func(t *testing.T) {
		resp, _ := post(t, `[{"changeset": [{"method": "GET", "path": "Products"}]}]`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("method_not_allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/batch")
		if err != nil {
			t.Fatalf("GET /batch error = %v", err)
		}
		readBody(t, resp)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", resp.StatusCode)
		}
	})
}

func TestBatchHandler_UpstreamFailure(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetBatchStatus(http.StatusInternalServerError)
	srv := newTestGateway(t, mock)

	resp, err := http.Post(srv.URL+"/batch", "application/json", strings.NewReader(`[{"path": "Products"}]`))
	if err != nil {
		t.Fatalf("POST /batch error = %v", err)
	}
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestWriteUpstreamError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantStatus     int
		wantRetryAfter string
	}{
		{
			name:           "throttled",
			err:            &ratelimit.ThrottledError{Host: "svc", RetryAfter: 1500 * time.Millisecond},
			wantStatus:     http.StatusTooManyRequests,
			wantRetryAfter: "2",
		},
		{
			name:       "odata_error",
			err:        fmt.Errorf("%w: %w", client.ErrRetryExhausted, &client.ODataError{StatusCode: http.StatusServiceUnavailable}),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "composition",
			err:        fmt.Errorf("item 0: %w", &batch.CompositionError{Index: 0, Reason: "bad", Err: batch.ErrInvalidBatchComposition}),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "batch_status",
			err:        &batch.StatusError{StatusCode: http.StatusInternalServerError},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("send batch: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "network",
			err:        errors.New("connection refused"),
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeUpstreamError(w, tt.err, zerolog.Nop())

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Retry-After"); got != tt.wantRetryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetryAfter)
			}
		})
	}
}

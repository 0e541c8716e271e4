// Package testutil provides testing utilities for the OData client.
package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ServicePath is the path of the mock service root.
const ServicePath = "/service/"

// MockRequest is a request received by the mock service, either directly or
// as a part of a $batch.
type MockRequest struct {
	Method    string
	Path      string // relative to the service root, without query
	Query     url.Values
	Header    http.Header
	Body      []byte
	ContentID string
	InBatch   bool
}

// MockResponse defines the behavior for a mock OData response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Handler answers a mock request.
type Handler func(req *MockRequest) MockResponse

// MockService is a configurable mock OData service for testing.
type MockService struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]Handler

	batchStatus      int
	batchRaw         *MockResponse
	responseBoundary string

	// Tracking
	RequestCount      int
	BatchCount        int
	ConditionalCount  int
	LastBatchBody     []byte
	LastRequestHeader http.Header
	Received          []MockRequest
}

// NewMockService creates a new mock OData service.
func NewMockService() *MockService {
	mock := &MockService{
		handlers:         make(map[string]Handler),
		responseBoundary: "batchresponse_mock",
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" {
			mock.ConditionalCount++
		}
		mock.mu.Unlock()

		if r.URL.Path == ServicePath+"$batch" {
			mock.serveBatch(w, r)
			return
		}
		mock.serveSingle(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockService) URL() string {
	return m.server.URL
}

// RootURL returns the service root URL, with trailing slash.
func (m *MockService) RootURL() string {
	return m.server.URL + ServicePath
}

// Close shuts down the mock server.
func (m *MockService) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.BatchCount = 0
	m.ConditionalCount = 0
	m.LastBatchBody = nil
	m.LastRequestHeader = nil
	m.Received = nil
}

// SetHandler sets a handler for method and path (relative to the service root).
func (m *MockService) SetHandler(method, path string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[handlerKey(method, path)] = handler
}

// SetResponse configures a fixed response for method and path.
func (m *MockService) SetResponse(method, path string, resp MockResponse) {
	m.SetHandler(method, path, func(*MockRequest) MockResponse {
		return resp
	})
}

// SetCollection serves items at path, honoring $top, $skip and $count.
func (m *MockService) SetCollection(path string, items []map[string]any) {
	m.SetHandler(http.MethodGet, path, func(req *MockRequest) MockResponse {
		skip, _ := strconv.Atoi(req.Query.Get("$skip"))
		top := len(items)
		if v := req.Query.Get("$top"); v != "" {
			top, _ = strconv.Atoi(v)
		}

		start := min(skip, len(items))
		end := min(start+top, len(items))

		payload := map[string]any{"value": items[start:end]}
		if req.Query.Get("$count") == "true" {
			payload["@odata.count"] = len(items)
		}
		data, _ := json.Marshal(payload)
		return NewJSONResponse(http.StatusOK, string(data))
	})
}

// SetBatchStatus makes the $batch endpoint answer with a bare status code.
func (m *MockService) SetBatchStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchStatus = status
}

// SetBatchResponse makes the $batch endpoint answer with a fixed raw body.
func (m *MockService) SetBatchResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchRaw = &resp
}

// GetRequestCount returns the number of HTTP requests made to the server.
func (m *MockService) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetBatchCount returns the number of $batch calls.
func (m *MockService) GetBatchCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.BatchCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockService) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetReceived returns a copy of all dispatched requests.
func (m *MockService) GetReceived() []MockRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockRequest(nil), m.Received...)
}

// GetLastBatchBody returns the body of the last $batch call.
func (m *MockService) GetLastBatchBody() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastBatchBody
}

func (m *MockService) serveSingle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	req := &MockRequest{
		Method: r.Method,
		Path:   m.relativePath(r.URL.Path),
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	}
	resp := m.dispatch(req)

	if etag := resp.Headers["ETag"]; etag != "" && r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeResponse(w, resp)
}

func (m *MockService) serveBatch(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.BatchCount++
	m.LastBatchBody = raw
	status, fixed := m.batchStatus, m.batchRaw
	m.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if fixed != nil {
		writeResponse(w, *fixed)
		return
	}

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		http.Error(w, "missing batch boundary", http.StatusBadRequest)
		return
	}

	var out bytes.Buffer
	mw := multipart.NewWriter(&out)
	if err := mw.SetBoundary(m.responseBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	mr := multipart.NewReader(bytes.NewReader(raw), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("read batch part: %v", err), http.StatusBadRequest)
			return
		}

		mediaType, partParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if mediaType == "multipart/mixed" {
			if err := m.serveChangeset(mw, part, partParams["boundary"]); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			continue
		}

		req, err := parseInnerRequest(part, part.Header.Get("Content-ID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Path = m.relativePath(req.Path)
		writeHTTPPart(mw, req.ContentID, m.dispatch(req))
	}
	mw.Close()

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+m.responseBoundary)
	w.WriteHeader(http.StatusOK)
	w.Write(out.Bytes())
}

// serveChangeset answers every member, or a single error part if any member fails.
func (m *MockService) serveChangeset(mw *multipart.Writer, r io.Reader, boundary string) error {
	type answered struct {
		contentID string
		resp      MockResponse
	}
	var results []answered

	cr := multipart.NewReader(r, boundary)
	for {
		part, err := cr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read changeset part: %w", err)
		}
		req, err := parseInnerRequest(part, part.Header.Get("Content-ID"))
		if err != nil {
			return err
		}
		req.Path = m.relativePath(req.Path)
		results = append(results, answered{contentID: req.ContentID, resp: m.dispatch(req)})
	}

	for _, res := range results {
		if res.resp.StatusCode >= 400 {
			writeHTTPPart(mw, "", res.resp)
			return nil
		}
	}

	var nested bytes.Buffer
	cw := multipart.NewWriter(&nested)
	for _, res := range results {
		writeHTTPPart(cw, res.contentID, res.resp)
	}
	cw.Close()

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "multipart/mixed; boundary="+cw.Boundary())
	pw, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = pw.Write(nested.Bytes())
	return err
}

func (m *MockService) dispatch(req *MockRequest) MockResponse {
	m.mu.Lock()
	m.Received = append(m.Received, *req)
	handler, ok := m.handlers[handlerKey(req.Method, req.Path)]
	m.mu.Unlock()

	var resp MockResponse
	if ok {
		resp = handler(req)
	} else {
		resp = echoResponse(req)
	}
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	return resp
}

// relativePath strips scheme, host and the service root from a request target.
func (m *MockService) relativePath(target string) string {
	if u, err := url.Parse(target); err == nil && u.IsAbs() {
		target = u.Path
	}
	target = strings.TrimPrefix(target, ServicePath)
	return strings.TrimPrefix(target, "/")
}

// parseInnerRequest reads an application/http request. The request line is
// parsed by hand because OData allows targets without a leading slash.
func parseInnerRequest(r io.Reader, contentID string) (*MockRequest, error) {
	br := bufio.NewReader(r)
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read request headers: %w", err)
	}
	body, _ := io.ReadAll(br)

	target := fields[1]
	var query url.Values
	if i := strings.Index(target, "?"); i >= 0 {
		query, _ = url.ParseQuery(target[i+1:])
		target = target[:i]
	}

	return &MockRequest{
		Method:    fields[0],
		Path:      target,
		Query:     query,
		Header:    http.Header(header),
		Body:      body,
		ContentID: contentID,
		InBatch:   true,
	}, nil
}

func writeHTTPPart(mw *multipart.Writer, contentID string, resp MockResponse) {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "application/http")
	header.Set("Content-Transfer-Encoding", "binary")
	if contentID != "" {
		header.Set("Content-ID", contentID)
	}
	pw, err := mw.CreatePart(header)
	if err != nil {
		return
	}

	fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	keys := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(pw, "%s: %s\r\n", k, resp.Headers[k])
	}
	fmt.Fprintf(pw, "Content-Length: %d\r\n\r\n", len(resp.Body))
	io.WriteString(pw, resp.Body)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// echoResponse describes the request back: 200 for reads, 201 for POST,
// 204 for other writes.
func echoResponse(req *MockRequest) MockResponse {
	status := http.StatusNoContent
	switch req.Method {
	case http.MethodGet:
		status = http.StatusOK
	case http.MethodPost:
		status = http.StatusCreated
	}
	if status == http.StatusNoContent {
		return MockResponse{StatusCode: status}
	}
	data, _ := json.Marshal(map[string]string{
		"method":    req.Method,
		"path":      req.Path,
		"contentId": req.ContentID,
	})
	return NewJSONResponse(status, string(data))
}

func handlerKey(method, path string) string {
	return strings.ToUpper(method) + " " + strings.TrimPrefix(path, "/")
}

// NewJSONResponse creates a JSON response with OData headers.
func NewJSONResponse(status int, body string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       body,
		Headers: map[string]string{
			"Content-Type":  "application/json;odata.metadata=minimal",
			"OData-Version": "4.0",
		},
	}
}

// NewErrorResponse creates an OData JSON error response.
func NewErrorResponse(status int, code, message string) MockResponse {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	return NewJSONResponse(status, string(data))
}

// NewThrottledResponse creates a 429 response with a Retry-After header.
func NewThrottledResponse(retryAfterSeconds int) MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, "TooManyRequests", "Rate limit exceeded")
	resp.Headers["Retry-After"] = strconv.Itoa(retryAfterSeconds)
	return resp
}

// NewETagResponse creates a 200 response carrying an ETag; repeated requests
// with a matching If-None-Match are answered with 304.
func NewETagResponse(etag, body string) MockResponse {
	resp := NewJSONResponse(http.StatusOK, body)
	resp.Headers["ETag"] = etag
	resp.Headers["Cache-Control"] = "max-age=300"
	return resp
}

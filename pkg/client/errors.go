package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Sternrassler/odata-client/pkg/batch"
	"github.com/Sternrassler/odata-client/pkg/ratelimit"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassThrottled represents 429 responses.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// ODataError is a failed OData request. Code, Message and Target come from
// the service's JSON error body when it has one.
type ODataError struct {
	StatusCode int
	ErrorClass ErrorClass
	Code       string
	Message    string
	Target     string

	// RetryAfter is the delay the service asked for, if any.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *ODataError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("OData %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, msg, e.Err)
	}
	return fmt.Sprintf("OData %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ODataError) Unwrap() error {
	return e.Err
}

// errorBody covers the v4 JSON format and the v2/v3 verbose format, where
// message is an object with a "value" field.
type errorBody struct {
	Error      *errorDetail `json:"error"`
	ODataError *errorDetail `json:"odata.error"`
}

type errorDetail struct {
	Code    string          `json:"code"`
	Message json.RawMessage `json:"message"`
	Target  string          `json:"target"`
}

func (d *errorDetail) message() string {
	if len(d.Message) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(d.Message, &s) == nil {
		return s
	}
	var v struct {
		Value string `json:"value"`
	}
	if json.Unmarshal(d.Message, &v) == nil {
		return v.Value
	}
	return ""
}

// ParseODataError builds an ODataError for status from a response body. A
// body that is not an OData error document yields the HTTP status text.
func ParseODataError(status int, header http.Header, body []byte) *ODataError {
	e := &ODataError{
		StatusCode: status,
		ErrorClass: classifyStatus(status),
		Message:    http.StatusText(status),
	}
	if d, ok, err := ratelimit.ParseRetryAfter(header, time.Now()); err == nil && ok {
		e.RetryAfter = d
	}

	var b errorBody
	if len(body) == 0 || json.Unmarshal(body, &b) != nil {
		return e
	}
	detail := b.Error
	if detail == nil {
		detail = b.ODataError
	}
	if detail == nil {
		return e
	}
	e.Code = detail.Code
	e.Target = detail.Target
	if m := detail.message(); m != "" {
		e.Message = m
	}
	return e
}

// ErrorFromResponse reads and closes resp.Body and returns the parsed error.
func ErrorFromResponse(resp *http.Response) *ODataError {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := ParseODataError(resp.StatusCode, resp.Header, body)
	if err != nil {
		e.Err = fmt.Errorf("read error body: %w", err)
	}
	return e
}

const maxErrorBody = 1 << 20

// OutcomeError returns the error carried by a batch outcome: its decode
// failure, a parsed ODataError for status >= 400, or nil.
func OutcomeError(o batch.Outcome) error {
	if o.Err != nil {
		return o.Err
	}
	if o.StatusCode >= 400 {
		return ParseODataError(o.StatusCode, o.Header, o.Body)
	}
	return nil
}

// classifyStatus maps a failing status to its class. Non-errors return "".
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassThrottled
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors are the caller's fault; repeating them changes nothing
		return false
	case ErrorClassServer, ErrorClassThrottled, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

package batch

import (
	"errors"
	"fmt"
)

// Errors returned by the batch subsystem.
var (
	// ErrInvalidRequest is returned when a request has an unsupported method or an unusable path.
	ErrInvalidRequest = errors.New("invalid batch request")

	// ErrInvalidBatchComposition is returned when a changeset is empty, contains a GET,
	// or declares the same content id twice.
	ErrInvalidBatchComposition = errors.New("invalid batch composition")

	// ErrUnresolvedContentReference is returned when a request references a
	// content id that no earlier member of its changeset declared.
	ErrUnresolvedContentReference = errors.New("unresolved content-id reference")

	// ErrNoResponse is returned when a Transport reports neither a response nor an error.
	ErrNoResponse = errors.New("transport returned no response")

	// ErrBoundaryCollision is returned when no collision-free boundary could be generated.
	ErrBoundaryCollision = errors.New("boundary collision")

	// ErrMalformedBatchResponse is returned when the outer boundary cannot be located.
	ErrMalformedBatchResponse = errors.New("malformed batch response")

	// ErrDecodeFailed marks an individual response part that could not be parsed.
	ErrDecodeFailed = errors.New("batch part decode failed")

	// ErrEmptyBatch is returned when Flush is called without enqueued items.
	ErrEmptyBatch = errors.New("batch has no items")

	// ErrAlreadyFlushed is returned when a settled coordinator is used again.
	ErrAlreadyFlushed = errors.New("batch already flushed")

	// ErrFlushInProgress is returned when Enqueue or Cancel races a running Flush.
	ErrFlushInProgress = errors.New("batch flush in progress")

	// ErrBatchCancelled rejects the handles of a cancelled batch.
	ErrBatchCancelled = errors.New("batch cancelled")

	// ErrNotSettled is returned by Handle.Result before the batch settled.
	ErrNotSettled = errors.New("batch not settled")
)

// CompositionError describes a request or changeset rejected at enqueue time.
type CompositionError struct {
	// Index is the position of the offending request within its changeset, or -1.
	Index  int
	Method string
	Path   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *CompositionError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%v: member %d (%s %s): %s", e.Err, e.Index+1, e.Method, e.Path, e.Reason)
	}
	return fmt.Sprintf("%v: %s %s: %s", e.Err, e.Method, e.Path, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *CompositionError) Unwrap() error {
	return e.Err
}

// DecodeError is the decode-failure marker stored in an Outcome whose
// response part could not be parsed.
type DecodeError struct {
	// Part is the zero-based position of the part in the response.
	Part   int
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: part %d: %s: %v", ErrDecodeFailed, e.Part, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: part %d: %s", ErrDecodeFailed, e.Part, e.Reason)
}

// Unwrap returns the underlying parse error. errors.Is(err, ErrDecodeFailed)
// also matches via Is.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrDecodeFailed.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecodeFailed
}

// StatusError is returned when the outer $batch call answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("batch request failed with status %d", e.StatusCode)
}

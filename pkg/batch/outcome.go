package batch

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Outcome is the result of one request inside a batch. Err is non-nil when
// the corresponding response part could not be decoded; the other fields are
// then zero.
type Outcome struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	ContentID  string
	Err        error
}

// Failed reports whether the outcome carries a decode-failure marker.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Success reports whether the part decoded and has a 2xx status.
func (o Outcome) Success() bool {
	return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (o Outcome) DecodeJSON(v any) error {
	if o.Err != nil {
		return o.Err
	}
	if len(o.Body) == 0 {
		return fmt.Errorf("decode outcome: empty body (status %d)", o.StatusCode)
	}
	if err := json.Unmarshal(o.Body, v); err != nil {
		return fmt.Errorf("decode outcome: %w", err)
	}
	return nil
}

func (o Outcome) clone() Outcome {
	c := o
	c.Header = o.Header.Clone()
	if o.Body != nil {
		c.Body = append([]byte(nil), o.Body...)
	}
	return c
}

func failure(part int, reason string, err error) Outcome {
	return Outcome{Err: &DecodeError{Part: part, Reason: reason, Err: err}}
}

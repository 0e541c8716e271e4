package batch

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Header names used inside batch payloads.
const (
	HeaderContentType             = "Content-Type"
	HeaderContentID               = "Content-ID"
	HeaderContentTransferEncoding = "Content-Transfer-Encoding"
	HeaderContentLength           = "Content-Length"
)

// MethodMerge is the OData v2 partial-update verb.
const MethodMerge = "MERGE"

var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	MethodMerge:       true,
}

// Request describes one logical HTTP operation inside a batch.
//
// Path is either an absolute URL, a path relative to the service root, or a
// content-id reference such as "$1/Lines". The coordinator copies a Request
// when it is enqueued; later changes by the caller have no effect.
type Request struct {
	Method    string
	Path      string
	Header    http.Header
	Body      []byte
	ContentID string
}

// NewRequest creates a validated request.
func NewRequest(method, path string, body []byte) (*Request, error) {
	r := &Request{
		Method: strings.ToUpper(method),
		Path:   path,
		Header: make(http.Header),
		Body:   body,
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetHeader sets a header, replacing existing values. Keys are case-insensitive.
func (r *Request) SetHeader(key, value string) *Request {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)
	return r
}

// AddHeader appends a header value. Duplicates are joined when serialized.
func (r *Request) AddHeader(key, value string) *Request {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Add(key, value)
	return r
}

// WithContentID sets the client-assigned content id.
func (r *Request) WithContentID(id string) *Request {
	r.ContentID = id
	return r
}

// IsRead reports whether the request is a read (GET).
func (r *Request) IsRead() bool {
	return r.Method == http.MethodGet
}

// clone returns a deep copy, so an enqueued request is immutable.
func (r *Request) clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

func (r *Request) validate() error {
	invalid := func(reason string) error {
		return &CompositionError{Index: -1, Method: r.Method, Path: r.Path, Reason: reason, Err: ErrInvalidRequest}
	}

	if !supportedMethods[strings.ToUpper(r.Method)] {
		return invalid("unsupported method")
	}
	if r.Path == "" {
		return invalid("empty path")
	}
	if strings.ContainsAny(r.Path, " \t\r\n") {
		return invalid("path contains whitespace")
	}
	if strings.ContainsAny(r.ContentID, "\r\n") {
		return invalid("content id contains line break")
	}
	for key, values := range r.Header {
		if strings.ContainsAny(key, "\r\n:") {
			return invalid(fmt.Sprintf("invalid header name %q", key))
		}
		for _, v := range values {
			if strings.ContainsAny(v, "\r\n") {
				return invalid(fmt.Sprintf("header %s contains line break", key))
			}
		}
	}
	if _, ok := contentReference(r.Path); ok {
		return nil
	}

	u, err := url.Parse(r.Path)
	if err != nil {
		return invalid(err.Error())
	}
	if u.Scheme != "" && u.Host == "" {
		return invalid("absolute URL without host")
	}
	if u.Scheme == "" && u.Host != "" {
		return invalid("scheme-relative URL")
	}
	return nil
}

// Changeset is an ordered, non-empty group of write requests that the server
// applies atomically.
type Changeset struct {
	requests []*Request
}

// NewChangeset validates and groups requests into a changeset. Members without
// a content id get their 1-based position as id. Every "$id" reference must
// point at an earlier member.
func NewChangeset(requests ...*Request) (*Changeset, error) {
	if len(requests) == 0 {
		return nil, &CompositionError{Index: -1, Reason: "changeset is empty", Err: ErrInvalidBatchComposition}
	}

	members := make([]*Request, len(requests))
	declared := make(map[string]bool, len(requests))

	for i, req := range requests {
		if req == nil {
			return nil, &CompositionError{Index: i, Reason: "nil request", Err: ErrInvalidBatchComposition}
		}
		if err := req.validate(); err != nil {
			return nil, err
		}

		m := req.clone()
		m.Method = strings.ToUpper(m.Method)
		if m.IsRead() {
			return nil, &CompositionError{
				Index: i, Method: m.Method, Path: m.Path,
				Reason: "read requests are not allowed inside a changeset",
				Err:    ErrInvalidBatchComposition,
			}
		}

		if ref, ok := contentReference(m.Path); ok && !declared[ref] {
			return nil, &CompositionError{
				Index: i, Method: m.Method, Path: m.Path,
				Reason: fmt.Sprintf("$%s is not declared by an earlier member", ref),
				Err:    ErrUnresolvedContentReference,
			}
		}

		if m.ContentID == "" {
			m.ContentID = strconv.Itoa(i + 1)
		}
		if declared[m.ContentID] {
			return nil, &CompositionError{
				Index: i, Method: m.Method, Path: m.Path,
				Reason: fmt.Sprintf("duplicate content id %q", m.ContentID),
				Err:    ErrInvalidBatchComposition,
			}
		}
		declared[m.ContentID] = true
		members[i] = m
	}

	return &Changeset{requests: members}, nil
}

// Requests returns copies of the changeset members.
func (c *Changeset) Requests() []*Request {
	out := make([]*Request, len(c.requests))
	for i, r := range c.requests {
		out[i] = r.clone()
	}
	return out
}

// Len returns the number of members.
func (c *Changeset) Len() int {
	return len(c.requests)
}

// contentReference extracts the id from a "$id", "$id/..." or "$id?..." path.
// System resources such as "$metadata" are not references.
func contentReference(path string) (string, bool) {
	if !strings.HasPrefix(path, "$") {
		return "", false
	}
	ref := path[1:]
	if i := strings.IndexAny(ref, "/?("); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return "", false
	}
	switch ref {
	case "metadata", "batch", "entity", "all", "crossjoin", "root":
		return "", false
	}
	return ref, true
}

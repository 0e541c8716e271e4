package batch

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const crlf = "\r\n"

// Item is one envelope entry: a *Request or a *Changeset.
type Item interface {
	isItem()
}

func (*Request) isItem()   {}
func (*Changeset) isItem() {}

// Payload is an encoded batch body plus the boundaries used to build it.
type Payload struct {
	Body                []byte
	Boundary            string
	ChangesetBoundaries []string

	// Regenerations counts boundaries discarded because of collisions.
	Regenerations int
}

// ContentType returns the Content-Type of the outer batch request.
func (p *Payload) ContentType() string {
	return "multipart/mixed; boundary=" + p.Boundary
}

// Encoder serializes envelope items into a multipart/mixed body.
type Encoder struct {
	config      Config
	root        *url.URL
	newBoundary BoundaryFunc
}

// NewEncoder creates an encoder. root is the service root that relative
// request paths are resolved against; it may be nil when all paths are
// absolute or RelativeURLs is set.
func NewEncoder(cfg Config, root *url.URL, gen BoundaryFunc) *Encoder {
	if gen == nil {
		gen = NewBoundary
	}
	if root != nil {
		r := *root
		if !strings.HasSuffix(r.Path, "/") {
			r.Path += "/"
		}
		r.RawQuery = ""
		r.Fragment = ""
		root = &r
	}
	return &Encoder{
		config:      cfg.withDefaults(),
		root:        root,
		newBoundary: gen,
	}
}

// Encode serializes items in order. Bare requests become application/http
// parts; changesets become nested multipart/mixed parts.
func (e *Encoder) Encode(items []Item) (*Payload, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}

	// Serialize the embedded HTTP requests first so boundaries can be
	// checked against every byte they will enclose.
	contents := make([][][]byte, len(items))
	var all [][]byte
	for i, item := range items {
		switch it := item.(type) {
		case *Request:
			raw := e.serializeRequest(it)
			contents[i] = [][]byte{raw}
			all = append(all, raw)
		case *Changeset:
			members := make([][]byte, len(it.requests))
			for j, r := range it.requests {
				members[j] = e.serializeRequest(r)
			}
			contents[i] = members
			all = append(all, members...)
		default:
			return nil, fmt.Errorf("%w: unsupported item type %T", ErrInvalidBatchComposition, item)
		}
	}

	p := &Payload{}
	outer, regen, err := generateBoundary(e.newBoundary, e.config.BoundaryPrefix, all, nil)
	p.Regenerations += regen
	if err != nil {
		return nil, err
	}
	p.Boundary = outer
	taken := []string{outer}

	var buf bytes.Buffer
	for i, item := range items {
		buf.WriteString("--" + outer + crlf)

		switch it := item.(type) {
		case *Request:
			writePartHeaders(&buf, it.ContentID)
			buf.Write(contents[i][0])
		case *Changeset:
			nested, regen, err := generateBoundary(e.newBoundary, e.config.ChangesetBoundaryPrefix, contents[i], taken)
			p.Regenerations += regen
			if err != nil {
				return nil, err
			}
			taken = append(taken, nested)
			p.ChangesetBoundaries = append(p.ChangesetBoundaries, nested)

			buf.WriteString(HeaderContentType + ": multipart/mixed; boundary=" + nested + crlf)
			buf.WriteString(crlf)
			for j, r := range it.requests {
				buf.WriteString("--" + nested + crlf)
				writePartHeaders(&buf, r.ContentID)
				buf.Write(contents[i][j])
				buf.WriteString(crlf)
			}
			buf.WriteString("--" + nested + "--" + crlf)
		}
		buf.WriteString(crlf)
	}
	buf.WriteString("--" + outer + "--" + crlf)

	p.Body = buf.Bytes()
	return p, nil
}

func writePartHeaders(buf *bytes.Buffer, contentID string) {
	buf.WriteString(HeaderContentType + ": application/http" + crlf)
	buf.WriteString(HeaderContentTransferEncoding + ": binary" + crlf)
	if contentID != "" {
		buf.WriteString(HeaderContentID + ": " + contentID + crlf)
	}
	buf.WriteString(crlf)
}

// serializeRequest renders the request line, sorted headers, a blank line and
// the body.
func (e *Encoder) serializeRequest(r *Request) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(r.Method) + " " + e.target(r.Path) + " HTTP/1.1" + crlf)

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := r.Header[k]
		if len(values) == 0 {
			continue
		}
		buf.WriteString(k + ": " + strings.Join(values, ", ") + crlf)
	}
	if len(r.Body) > 0 && r.Header.Get(HeaderContentLength) == "" {
		buf.WriteString(HeaderContentLength + ": " + strconv.Itoa(len(r.Body)) + crlf)
	}
	buf.WriteString(crlf)
	buf.Write(r.Body)
	return buf.Bytes()
}

// target returns the request-target written on the part's request line.
func (e *Encoder) target(path string) string {
	if _, ok := contentReference(path); ok {
		return path
	}

	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		if e.config.RelativeURLs && e.root != nil {
			if rel, ok := strings.CutPrefix(path, e.root.String()); ok {
				return rel
			}
		}
		return path
	}

	rel := strings.TrimPrefix(path, "/")
	if e.config.RelativeURLs || e.root == nil {
		return rel
	}
	return e.root.String() + rel
}

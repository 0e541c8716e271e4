package batch

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Response is the raw result of the outer batch call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs the single network call of a batch.
type Transport interface {
	Send(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	return f(ctx, method, url, header, body)
}

// State is the lifecycle state of a Coordinator.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateEncoding
	StateInFlight
	StateDecoding
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateEncoding:
		return "encoding"
	case StateInFlight:
		return "in_flight"
	case StateDecoding:
		return "decoding"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger.With().Str("batch_id", c.id).Logger()
	}
}

// WithBoundaryFunc overrides boundary generation.
func WithBoundaryFunc(gen BoundaryFunc) Option {
	return func(c *Coordinator) {
		c.newBoundary = gen
	}
}

// SettleFunc observes a settled request with its outcome.
type SettleFunc func(ctx context.Context, req *Request, o Outcome)

// WithSettleFunc registers fn to run for every request, in enqueue order,
// after a successful Flush resolved the handles.
func WithSettleFunc(fn SettleFunc) Option {
	return func(c *Coordinator) {
		c.onSettle = append(c.onSettle, fn)
	}
}

// Coordinator collects requests for one $batch call, sends them, and
// resolves every handle with its outcome. A Coordinator is single-use.
type Coordinator struct {
	mu          sync.Mutex
	id          string
	config      Config
	root        *url.URL
	transport   Transport
	newBoundary BoundaryFunc
	logger      zerolog.Logger
	onSettle    []SettleFunc

	state   State
	items   []Item
	handles [][]*Handle
	count   int
}

// NewCoordinator creates a coordinator for the service at rootURL.
func NewCoordinator(rootURL string, transport Transport, cfg Config, opts ...Option) (*Coordinator, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("parse root url: %w", err)
	}
	if !root.IsAbs() || root.Host == "" {
		return nil, fmt.Errorf("root url must be absolute (got %q)", rootURL)
	}
	if !strings.HasSuffix(root.Path, "/") {
		root.Path += "/"
	}

	id := ulid.Make().String()
	c := &Coordinator{
		id:          id,
		config:      cfg.withDefaults(),
		root:        root,
		transport:   transport,
		newBoundary: NewBoundary,
		logger:      log.With().Str("component", "odata-batch").Str("batch_id", id).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID returns the batch id used in logs.
func (c *Coordinator) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Len returns the number of enqueued requests, counting changeset members.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Endpoint returns the URL of the batch resource.
func (c *Coordinator) Endpoint() string {
	return c.root.String() + strings.TrimPrefix(c.config.Endpoint, "/")
}

// Enqueue adds a bare request. The request is copied; it is validated before
// anything is appended.
func (c *Coordinator) Enqueue(req *Request) (*Handle, error) {
	if req == nil {
		return nil, &CompositionError{Index: -1, Reason: "nil request", Err: ErrInvalidRequest}
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	r := req.clone()
	r.Method = strings.ToUpper(r.Method)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.acceptingLocked(); err != nil {
		return nil, err
	}
	if err := c.checkReferenceLocked(r); err != nil {
		return nil, err
	}

	h := newHandle(c.count)
	c.items = append(c.items, r)
	c.handles = append(c.handles, []*Handle{h})
	c.count++
	c.state = StateCollecting
	return h, nil
}

// EnqueueChangeset adds a changeset and returns one handle per member, in
// member order.
func (c *Coordinator) EnqueueChangeset(cs *Changeset) ([]*Handle, error) {
	if cs == nil || len(cs.requests) == 0 {
		return nil, &CompositionError{Index: -1, Reason: "changeset is empty", Err: ErrInvalidBatchComposition}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.acceptingLocked(); err != nil {
		return nil, err
	}

	hs := make([]*Handle, len(cs.requests))
	for i := range hs {
		hs[i] = newHandle(c.count + i)
	}
	c.items = append(c.items, &Changeset{requests: cs.Requests()})
	c.handles = append(c.handles, hs)
	c.count += len(hs)
	c.state = StateCollecting
	return hs, nil
}

// EnqueueRequests builds a changeset from requests and enqueues it.
func (c *Coordinator) EnqueueRequests(requests ...*Request) ([]*Handle, error) {
	cs, err := NewChangeset(requests...)
	if err != nil {
		return nil, err
	}
	return c.EnqueueChangeset(cs)
}

// checkReferenceLocked rejects a bare request whose path is a "$id"
// reference. Outside a changeset the id can never resolve. With
// UseChangeset a write may reference the run of bare writes it joins.
func (c *Coordinator) checkReferenceLocked(r *Request) error {
	ref, ok := contentReference(r.Path)
	if !ok {
		return nil
	}
	unresolved := func(reason string) error {
		return &CompositionError{Index: -1, Method: r.Method, Path: r.Path, Reason: reason, Err: ErrUnresolvedContentReference}
	}
	if !c.config.UseChangeset || r.IsRead() {
		return unresolved(fmt.Sprintf("$%s can only be resolved inside a changeset", ref))
	}

	start := len(c.items)
	for start > 0 {
		prev, ok := c.items[start-1].(*Request)
		if !ok || prev.IsRead() {
			break
		}
		start--
	}
	for i, item := range c.items[start:] {
		prev := item.(*Request)
		id := prev.ContentID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		if id == ref {
			return nil
		}
	}
	return unresolved(fmt.Sprintf("$%s is not declared by an earlier write in the same run", ref))
}

func (c *Coordinator) acceptingLocked() error {
	switch c.state {
	case StateIdle, StateCollecting:
		return nil
	case StateSettled:
		return ErrAlreadyFlushed
	default:
		return ErrFlushInProgress
	}
}

// Cancel discards the envelope and rejects every handle with
// ErrBatchCancelled. It is not possible once Flush has started.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	switch c.state {
	case StateSettled:
		c.mu.Unlock()
		return ErrAlreadyFlushed
	case StateEncoding, StateInFlight, StateDecoding:
		c.mu.Unlock()
		return ErrFlushInProgress
	}
	handles, count := c.handles, c.count
	c.items = nil
	c.handles = nil
	c.state = StateSettled
	c.mu.Unlock()

	for _, group := range handles {
		for _, h := range group {
			h.settle(Outcome{}, ErrBatchCancelled)
		}
	}
	batchesTotal.WithLabelValues(resultCancelled).Inc()
	c.logger.Debug().Int("requests", count).Msg("Batch cancelled")
	return nil
}

// Flush encodes the envelope, performs the network call, decodes the
// response and resolves every handle. The returned outcomes follow enqueue
// order, one per request. If the call itself fails every handle is rejected
// with the same error.
func (c *Coordinator) Flush(ctx context.Context) ([]Outcome, error) {
	c.mu.Lock()
	if err := c.acceptingLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if len(c.items) == 0 {
		c.state = StateSettled
		c.mu.Unlock()
		return nil, ErrEmptyBatch
	}
	c.state = StateEncoding
	items, handles, count := c.items, c.handles, c.count
	c.mu.Unlock()

	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()
	batchRequests.Observe(float64(count))

	// Step 1: Encode
	wire, groups := c.compose(items, handles)
	payload, err := NewEncoder(c.config, c.root, c.newBoundary).Encode(wire)
	if payload != nil {
		boundaryRegenerations.Add(float64(payload.Regenerations))
	}
	if err != nil {
		return nil, c.fail(handles, resultEncodeError, fmt.Errorf("encode batch: %w", err))
	}
	if payload.Regenerations > 0 {
		c.logger.Debug().Int("regenerations", payload.Regenerations).Msg("Boundary regenerated after collision")
	}

	// Step 2: Send
	c.setState(StateInFlight)
	header := c.config.Header.Clone()
	header.Set(HeaderContentType, payload.ContentType())

	c.logger.Debug().
		Str("endpoint", c.Endpoint()).
		Int("items", len(wire)).
		Int("requests", count).
		Int("bytes", len(payload.Body)).
		Msg("Sending batch")

	resp, err := c.transport.Send(ctx, http.MethodPost, c.Endpoint(), header, payload.Body)
	if err != nil {
		return nil, c.fail(handles, resultTransportError, fmt.Errorf("send batch: %w", err))
	}
	if resp == nil {
		return nil, c.fail(handles, resultTransportError, fmt.Errorf("send batch: %w", ErrNoResponse))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.fail(handles, resultStatusError, &StatusError{StatusCode: resp.StatusCode, Body: resp.Body})
	}

	// Step 3: Decode
	c.setState(StateDecoding)
	boundary := responseBoundary(resp.Header, payload.Boundary)
	parts, err := decodeParts(resp.Body, boundary)
	if err != nil {
		return nil, c.fail(handles, resultMalformed, err)
	}
	if len(parts) > len(groups) {
		c.logger.Warn().
			Int("expected", len(groups)).
			Int("received", len(parts)).
			Msg("Batch response has more parts than requests")
	}

	// Step 4: Settle
	outcomes := align(parts, groups, count)
	failures := 0
	for _, o := range outcomes {
		if o.Failed() {
			failures++
		}
	}
	batchPartFailures.Add(float64(failures))

	c.setState(StateSettled)
	for _, g := range groups {
		for _, h := range g.handles {
			o := outcomes[h.index]
			h.settle(o, o.Err)
		}
	}
	batchesTotal.WithLabelValues(resultSuccess).Inc()

	event := c.logger.Info()
	if failures > 0 {
		event = c.logger.Warn().Int("decode_failures", failures)
	}
	event.
		Int("requests", count).
		Int("parts", len(parts)).
		Dur("duration", time.Since(start)).
		Msg("Batch settled")

	if len(c.onSettle) > 0 {
		requests := flatten(items)
		for i, o := range outcomes {
			for _, fn := range c.onSettle {
				fn(ctx, requests[i], o)
			}
		}
	}
	return outcomes, nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// fail settles every handle with err.
func (c *Coordinator) fail(handles [][]*Handle, result string, err error) error {
	c.setState(StateSettled)
	for _, group := range handles {
		for _, h := range group {
			h.settle(Outcome{}, err)
		}
	}
	batchesTotal.WithLabelValues(result).Inc()
	c.logger.Error().Err(err).Str("result", result).Msg("Batch failed")
	return err
}

// group ties one wire item to the handles it resolves.
type group struct {
	handles    []*Handle
	changeset  bool
	contentIDs []string
}

// compose returns the wire items and their handle groups. With UseChangeset,
// runs of consecutive bare write requests become implicit changesets; wire
// order is unchanged.
func (c *Coordinator) compose(items []Item, handles [][]*Handle) ([]Item, []group) {
	var wire []Item
	var groups []group

	var run []*Request
	var runHandles []*Handle
	flushRun := func() {
		defer func() { run, runHandles = nil, nil }()
		if len(run) == 0 {
			return
		}
		if cs, err := NewChangeset(run...); err == nil {
			wire = append(wire, cs)
			groups = append(groups, group{handles: runHandles, changeset: true, contentIDs: contentIDs(cs)})
			return
		}
		for i, r := range run {
			wire = append(wire, r)
			groups = append(groups, group{handles: []*Handle{runHandles[i]}})
		}
	}

	for i, item := range items {
		switch it := item.(type) {
		case *Request:
			if c.config.UseChangeset && !it.IsRead() {
				run = append(run, it)
				runHandles = append(runHandles, handles[i][0])
				continue
			}
			flushRun()
			wire = append(wire, it)
			groups = append(groups, group{handles: handles[i]})
		case *Changeset:
			flushRun()
			wire = append(wire, it)
			groups = append(groups, group{handles: handles[i], changeset: true, contentIDs: contentIDs(it)})
		}
	}
	flushRun()
	return wire, groups
}

// flatten lists the enqueued requests in enqueue order.
func flatten(items []Item) []*Request {
	var out []*Request
	for _, item := range items {
		switch it := item.(type) {
		case *Request:
			out = append(out, it)
		case *Changeset:
			out = append(out, it.requests...)
		}
	}
	return out
}

func contentIDs(cs *Changeset) []string {
	ids := make([]string, len(cs.requests))
	for i, r := range cs.requests {
		ids[i] = r.ContentID
	}
	return ids
}

// align maps decoded parts onto handles. The result has one outcome per
// request, indexed by enqueue position.
func align(parts []part, groups []group, count int) []Outcome {
	out := make([]Outcome, count)

	for gi, g := range groups {
		if gi >= len(parts) {
			for _, h := range g.handles {
				out[h.index] = failure(gi, "missing response part", nil)
			}
			continue
		}
		p := parts[gi]

		if !g.changeset {
			if p.changeset {
				out[g.handles[0].index] = failure(gi, "changeset response for a single request", nil)
				continue
			}
			out[g.handles[0].index] = p.outcome
			continue
		}

		// A single part answering a changeset is the atomic failure of the
		// whole changeset (or its decode failure); every member shares it.
		if !p.changeset {
			for _, h := range g.handles {
				out[h.index] = p.outcome.clone()
			}
			continue
		}

		members := matchMembers(p.members, g.contentIDs, gi)
		for i, h := range g.handles {
			out[h.index] = members[i]
		}
	}
	return out
}

// matchMembers orders changeset member outcomes by content id when every
// response member carries a distinct known id, otherwise by position.
func matchMembers(received []Outcome, ids []string, gi int) []Outcome {
	out := make([]Outcome, len(ids))

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	byID := len(received) > 0
	seen := make(map[string]bool, len(received))
	for _, r := range received {
		if _, ok := index[r.ContentID]; !ok || seen[r.ContentID] || r.Failed() {
			byID = false
			break
		}
		seen[r.ContentID] = true
	}

	filled := make([]bool, len(ids))
	if byID {
		for _, r := range received {
			i := index[r.ContentID]
			out[i] = r
			filled[i] = true
		}
	} else {
		for i := range ids {
			if i < len(received) {
				out[i] = received[i]
				filled[i] = true
			}
		}
	}
	for i := range out {
		if !filled[i] {
			out[i] = failure(gi, fmt.Sprintf("missing response for changeset member %d", i+1), nil)
		}
	}
	return out
}

// responseBoundary returns the boundary announced by the response, falling
// back to the request boundary.
func responseBoundary(header http.Header, fallback string) string {
	mediaType, params, err := mime.ParseMediaType(header.Get(HeaderContentType))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		return params["boundary"]
	}
	return fallback
}

// Handle is the pending result of one enqueued request.
type Handle struct {
	index   int
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func newHandle(index int) *Handle {
	return &Handle{index: index, done: make(chan struct{})}
}

// Index returns the request position in enqueue order.
func (h *Handle) Index() int {
	return h.index
}

// Done is closed once the handle is settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the settled outcome without blocking. It returns
// ErrNotSettled before the batch settled. For a part that failed to decode,
// the error is the outcome's *DecodeError.
func (h *Handle) Result() (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	default:
		return Outcome{}, ErrNotSettled
	}
}

// Wait blocks until the handle is settled or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (h *Handle) settle(o Outcome, err error) {
	h.once.Do(func() {
		h.outcome = o
		h.err = err
		close(h.done)
	})
}

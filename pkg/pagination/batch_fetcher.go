package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/odata-client/pkg/batch"
	"github.com/Sternrassler/odata-client/pkg/query"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrPageFailed marks pages whose batch part failed. The remaining pages
// are still returned.
var ErrPageFailed = errors.New("page fetch failed")

// Config holds batch fetcher configuration
type Config struct {
	// PageSize is the $top of every page
	PageSize int

	// PagesPerBatch is the number of page requests packed into one $batch call
	PagesPerBatch int

	// MaxConcurrency is the maximum number of $batch calls in flight
	MaxConcurrency int

	// Timeout per $batch call
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:       100,
		PagesPerBatch:  10,
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
	}
}

// Backend is what the fetcher needs from the OData client.
type Backend interface {
	GetJSON(ctx context.Context, resource string, opts *query.Options, v any) error
	NewBatch(opts ...batch.Option) (*batch.Coordinator, error)
}

// Page is one fetched page of a collection.
type Page struct {
	// Number is 1-based
	Number int
	Skip   int
	Items  []json.RawMessage
	Err    error
}

// Result holds all pages in order.
type Result struct {
	// Total is the server-side count, or -1 when the service sent none
	Total int
	Pages []Page
}

// Items returns the items of all successful pages in order.
func (r *Result) Items() []json.RawMessage {
	var items []json.RawMessage
	for _, p := range r.Pages {
		if p.Err == nil {
			items = append(items, p.Items...)
		}
	}
	return items
}

// Err joins the errors of failed pages, or nil.
func (r *Result) Err() error {
	var errs []error
	for _, p := range r.Pages {
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}
	return errors.Join(errs...)
}

// collection is a JSON collection response. v3 services spell the count
// without the "@".
type collection struct {
	Value       []json.RawMessage `json:"value"`
	Count       *int              `json:"@odata.count"`
	LegacyCount *int              `json:"odata.count"`
}

func (c *collection) count() (int, bool) {
	if c.Count != nil {
		return *c.Count, true
	}
	if c.LegacyCount != nil {
		return *c.LegacyCount, true
	}
	return 0, false
}

// BatchFetcher fetches all pages of a collection, packing page requests into
// $batch calls.
type BatchFetcher struct {
	backend Backend
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(backend Backend, config Config) *BatchFetcher {
	def := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.PagesPerBatch <= 0 {
		config.PagesPerBatch = def.PagesPerBatch
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &BatchFetcher{
		backend: backend,
		config:  config,
	}
}

// FetchAll fetches every page of resource. opts may narrow the collection;
// its Skip is the starting offset and its Top caps the number of items.
//
// Page 1 is requested directly with $count=true. When the count is known the
// remaining pages are fetched in parallel batches; otherwise batches run one
// after another until a short page arrives. Part failures are recorded on
// their page, see Result.Err. A failed $batch call aborts the fetch.
func (bf *BatchFetcher) FetchAll(ctx context.Context, resource string, opts *query.Options) (*Result, error) {
	start := time.Now()

	var base query.Options
	if opts != nil {
		base = *opts
	}
	offset := 0
	if base.Skip != nil {
		offset = *base.Skip
	}
	limit := -1
	if base.Top != nil {
		limit = *base.Top
	}

	first := bf.pageOptions(base, offset, bf.pageTop(0, limit))
	first.Count = true

	var coll collection
	if err := bf.backend.GetJSON(ctx, resource, &first, &coll); err != nil {
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}

	result := &Result{Total: -1}
	result.Pages = append(result.Pages, Page{Number: 1, Skip: offset, Items: coll.Value})

	total, counted := coll.count()
	if counted {
		result.Total = total
	}

	log.Info().
		Str("resource", resource).
		Int("total", result.Total).
		Int("page_size", bf.config.PageSize).
		Msg("Starting batched page fetch")

	if len(coll.Value) < bf.config.PageSize || (limit >= 0 && len(coll.Value) >= limit) {
		bf.logComplete(resource, result, start)
		return result, nil
	}

	var err error
	if counted {
		err = bf.fetchCounted(ctx, resource, base, offset, limit, total, result)
	} else {
		err = bf.fetchUntilShort(ctx, resource, base, offset, limit, result)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("resource", resource).
			Int("fetched_pages", len(result.Pages)).
			Msg("Batched page fetch aborted")
		return result, err
	}

	bf.logComplete(resource, result, start)
	return result, nil
}

// fetchCounted plans all remaining pages up front and runs their batches
// concurrently.
func (bf *BatchFetcher) fetchCounted(ctx context.Context, resource string, base query.Options, offset, limit, total int, result *Result) error {
	end := total
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}

	var pages []Page
	for skip := offset + bf.config.PageSize; skip < end; skip += bf.config.PageSize {
		pages = append(pages, Page{Number: len(result.Pages) + len(pages) + 1, Skip: skip})
	}
	if len(pages) == 0 {
		return nil
	}

	var fetched atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.config.MaxConcurrency)

	for lo := 0; lo < len(pages); lo += bf.config.PagesPerBatch {
		chunk := pages[lo:min(lo+bf.config.PagesPerBatch, len(pages))]
		g.Go(func() error {
			if err := bf.fetchBatch(gctx, resource, base, offset, limit, chunk); err != nil {
				return err
			}
			n := fetched.Add(int64(len(chunk)))
			log.Debug().
				Int64("fetched", n).
				Int("planned", len(pages)).
				Msg("Fetch progress")
			return nil
		})
	}

	err := g.Wait()
	result.Pages = append(result.Pages, pages...)
	return err
}

// fetchUntilShort runs one batch at a time until a page has fewer items
// than PageSize.
func (bf *BatchFetcher) fetchUntilShort(ctx context.Context, resource string, base query.Options, offset, limit int, result *Result) error {
	skip := offset + bf.config.PageSize
	for {
		chunk := make([]Page, 0, bf.config.PagesPerBatch)
		for i := 0; i < bf.config.PagesPerBatch; i++ {
			if limit >= 0 && skip >= offset+limit {
				break
			}
			chunk = append(chunk, Page{Number: len(result.Pages) + len(chunk) + 1, Skip: skip})
			skip += bf.config.PageSize
		}
		if len(chunk) == 0 {
			return nil
		}

		if err := bf.fetchBatch(ctx, resource, base, offset, limit, chunk); err != nil {
			result.Pages = append(result.Pages, chunk...)
			return err
		}

		failed := 0
		for _, p := range chunk {
			result.Pages = append(result.Pages, p)
			if p.Err != nil {
				failed++
				continue
			}
			if len(p.Items) < bf.config.PageSize {
				return nil
			}
		}
		// Without a count a failing service would be paged forever.
		if failed == len(chunk) {
			return fmt.Errorf("%w: every page of batch failed", ErrPageFailed)
		}
	}
}

// fetchBatch sends the pages of chunk as one $batch call and fills in their
// items or part errors.
func (bf *BatchFetcher) fetchBatch(ctx context.Context, resource string, base query.Options, offset, limit int, chunk []Page) error {
	coord, err := bf.backend.NewBatch()
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	for _, p := range chunk {
		pageOpts := bf.pageOptions(base, p.Skip, bf.pageTop(p.Skip-offset, limit))
		req, err := batch.NewRequest(http.MethodGet, pageOpts.AppendTo(resource), nil)
		if err != nil {
			return fmt.Errorf("page %d: %w", p.Number, err)
		}
		req.SetHeader("Accept", "application/json")
		if _, err := coord.Enqueue(req); err != nil {
			return fmt.Errorf("page %d: %w", p.Number, err)
		}
	}

	batchCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()

	outcomes, err := coord.Flush(batchCtx)
	if err != nil {
		return fmt.Errorf("pages %d-%d: %w", chunk[0].Number, chunk[len(chunk)-1].Number, err)
	}

	for i, o := range outcomes {
		chunk[i].Items, chunk[i].Err = decodePage(chunk[i].Number, o)
		if chunk[i].Err != nil {
			log.Warn().
				Err(chunk[i].Err).
				Int("page", chunk[i].Number).
				Msg("Page fetch failed")
		}
	}
	return nil
}

func decodePage(number int, o batch.Outcome) ([]json.RawMessage, error) {
	if o.Err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrPageFailed, number, o.Err)
	}
	if !o.Success() {
		return nil, fmt.Errorf("%w: page %d: status %d", ErrPageFailed, number, o.StatusCode)
	}
	var coll collection
	if err := o.DecodeJSON(&coll); err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrPageFailed, number, err)
	}
	return coll.Value, nil
}

// pageOptions copies base with the page window applied. $count is only
// requested on the first page.
func (bf *BatchFetcher) pageOptions(base query.Options, skip, top int) query.Options {
	o := base
	o.Count = false
	o.Skip = nil
	if skip > 0 {
		o.Skip = query.Int(skip)
	}
	o.Top = query.Int(top)
	return o
}

// pageTop returns the $top of the page starting consumed items into the
// window, shrunk so the last page does not exceed limit.
func (bf *BatchFetcher) pageTop(consumed, limit int) int {
	if limit >= 0 && limit-consumed < bf.config.PageSize {
		return max(limit-consumed, 0)
	}
	return bf.config.PageSize
}

func (bf *BatchFetcher) logComplete(resource string, result *Result, start time.Time) {
	log.Info().
		Str("resource", resource).
		Int("pages", len(result.Pages)).
		Int("items", len(result.Items())).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")
}

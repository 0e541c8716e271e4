// Package pagination fetches complete OData collections by packing page
// requests into $batch calls.
//
// OData services page collections with $top/$skip and report the total with
// $count=true. This package requests the first page directly, then plans the
// remaining pages and sends them in batches, several batches in parallel.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(odataClient, pagination.DefaultConfig())
//	result, err := fetcher.FetchAll(ctx, "Products", &query.Options{Filter: "Discontinued eq false"})
//	if err != nil {
//		return err
//	}
//	items := result.Items()
//
// The batch fetcher:
//   - Fetches page 1 with $count=true to learn the total
//   - Packs PagesPerBatch page requests into one $batch call
//   - Runs up to MaxConcurrency batch calls at once (errgroup)
//   - Returns pages in order, failed parts marked on their page
//
// Services that do not report a count are paged one batch at a time until a
// short page arrives.
package pagination

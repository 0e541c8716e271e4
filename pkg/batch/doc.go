// Package batch combines many OData requests into one multipart/mixed $batch
// call and resolves each request with its own outcome.
//
// A Coordinator collects bare requests and changesets, encodes them into a
// single envelope, sends it through a Transport and decodes the response.
// Every enqueued request gets a Handle; handles settle when the batch does.
//
// # Basic Usage
//
//	c, err := batch.NewCoordinator("https://example.com/odata/", transport, batch.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	get, _ := batch.NewRequest(http.MethodGet, "Products(1)", nil)
//	product, _ := c.Enqueue(get)
//
//	order, _ := batch.NewRequest(http.MethodPost, "Orders", orderJSON)
//	line, _ := batch.NewRequest(http.MethodPost, "$1/Lines", lineJSON)
//	members, _ := c.EnqueueRequests(order, line)
//
//	if _, err := c.Flush(ctx); err != nil {
//		// The call itself failed; every handle carries err.
//	}
//
//	o, err := product.Result()
//
// # Changesets
//
// A changeset is applied atomically by the server. It may not contain GET
// requests and its members may reference earlier members by content id
// ("$1/Lines"). If the server answers a changeset with a single error part,
// every member handle receives that error response.
//
// # Failure Isolation
//
// A response part that cannot be parsed does not fail the batch: its handle
// settles with an Outcome whose Err is a *DecodeError (errors.Is
// ErrDecodeFailed). Only a transport error, a non-2xx status or a missing
// outer boundary rejects all handles together.
//
// # Metrics
//
//   - odata_batches_total{result} - Flushed or cancelled batches
//   - odata_batch_requests - Requests per flushed batch
//   - odata_batch_duration_seconds - Flush latency
//   - odata_batch_part_decode_failures_total - Parts that failed to decode
//   - odata_batch_boundary_regenerations_total - Boundaries regenerated after a collision
package batch

// Package cache provides HTTP response caching for OData reads with a Redis
// backend.
//
// The cache manager implements the following:
//
// - Freshness from Cache-Control max-age, then Expires, then DefaultTTL
// - ETag support for conditional requests (If-None-Match)
// - Last-Modified support (If-Modified-Since)
// - Stale entries kept for revalidation after they expire
// - Per-resource invalidation after writes
// - Deterministic cache keys, hashed with xxhash when they get long
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.KeyFromURL(root, req.URL)
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the service
//	}
//
// # Conditional Requests
//
//	if entry, err := manager.Lookup(ctx, key); err == nil && entry.IsExpired() {
//		cache.AddConditionalHeaders(req, entry)
//		// a 304 answer means the stale entry is still valid
//	}
//
// # Metrics
//
//   - odata_cache_hits_total{state} - Cache hits (fresh, revalidated)
//   - odata_cache_misses_total - Cache misses
//   - odata_cache_size_bytes - Bytes written
//   - odata_304_responses_total - Conditional request successes
//   - odata_conditional_requests_total - Conditional requests sent
//   - odata_cache_errors_total{operation} - Cache operation errors
package cache

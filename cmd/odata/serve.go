package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/odata-client/pkg/batch"
	"github.com/Sternrassler/odata-client/pkg/client"
	"github.com/Sternrassler/odata-client/pkg/logging"
	"github.com/Sternrassler/odata-client/pkg/metrics"
	"github.com/Sternrassler/odata-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// maxBatchBody caps the JSON body of POST /batch.
const maxBatchBody = 4 << 20

// forwardedHeaders are copied from gateway requests to the service.
var forwardedHeaders = []string{"Accept", "Content-Type", "If-Match", "If-None-Match", "Prefer"}

func newServeCmd(global *globalOptions) *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a caching OData gateway with a JSON batch endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.NewLogger("odata-cli")

			cfg, err := global.clientConfig()
			if err != nil {
				return err
			}

			var redisClient *redis.Client
			if cfg.RedisURL != "" {
				opts, err := redis.ParseURL(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("parse redis url: %w", err)
				}
				redisClient = redis.NewClient(opts)
				defer redisClient.Close()

				if err := redisClient.Ping(cmd.Context()).Err(); err != nil {
					return fmt.Errorf("connect to redis: %w", err)
				}
				logger.Info().Str("redis", opts.Addr).Msg("Connected to Redis")
				cfg.Redis = redisClient
			}

			c, err := client.New(cfg)
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			defer c.Close()

			srv := &http.Server{
				Addr:              addr,
				Handler:           newServerMux(c, redisClient, timeout, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info().
					Str("addr", addr).
					Str("root_url", c.RootURL()).
					Msg("Starting OData gateway")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			logger.Info().Msg("Shutting down OData gateway")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":"+getEnv("PORT", "8080"), "listen address")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout per proxied request or batch")
	return cmd
}

func newServerMux(c *client.Client, redisClient *redis.Client, timeout time.Duration, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(redisClient))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/odata/", proxyHandler(c, timeout, logger))
	mux.HandleFunc("POST /batch", batchHandler(c, timeout, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// readyHandler reports 503 while Redis is unreachable. Without Redis the
// gateway is always ready.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// proxyHandler forwards /odata/<resource> to the service through the client,
// so gateway traffic is cached and throttle-gated.
func proxyHandler(c *client.Client, timeout time.Duration, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// /odata/Products(1)?$select=Name -> Products(1)?$select=Name
		resource := strings.TrimPrefix(r.URL.EscapedPath(), "/odata/")
		target := c.ResolveURL(resource)
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, key := range forwardedHeaders {
			if v := r.Header.Get(key); v != "" {
				req.Header.Set(key, v)
			}
		}

		resp, err := c.Do(req)
		if err != nil {
			writeUpstreamError(w, err, logger)
			return
		}
		defer resp.Body.Close()

		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Warn().Err(err).Str("resource", resource).Msg("Failed to write response")
		}
	}
}

// batchHandler runs a JSON list of requests as one $batch call and answers
// with one outcome per request.
func batchHandler(c *client.Client, timeout time.Duration, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []batchItem
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody)).Decode(&items); err != nil {
			http.Error(w, fmt.Sprintf("invalid batch body: %v", err), http.StatusBadRequest)
			return
		}
		if len(items) == 0 {
			http.Error(w, "batch has no requests", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		views, err := runBatch(ctx, c, items)
		if err != nil {
			writeUpstreamError(w, err, logger)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			logger.Warn().Err(err).Msg("Failed to write batch response")
		}
	}
}

// writeUpstreamError maps client and batch errors to gateway statuses.
func writeUpstreamError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	status := http.StatusBadGateway

	var throttled *ratelimit.ThrottledError
	var odErr *client.ODataError
	var compErr *batch.CompositionError
	switch {
	case errors.As(err, &throttled):
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(throttled.RetryAfter.Seconds()))))
	case errors.Is(err, ratelimit.ErrThrottled):
		status = http.StatusTooManyRequests
	case errors.As(err, &odErr) && odErr.StatusCode > 0:
		status = odErr.StatusCode
	case errors.As(err, &compErr):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	logger.Warn().Err(err).Int("status", status).Msg("Upstream request failed")
	http.Error(w, err.Error(), status)
}

// Command odata queries OData services and runs $batch requests from the
// command line or as a small HTTP gateway.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/odata-client/pkg/client"
	"github.com/Sternrassler/odata-client/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	rootURL    string
	configPath string
	redisURL   string
	logLevel   string
	userAgent  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:          "odata",
		Short:        "OData client with $batch support",
		Long:         "odata reads OData collections, runs $batch definitions and serves a caching OData gateway.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.Setup(logging.ConfigFor(opts.logLevel, cmd.ErrOrStderr()))
		},
		Example: `  # Read two products
  odata get Products --top 2 --select Id,Name

  # Read a whole collection through paged $batch calls
  odata get Products --all --page-size 200

  # Run a batch definition
  odata batch requests.yaml

  # Serve the gateway on :8080
  odata serve --addr :8080`,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.rootURL, "root-url", getEnv("ODATA_ROOT_URL", ""), "OData service root URL")
	flags.StringVar(&opts.configPath, "config", getEnv("ODATA_CONFIG", ""), "YAML client configuration file")
	flags.StringVar(&opts.redisURL, "redis-url", getEnv("REDIS_URL", ""), "Redis URL for caching and throttle tracking")
	flags.StringVar(&opts.logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&opts.userAgent, "user-agent", getEnv("USER_AGENT", ""), "User-Agent header")

	cmd.AddCommand(newGetCmd(opts), newBatchCmd(opts), newServeCmd(opts))
	return cmd
}

// clientConfig assembles the client configuration: defaults, then the YAML
// file, then flags and environment.
func (o *globalOptions) clientConfig() (client.Config, error) {
	cfg := client.DefaultConfig(o.rootURL)
	if o.configPath != "" {
		loaded, err := client.LoadConfig(o.configPath, cfg)
		if err != nil {
			return client.Config{}, err
		}
		cfg = loaded
	}
	if o.rootURL != "" {
		cfg.RootURL = o.rootURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.userAgent != "" {
		cfg.UserAgent = o.userAgent
	}
	return cfg, nil
}

func (o *globalOptions) newClient(mutate ...func(*client.Config)) (*client.Client, error) {
	cfg, err := o.clientConfig()
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := client.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

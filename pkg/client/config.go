package client

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/Sternrassler/odata-client/pkg/batch"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config holds the client configuration. It is validated once by New and
// never mutated afterwards.
type Config struct {
	// RootURL is the service root, e.g. "https://host/service/".
	// A missing trailing slash is added.
	RootURL string `yaml:"root_url"`

	// Header holds default headers of single requests. Keys already set on a
	// request are left alone.
	Header http.Header `yaml:"headers"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent"`

	Timeout time.Duration `yaml:"timeout"`

	// ODataVersion is the protocol version the client speaks ("4.0", "2.0").
	// Responses announcing another major version are logged.
	ODataVersion string `yaml:"odata_version"`

	// Retry. MaxRetries 0 disables retrying.
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// Redis enables the response cache and throttle tracking. When nil and
	// RedisURL is set, New connects itself.
	Redis    *redis.Client `yaml:"-"`
	RedisURL string        `yaml:"redis_url"`

	// CacheEnabled toggles the GET response cache. Needs Redis.
	CacheEnabled bool `yaml:"cache"`

	// MaxThrottleWait is how long a request may sleep for an active server
	// throttle before it is rejected.
	MaxThrottleWait time.Duration `yaml:"max_throttle_wait"`

	// Batch is copied into every coordinator created by NewBatch.
	Batch batch.Config `yaml:"batch"`
}

// DefaultConfig returns a safe default configuration for the service at rootURL.
func DefaultConfig(rootURL string) Config {
	return Config{
		RootURL: rootURL,
		Header: http.Header{
			"Accept":       []string{"application/json"},
			"Content-Type": []string{"application/json"},
		},
		UserAgent:       "odata-client/1.0",
		Timeout:         30 * time.Second,
		ODataVersion:    "4.0",
		MaxRetries:      0,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		CacheEnabled:    true,
		MaxThrottleWait: 2 * time.Second,
		Batch:           batch.DefaultConfig(),
	}
}

// LoadConfig overlays the YAML file at path onto base. Keys missing from the
// file keep their base value.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := base
	cfg.Header = base.Header.Clone()
	cfg.Batch.Header = base.Batch.Header.Clone()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Header = canonicalHeader(cfg.Header)
	cfg.Batch.Header = canonicalHeader(cfg.Batch.Header)
	return cfg, nil
}

// canonicalHeader re-keys h, since YAML keys arrive as written.
func canonicalHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, v := range h {
		key := http.CanonicalHeaderKey(k)
		out[key] = append(out[key], v...)
	}
	return out
}

// validate checks cfg and returns the parsed root URL and version.
func (cfg Config) validate() (*url.URL, *semver.Version, error) {
	if cfg.RootURL == "" {
		return nil, nil, fmt.Errorf("root url is required")
	}
	root, err := url.Parse(cfg.RootURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root url: %w", err)
	}
	if !root.IsAbs() || root.Host == "" {
		return nil, nil, fmt.Errorf("root url must be absolute (got %q)", cfg.RootURL)
	}
	if !strings.HasSuffix(root.Path, "/") {
		root.Path += "/"
	}
	root.RawQuery = ""
	root.Fragment = ""

	if cfg.UserAgent == "" {
		return nil, nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.MaxRetries > 0 && cfg.InitialBackoff <= 0 {
		return nil, nil, fmt.Errorf("initial_backoff must be > 0 when retrying")
	}
	if cfg.Timeout < 0 {
		return nil, nil, fmt.Errorf("timeout must be >= 0")
	}

	version, err := parseVersion(cfg.ODataVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("parse odata_version %q: %w", cfg.ODataVersion, err)
	}
	return root, version, nil
}

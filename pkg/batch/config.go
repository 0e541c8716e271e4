package batch

import (
	"net/http"
)

// Config holds the batch options. It is copied into every coordinator and
// never mutated afterwards.
type Config struct {
	// BoundaryPrefix prefixes the outer batch boundary.
	BoundaryPrefix string `yaml:"boundary_prefix"`

	// ChangesetBoundaryPrefix prefixes nested changeset boundaries.
	ChangesetBoundaryPrefix string `yaml:"changeset_boundary_prefix"`

	// Endpoint is the batch resource relative to the service root.
	Endpoint string `yaml:"endpoint"`

	// Header holds default headers of the outer batch request.
	Header http.Header `yaml:"headers"`

	// UseChangeset wraps runs of consecutive bare write requests into
	// implicit changesets.
	UseChangeset bool `yaml:"use_changeset"`

	// RelativeURLs writes part request targets relative to the service root
	// instead of as absolute URLs.
	RelativeURLs bool `yaml:"use_relative_urls"`
}

// DefaultConfig returns the default batch configuration.
func DefaultConfig() Config {
	return Config{
		BoundaryPrefix:          "batch_",
		ChangesetBoundaryPrefix: "changeset_",
		Endpoint:                "$batch",
		Header: http.Header{
			"Content-Type": []string{"multipart/mixed"},
		},
		UseChangeset: false,
		RelativeURLs: false,
	}
}

// withDefaults fills empty fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BoundaryPrefix == "" {
		c.BoundaryPrefix = def.BoundaryPrefix
	}
	if c.ChangesetBoundaryPrefix == "" {
		c.ChangesetBoundaryPrefix = def.ChangesetBoundaryPrefix
	}
	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
	c.Header = c.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return c
}

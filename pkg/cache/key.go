package cache

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxKeyLength is the longest key stored verbatim. Longer keys, typically
// from large $filter expressions, are replaced by a digest.
const MaxKeyLength = 200

// CacheKey identifies a cached OData read.
type CacheKey struct {
	// Service is the service root host and path (e.g., "example.com/odata")
	Service string

	// Resource is the resource path relative to the service root (e.g., "Products(1)")
	Resource string

	// Query is the canonical query string (e.g., "$select=Id,Name&$top=10")
	Query string
}

// KeyFromURL derives the cache key of an absolute request URL. root is the
// service root; a URL outside root keeps its full path as resource.
func KeyFromURL(root, u *url.URL) CacheKey {
	service := ""
	resource := u.Path
	if root != nil && u.Host == root.Host {
		rootPath := strings.TrimSuffix(root.Path, "/")
		if rest, ok := strings.CutPrefix(u.Path, rootPath+"/"); ok {
			service = root.Host + rootPath
			resource = rest
		}
	}
	if service == "" {
		service = u.Host
	}
	return CacheKey{
		Service:  service,
		Resource: strings.Trim(resource, "/"),
		Query:    u.RawQuery,
	}
}

// String generates a deterministic cache key string.
// Format: odata:service:resource?query
//
// Example:
//
//	odata:example.com/odata:Products(1)?$select=Id
//
// Keys longer than MaxKeyLength become odata:service:h:<xxhash64>.
func (k CacheKey) String() string {
	var b strings.Builder
	b.WriteString("odata:")
	b.WriteString(k.Service)
	b.WriteString(":")
	b.WriteString(k.Resource)
	if k.Query != "" {
		b.WriteString("?")
		b.WriteString(k.Query)
	}

	s := b.String()
	if len(s) <= MaxKeyLength {
		return s
	}
	return "odata:" + k.Service + ":h:" + strconv.FormatUint(xxhash.Sum64String(s), 16)
}

// ResourceKey returns the key of the resource without query, used for
// invalidation after writes.
func (k CacheKey) ResourceKey() CacheKey {
	return CacheKey{Service: k.Service, Resource: k.Resource}
}

package client

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// versionChecker compares the protocol version announced by responses with
// the configured one. Each mismatching version is logged once.
type versionChecker struct {
	want       *semver.Version
	constraint *semver.Constraints
	logger     zerolog.Logger
	seen       sync.Map
}

func newVersionChecker(want *semver.Version, logger zerolog.Logger) *versionChecker {
	// Same major version, any minor.
	c, err := semver.NewConstraint("^" + want.String())
	if err != nil {
		c, _ = semver.NewConstraint("*")
	}
	return &versionChecker{want: want, constraint: c, logger: logger}
}

// requestHeaders returns the version negotiation headers for the configured
// version. OData v4 and earlier use different header names.
func (v *versionChecker) requestHeaders() http.Header {
	h := make(http.Header)
	if v.want.Major() >= 4 {
		h.Set("OData-Version", majorMinor(v.want))
		h.Set("OData-MaxVersion", majorMinor(v.want))
		return h
	}
	h.Set("DataServiceVersion", majorMinor(v.want))
	h.Set("MaxDataServiceVersion", majorMinor(v.want))
	return h
}

// announced returns the version a response declares, or "".
func announced(h http.Header) string {
	v := h.Get("OData-Version")
	if v == "" {
		v = h.Get("DataServiceVersion")
	}
	// v2 services append the client flavour: "2.0;".
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// check reports whether the response version is compatible. Responses
// without a version header are accepted.
func (v *versionChecker) check(h http.Header) bool {
	raw := announced(h)
	if raw == "" {
		return true
	}
	got, err := parseVersion(raw)
	if err != nil {
		v.warnOnce(raw, "Unparsable OData version in response")
		return false
	}
	if v.constraint.Check(got) {
		return true
	}
	v.warnOnce(raw, "Service speaks a different OData version")
	return false
}

func (v *versionChecker) warnOnce(raw, msg string) {
	if _, loaded := v.seen.LoadOrStore(raw, struct{}{}); loaded {
		return
	}
	v.logger.Warn().
		Str("announced", raw).
		Str("configured", majorMinor(v.want)).
		Msg(msg)
}

// parseVersion reads protocol versions such as "4.01", whose minor part
// carries a leading zero.
func parseVersion(raw string) (*semver.Version, error) {
	segments := strings.Split(raw, ".")
	for i, seg := range segments {
		if trimmed := strings.TrimLeft(seg, "0"); trimmed != "" {
			segments[i] = trimmed
		} else if seg != "" {
			segments[i] = "0"
		}
	}
	return semver.NewVersion(strings.Join(segments, "."))
}

func majorMinor(v *semver.Version) string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

package client

import (
	"net/http"
	"os"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

func newChecker(t *testing.T, version string) *versionChecker {
	t.Helper()
	v, err := semver.NewVersion(version)
	if err != nil {
		t.Fatalf("NewVersion(%q) error = %v", version, err)
	}
	return newVersionChecker(v, zerolog.New(os.Stderr).Level(zerolog.Disabled))
}

func TestVersionChecker_Check(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     http.Header
		want       bool
	}{
		{name: "no version header", configured: "4.0", header: http.Header{}, want: true},
		{name: "same version", configured: "4.0", header: http.Header{"Odata-Version": []string{"4.0"}}, want: true},
		{name: "newer minor", configured: "4.0", header: http.Header{"Odata-Version": []string{"4.01"}}, want: true},
		{name: "older major", configured: "4.0", header: http.Header{"Odata-Version": []string{"2.0"}}, want: false},
		{name: "unparsable", configured: "4.0", header: http.Header{"Odata-Version": []string{"four"}}, want: false},
		{name: "v2 header with flavour", configured: "2.0", header: http.Header{"Dataserviceversion": []string{"2.0;"}}, want: true},
		{name: "v2 client against v3 service", configured: "2.0", header: http.Header{"Dataserviceversion": []string{"3.0"}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChecker(t, tt.configured)
			if got := c.check(tt.header); got != tt.want {
				t.Errorf("check() = %v, want %v", got, tt.want)
			}
			// A repeated mismatch is only logged once but still reported.
			if got := c.check(tt.header); got != tt.want {
				t.Errorf("second check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVersionChecker_RequestHeaders(t *testing.T) {
	v4 := newChecker(t, "4.0").requestHeaders()
	if v4.Get("OData-Version") != "4.0" || v4.Get("OData-MaxVersion") != "4.0" {
		t.Errorf("v4 headers = %v", v4)
	}
	if v4.Get("DataServiceVersion") != "" {
		t.Errorf("v4 should not send DataServiceVersion")
	}

	v2 := newChecker(t, "2.0").requestHeaders()
	if v2.Get("DataServiceVersion") != "2.0" || v2.Get("MaxDataServiceVersion") != "2.0" {
		t.Errorf("v2 headers = %v", v2)
	}
	if v2.Get("OData-Version") != "" {
		t.Errorf("v2 should not send OData-Version")
	}
}

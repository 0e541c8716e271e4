package cache

import (
	"testing"
	"time"
)

func TestCacheEntry_Freshness(t *testing.T) {
	tests := []struct {
		name        string
		expires     time.Time
		wantExpired bool
		wantMin     time.Duration
		wantMax     time.Duration
	}{
		{
			name:        "one hour remaining",
			expires:     time.Now().Add(time.Hour),
			wantExpired: false,
			wantMin:     59 * time.Minute,
			wantMax:     61 * time.Minute,
		},
		{
			name:        "expired an hour ago",
			expires:     time.Now().Add(-time.Hour),
			wantExpired: true,
		},
		{
			name:        "just expired",
			expires:     time.Now().Add(-time.Second),
			wantExpired: true,
		},
		{
			name:        "zero expiry",
			wantExpired: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{Expires: tt.expires}
			if got := entry.IsExpired(); got != tt.wantExpired {
				t.Errorf("IsExpired() = %v, want %v", got, tt.wantExpired)
			}
			if got := entry.TTL(); got < tt.wantMin || got > tt.wantMax {
				t.Errorf("TTL() = %v, want between %v and %v", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestCacheEntry_Revalidatable(t *testing.T) {
	if (&CacheEntry{}).Revalidatable() {
		t.Error("entry without validators must not be revalidatable")
	}
	if !(&CacheEntry{ETag: `W/"1"`}).Revalidatable() {
		t.Error("entry with ETag must be revalidatable")
	}
	if !(&CacheEntry{LastModified: time.Now()}).Revalidatable() {
		t.Error("entry with Last-Modified must be revalidatable")
	}
}

package batch

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRequest(t *testing.T, method, path string, body string) *Request {
	t.Helper()
	var b []byte
	if body != "" {
		b = []byte(body)
	}
	r, err := NewRequest(method, path, b)
	require.NoError(t, err)
	return r
}

func TestNewRequest_Validation(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		wantErr bool
	}{
		{name: "relative path", method: "GET", path: "Products(1)"},
		{name: "leading slash", method: "GET", path: "/Products(1)"},
		{name: "absolute url", method: "POST", path: "https://example.com/svc/Orders"},
		{name: "lowercase method", method: "patch", path: "Orders(1)"},
		{name: "merge verb", method: "MERGE", path: "Orders(1)"},
		{name: "content reference", method: "POST", path: "$1/Lines"},
		{name: "query string", method: "GET", path: "Products?$top=1"},
		{name: "unsupported method", method: "TRACE", path: "Products", wantErr: true},
		{name: "empty path", method: "GET", path: "", wantErr: true},
		{name: "path with space", method: "GET", path: "Products 1", wantErr: true},
		{name: "path with newline", method: "GET", path: "Products\r\nX-Evil: 1", wantErr: true},
		{name: "scheme without host", method: "GET", path: "mailto:someone", wantErr: true},
		{name: "scheme relative", method: "GET", path: "//evil.example.com/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRequest(tt.method, tt.path, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRequest), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRequest_HeaderValidation(t *testing.T) {
	r := mustRequest(t, "GET", "Products", "")
	r.SetHeader("X-Note", "a\r\nInjected: 1")
	assert.ErrorIs(t, r.validate(), ErrInvalidRequest)
}

func TestNewChangeset(t *testing.T) {
	t.Run("two writes with reference", func(t *testing.T) {
		cs, err := NewChangeset(
			mustRequest(t, "POST", "Orders", `{"Id":1}`),
			mustRequest(t, "POST", "$1/Lines", `{"Qty":2}`),
		)
		require.NoError(t, err)
		require.Equal(t, 2, cs.Len())

		members := cs.Requests()
		assert.Equal(t, "1", members[0].ContentID)
		assert.Equal(t, "2", members[1].ContentID)
	})

	t.Run("explicit content ids", func(t *testing.T) {
		cs, err := NewChangeset(
			mustRequest(t, "POST", "Orders", `{}`).WithContentID("order"),
			mustRequest(t, "POST", "$order/Lines", `{}`),
		)
		require.NoError(t, err)
		assert.Equal(t, "order", cs.Requests()[0].ContentID)
	})

	t.Run("get is rejected", func(t *testing.T) {
		_, err := NewChangeset(
			mustRequest(t, "POST", "Orders", `{}`),
			mustRequest(t, "GET", "Products(1)", ""),
		)
		require.ErrorIs(t, err, ErrInvalidBatchComposition)

		var ce *CompositionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 1, ce.Index)
		assert.Equal(t, http.MethodGet, ce.Method)
	})

	t.Run("empty changeset", func(t *testing.T) {
		_, err := NewChangeset()
		assert.ErrorIs(t, err, ErrInvalidBatchComposition)
	})

	t.Run("reference to later member", func(t *testing.T) {
		_, err := NewChangeset(
			mustRequest(t, "POST", "Orders", `{}`),
			mustRequest(t, "POST", "$2/Lines", `{}`),
		)
		assert.ErrorIs(t, err, ErrUnresolvedContentReference)
	})

	t.Run("self reference", func(t *testing.T) {
		_, err := NewChangeset(mustRequest(t, "PATCH", "$1", `{}`))
		assert.ErrorIs(t, err, ErrUnresolvedContentReference)
	})

	t.Run("duplicate content id", func(t *testing.T) {
		_, err := NewChangeset(
			mustRequest(t, "POST", "Orders", `{}`).WithContentID("2"),
			mustRequest(t, "POST", "Orders", `{}`),
		)
		assert.ErrorIs(t, err, ErrInvalidBatchComposition)
	})

	t.Run("metadata is not a reference", func(t *testing.T) {
		_, err := NewChangeset(mustRequest(t, "POST", "$metadata", `{}`))
		assert.NoError(t, err)
	})

	t.Run("caller changes after creation are ignored", func(t *testing.T) {
		r := mustRequest(t, "POST", "Orders", `{"a":1}`)
		cs, err := NewChangeset(r)
		require.NoError(t, err)

		r.Path = "Changed"
		r.Body[0] = 'X'
		r.SetHeader("X-Late", "1")

		m := cs.Requests()[0]
		assert.Equal(t, "Orders", m.Path)
		assert.Equal(t, `{"a":1}`, string(m.Body))
		assert.Empty(t, m.Header.Get("X-Late"))
	})
}

func TestContentReference(t *testing.T) {
	tests := []struct {
		path string
		ref  string
		ok   bool
	}{
		{"$1", "1", true},
		{"$1/Lines", "1", true},
		{"$order?$select=Id", "order", true},
		{"$metadata", "", false},
		{"$batch", "", false},
		{"$", "", false},
		{"Orders", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ref, ok := contentReference(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ref, ref)
		})
	}
}

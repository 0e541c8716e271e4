// Package query builds OData system query options and serializes them into a
// canonical query string.
//
// Canonical order is fixed: $select, $filter, $top, $skip, $orderby, $expand,
// $count, then custom parameters in insertion order. Identical option sets
// always produce byte-identical strings, so the output can be used directly
// in cache keys and test fixtures.
//
//	opts := query.Options{
//		Select: []string{"Id", "Name"},
//		Top:    query.Int(5),
//		Expand: []query.Expand{{
//			Property: "Orders",
//			Options:  &query.Options{Select: []string{"Id", "Total"}, Top: query.Int(5)},
//		}},
//	}
//	opts.Canonicalize() // $select=Id,Name&$top=5&$expand=Orders($select=Id,Total;$top=5)
package query

import (
	"strconv"
	"strings"
)

// Options holds the query options of one OData request.
type Options struct {
	// Select lists the properties to return ($select).
	Select []string

	// Filter is an opaque filter expression ($filter). It is not parsed.
	Filter string

	// Top limits the number of returned entities ($top). Nil means unset.
	Top *int

	// Skip skips entities ($skip). Nil means unset.
	Skip *int

	// OrderBy lists ordering clauses, e.g. "Name desc" ($orderby).
	OrderBy []string

	// Expand lists navigation properties to expand ($expand).
	Expand []Expand

	// Count requests the total count of matching entities ($count=true).
	Count bool

	// Params holds custom query parameters in insertion order.
	Params []Param
}

// Expand is a single $expand item with optional nested options.
type Expand struct {
	Property string
	Options  *Options
}

// Param is a custom query parameter.
type Param struct {
	Name  string
	Value string
}

// Int returns a pointer to n, for Top and Skip.
func Int(n int) *int {
	return &n
}

// AddParam appends a custom parameter.
func (o *Options) AddParam(name, value string) {
	o.Params = append(o.Params, Param{Name: name, Value: value})
}

// IsZero reports whether no option is set.
func (o Options) IsZero() bool {
	return len(o.Select) == 0 &&
		o.Filter == "" &&
		o.Top == nil &&
		o.Skip == nil &&
		len(o.OrderBy) == 0 &&
		len(o.Expand) == 0 &&
		!o.Count &&
		len(o.Params) == 0
}

// Canonicalize returns the canonical query string without a leading '?'.
// An empty option set yields an empty string.
func (o Options) Canonicalize() string {
	return strings.Join(o.pairs(), "&")
}

// String implements fmt.Stringer.
func (o Options) String() string {
	return o.Canonicalize()
}

// AppendTo appends the canonical query string to resource.
func (o Options) AppendTo(resource string) string {
	q := o.Canonicalize()
	if q == "" {
		return resource
	}
	if strings.Contains(resource, "?") {
		return resource + "&" + q
	}
	return resource + "?" + q
}

// pairs returns the encoded name=value pairs in canonical order.
func (o Options) pairs() []string {
	var out []string

	if len(o.Select) > 0 {
		out = append(out, "$select="+joinEscaped(o.Select))
	}
	if o.Filter != "" {
		out = append(out, "$filter="+escape(o.Filter))
	}
	if o.Top != nil {
		out = append(out, "$top="+strconv.Itoa(*o.Top))
	}
	if o.Skip != nil {
		out = append(out, "$skip="+strconv.Itoa(*o.Skip))
	}
	if len(o.OrderBy) > 0 {
		out = append(out, "$orderby="+joinEscaped(o.OrderBy))
	}
	if len(o.Expand) > 0 {
		items := make([]string, 0, len(o.Expand))
		for _, e := range o.Expand {
			items = append(items, e.canonicalize())
		}
		out = append(out, "$expand="+strings.Join(items, ","))
	}
	if o.Count {
		out = append(out, "$count=true")
	}
	for _, p := range o.Params {
		out = append(out, escapeName(p.Name)+"="+escape(p.Value))
	}

	return out
}

// canonicalize renders Property(nested;options). Nested options use ';' as
// separator, which escape never leaves literal inside values.
func (e Expand) canonicalize() string {
	prop := escape(e.Property)
	if e.Options == nil || e.Options.IsZero() {
		return prop
	}
	return prop + "(" + strings.Join(e.Options.pairs(), ";") + ")"
}

func joinEscaped(items []string) string {
	escaped := make([]string, len(items))
	for i, item := range items {
		escaped[i] = escape(item)
	}
	return strings.Join(escaped, ",")
}

const upperhex = "0123456789ABCDEF"

// escape percent-encodes s for use in a query component. Unreserved
// characters and the OData punctuation $ ( ) , : @ / ' = * ! stay literal;
// everything else, including space, '&', ';', '+' and '#', is encoded.
func escape(s string) string {
	return escapeWith(s, keepLiteral)
}

// escapeName escapes a parameter name. '=' is encoded as well, so the first
// literal '=' always separates name and value.
func escapeName(s string) string {
	return escapeWith(s, func(c byte) bool { return c != '=' && keepLiteral(c) })
}

func escapeWith(s string, keep func(byte) bool) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !keep(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if keep(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func keepLiteral(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '.', '_', '~', '$', '(', ')', ',', ':', '@', '/', '\'', '=', '*', '!':
		return true
	}
	return false
}

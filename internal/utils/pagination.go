// Package utils holds small parsing helpers shared by the HTTP handlers,
// mainly for reading paging windows out of query strings.
package utils

import "strconv"

// AtoiDefault parses a query-string integer such as limit or offset. A blank
// or malformed value falls back to def, so a bad paging parameter degrades to
// the default window instead of failing the request.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Clamp pins n into [lo, hi]. Handlers use it to cap client-supplied page
// sizes at the server maximum.
func Clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

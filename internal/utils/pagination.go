// Package utils provides small, generic helpers used across layers. Nothing
// here knows about messages, presence, or any other domain concept.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault converts a string to an int, returning def when the string is
// empty or not a valid integer. It is the standard way query parameters like
// page, limit, and offset are parsed across the HTTP handlers.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampInt bounds n to the closed interval [lo, hi].
func ClampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Truthy reports whether a query parameter value should be read as true.
// Accepted (case-insensitive): "1", "true", "yes", "y", "on".
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

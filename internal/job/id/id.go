// Package id provides unique identifier generation for jobs.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Length is the number of characters in a job ID.
const Length = 32

// Generate creates a new unique job ID.
// Format: 32 lowercase hex characters taken from a random UUID.
// Example: 3f2a9c1e0b7d4e5f8a6b1c2d3e4f5a6b
func Generate() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s has the shape of an ID produced by Generate.
// Job IDs end up in filesystem paths, so anything else is rejected.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Package id provides utilities for generating unique identifiers.
package id

import (
	"crypto/rand"
	"encoding/hex"
)

// Generate returns a random 6-character hex ID.
func Generate() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithPrefix returns a random hex ID with the given prefix, separated by a
// dash (e.g. "req-a1b2c3"). Used for request correlation and source IDs.
func WithPrefix(prefix string) string {
	return prefix + "-" + Generate()
}

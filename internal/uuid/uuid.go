// Package uuid generates mutation identifiers and the conflict identifiers
// derived from them.
package uuid

import (
	"github.com/google/uuid"
)

// conflictNamespace scopes derived conflict ids so they never collide with
// mutation ids.
var conflictNamespace = uuid.MustParse("6f1c2a4e-8d3b-4b7a-9e51-2c0d7f3a9b16")

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Derive returns the conflict id for a mutation id. The same mutation id
// always yields the same conflict id (UUID v5).
func Derive(mutationID string) string {
	return uuid.NewSHA1(conflictNamespace, []byte(mutationID)).String()
}

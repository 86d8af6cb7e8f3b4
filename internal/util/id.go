package util

import "github.com/google/uuid"

// NewID returns a random UUID string used as an entity or job identifier.
func NewID() string {
	return uuid.NewString()
}

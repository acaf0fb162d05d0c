package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewRequestID generates a random correlation id for a streamed request.
// The same value doubles as the request's idempotency key.
func NewRequestID() string {
	return uuid.NewString()
}

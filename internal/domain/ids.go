// Package domain contains identifiers and plain value types shared across the
// manager. No lifecycle logic lives here.
package domain

import "github.com/google/uuid"

type (
	SessionID   string
	UserID      string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

// NewID issues an opaque, unguessable token. Every id in the system comes from
// this one function so concurrent creators can never collide.
func NewID() string {
	return uuid.NewString()
}

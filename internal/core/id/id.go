// Package id generates the opaque, time-sortable identifiers used for tenants,
// subscriptions and payments.
package id

import (
	"github.com/google/uuid"
)

// ID is a type alias for UUID, used across all entities.
type ID = uuid.UUID

// New generates a new UUIDv7. The leading 48 bits carry a Unix timestamp,
// so IDs sort by creation time.
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewString is New().String().
func NewString() string {
	return New().String()
}

// keyNamespace is the UUIDv5 namespace of FromKey.
var keyNamespace = uuid.MustParse("6f1c2a64-3d0e-5b7a-9c41-2e8f0d5b7a13")

// FromKey derives a UUIDv5 from key. The same key always yields the same ID.
func FromKey(key string) string {
	return uuid.NewSHA1(keyNamespace, []byte(key)).String()
}

// Parse converts string to ID with validation.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// IsValid reports whether s is a well-formed UUID.
func IsValid(s string) bool {
	return uuid.Validate(s) == nil
}

package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrTenantNotFound is returned when no tenant matches the identifier.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantNotActive is returned when tenant exists but is not active.
	ErrTenantNotActive = errors.New("tenant is not active")

	// ErrDatabaseNotConfigured is returned when the tenant row has no database coordinates.
	ErrDatabaseNotConfigured = errors.New("tenant database not configured")

	// ErrMaxPoolLimit is returned when the router reached its pool limit.
	ErrMaxPoolLimit = errors.New("max tenant pool limit reached")

	// ErrIdentifierRequired is returned for tenant-scoped routes without an identifier.
	ErrIdentifierRequired = errors.New("tenant identifier required")

	// ErrInvalidIdentifier is returned when the identifier is not a valid slug.
	ErrInvalidIdentifier = errors.New("invalid tenant identifier")

	// ErrNoTenantContext is returned when code that needs a tenant runs without one.
	ErrNoTenantContext = errors.New("tenant context not found")

	// ErrInvalidSecret is returned when a stored database password cannot be decrypted.
	ErrInvalidSecret = errors.New("invalid tenant database secret")
)

// NotActiveError carries the status of a tenant that refused routing.
type NotActiveError struct {
	Slug   string
	Status Status
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("%s: %s status=%s", ErrTenantNotActive, e.Slug, e.Status)
}

func (e *NotActiveError) Unwrap() error { return ErrTenantNotActive }

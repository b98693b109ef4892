// Package event defines domain events written through the transactional outbox.
package event

import "context"

// Event types
const (
	SubscriptionChanged = "subscription.changed"
	PaymentFailed       = "payment.failed"
	TenantStatusChanged = "tenant.status_changed"
)

// Event is a domain event. Payload is marshalled to JSON.
type Event struct {
	AggregateType string
	AggregateID   string
	Type          string
	Payload       any
}

// Publisher records events. Implementations must join the caller's transaction.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

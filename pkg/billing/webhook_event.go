package billing

import "time"

// WebhookEvent describes a successfully processed billing event. It is
// passed to the EventCallback after the ledger has been updated, giving the
// application a hook for alerting, email, or cache invalidation.
type WebhookEvent struct {
	// DealerID is the internal dealer identifier, when the event resolved
	// to one (credit-pack settlements resolve through the payment ref).
	DealerID string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type, e.g.
	// "checkout.session.completed" or "payment_intent.succeeded"
	EventType string

	// ExternalEventID is the provider's event identifier (the
	// idempotency key)
	ExternalEventID string

	// OccurredAt is when the event was created at the provider
	OccurredAt time.Time
}

// EventCallback is invoked after an event processed successfully. Returning
// an error does not undo the ledger update; it is logged and the event
// stays marked processed.
type EventCallback func(event WebhookEvent) error

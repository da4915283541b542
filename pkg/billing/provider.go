package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface a billing backend must implement.
// The application wires the webhook handler into its router and schedules
// ReprocessFailedEvents from a reconciliation job.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes billing
	// events. The implementation handles signature verification,
	// idempotency, and ledger updates internally.
	WebhookHandler() http.Handler

	// ReprocessFailedEvents redispatches event records whose handler
	// failed on delivery. The webhook endpoint acks every delivery with
	// 200, so transient failures are retried here, out of band, instead
	// of by provider-side retry storms. Returns the number of events
	// that processed successfully on this pass.
	ReprocessFailedEvents(ctx context.Context, limit int) (int, error)
}

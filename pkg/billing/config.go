package billing

import (
	"net/http"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Service is the credit metering service whose ledger the provider
	// mutates on billing events.
	Service *credit.Service

	// Ledger is the shared balance ledger; the provider uses it for
	// webhook event records and dealer lookups by provider reference.
	Ledger credit.Ledger

	// WebhookSecret verifies incoming webhook requests.
	WebhookSecret string

	// APIKey authenticates outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with a 10s timeout is used.
	HTTPClient *http.Client

	// EventCallback is invoked after each successfully processed event
	// (optional).
	EventCallback EventCallback

	// Logger is used for structured logging (default: NoopLogger).
	Logger credit.Logger

	// Metrics tracks webhook operations (default: NoopMetrics).
	Metrics Metrics
}

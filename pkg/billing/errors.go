package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrDealerNotFound is returned when an event cannot be resolved to a dealer
	ErrDealerNotFound = errors.New("dealer not found for billing event")

	// ErrUnknownPlan is returned when an event references a plan with no
	// configured tier mapping
	ErrUnknownPlan = errors.New("no tier mapping for plan")
)

package credit

import "errors"

var (
	// ErrNoSubscription is returned when a dealer has no ledger row;
	// all metering calls fail closed
	ErrNoSubscription = errors.New("no subscription for dealer")

	// ErrRateLimited is returned when a dealer is out of credits and over
	// the hourly free-use cap
	ErrRateLimited = errors.New("free-use rate limit reached")

	// ErrLedgerWriteFailed is returned when the consume step's persistence
	// failed after the feature already executed
	ErrLedgerWriteFailed = errors.New("ledger write failed")

	// ErrLedgerUnavailable is returned when no ledger was provided
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrCostTableNotFound is returned by ledgers when no cost table
	// record exists
	ErrCostTableNotFound = errors.New("cost table not found")

	// ErrDuplicateEvent is returned when a webhook event record with the
	// same external event ID already exists
	ErrDuplicateEvent = errors.New("duplicate webhook event")

	// ErrCreditPackNotFound is returned when no credit-pack purchase
	// matches a payment reference
	ErrCreditPackNotFound = errors.New("credit pack not found")

	// ErrInvalidAmount is returned for negative credit amounts
	ErrInvalidAmount = errors.New("invalid amount")
)

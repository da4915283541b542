package credit

import (
	"context"
	"time"
)

// Ledger defines the persistence interface for subscriptions, usage logs,
// webhook event records, credit packs, and the cost table.
//
// Every subscription mutation must be an atomic single-row write keyed by
// dealer ID. ApplyDeduction in particular must express the bonus-first,
// floor-at-zero deduction as one atomic operation so that concurrent
// consumers cannot produce a lost update.
type Ledger interface {
	// GetSubscription retrieves a dealer's subscription.
	// Returns ErrNoSubscription if the dealer has no ledger row.
	GetSubscription(ctx context.Context, dealerID string) (*Subscription, error)

	// GetSubscriptionByCustomerRef retrieves a subscription by its billing
	// provider customer reference. Used by the webhook processor, whose
	// invoice events carry only provider identifiers.
	GetSubscriptionByCustomerRef(ctx context.Context, customerRef string) (*Subscription, error)

	// PutSubscription creates or replaces a subscription row.
	// Used at onboarding; day-to-day mutations go through the targeted
	// Apply methods.
	PutSubscription(ctx context.Context, sub *Subscription) error

	// ApplyDeduction atomically debits a subscription: bonus credits
	// first, spilling into the monthly balance, both floored at zero.
	// CreditsUsedThisCycle increments by the nominal cost even when the
	// debit was capped. Returns the updated row and the amount actually
	// debited.
	ApplyDeduction(ctx context.Context, req *DeductionRequest) (*DeductionResult, error)

	// ApplyCycleReset opens a new billing cycle: CreditsRemaining is set
	// to the allowance, CreditsUsedThisCycle zeroed, status active.
	// Bonus credits are untouched.
	ApplyCycleReset(ctx context.Context, dealerID string, req *CycleResetRequest) error

	// ApplyPlanChange applies a targeted partial update to a subscription.
	// Only non-nil fields are written, so the webhook processor never
	// clobbers fields owned by the metering service.
	ApplyPlanChange(ctx context.Context, dealerID string, req *PlanChangeRequest) error

	// ApplyBonusCredits atomically adds purchased credits onto the
	// subscription's bonus balance.
	ApplyBonusCredits(ctx context.Context, dealerID string, credits int) (*Subscription, error)

	// AppendUsage appends an entry to the append-only usage log
	AppendUsage(ctx context.Context, entry *UsageEntry) error

	// CountUsageSince counts usage entries for (dealer, feature) with
	// Timestamp >= since, and returns the oldest such timestamp.
	// The zero time is returned when the count is 0.
	CountUsageSince(ctx context.Context, dealerID, featureType string, since time.Time) (int, time.Time, error)

	// GetCostTable loads the stored feature cost table.
	// Returns ErrCostTableNotFound when no record exists.
	GetCostTable(ctx context.Context) (map[string]int, error)

	// SetCostTable replaces the stored feature cost table
	SetCostTable(ctx context.Context, costs map[string]int) error

	// InsertEventRecord inserts a webhook event record with processed
	// unset. Returns ErrDuplicateEvent if the external event ID exists;
	// the insert must fail closed under concurrent duplicate deliveries.
	InsertEventRecord(ctx context.Context, rec *WebhookEventRecord) error

	// MarkEventProcessed finalizes a webhook event record: processed=true
	// on nil procErr, otherwise the error message is recorded and
	// processed stays false.
	MarkEventProcessed(ctx context.Context, externalEventID string, procErr error) error

	// ListUnprocessedEvents returns event records that dispatched with an
	// error, oldest first, for out-of-band reconciliation.
	ListUnprocessedEvents(ctx context.Context, limit int) ([]*WebhookEventRecord, error)

	// PutCreditPack records a credit-pack purchase
	PutCreditPack(ctx context.Context, pack *CreditPackPurchase) error

	// GetCreditPack retrieves a credit-pack purchase by payment reference.
	// Returns ErrCreditPackNotFound when absent.
	GetCreditPack(ctx context.Context, paymentRef string) (*CreditPackPurchase, error)

	// MarkCreditPackSucceeded transitions a pack to succeeded. Returns
	// false when the pack was already settled, so replayed payment
	// notifications grant credits exactly once.
	MarkCreditPackSucceeded(ctx context.Context, paymentRef string) (bool, error)
}

// DeductionRequest asks the ledger for an atomic floor-at-zero debit
type DeductionRequest struct {
	DealerID string

	// Cost is the nominal feature cost; the actual debit may be smaller
	// when the balance floors at zero
	Cost int
}

// DeductionResult carries the post-debit subscription snapshot
type DeductionResult struct {
	Subscription *Subscription

	// Debited is the amount actually removed across both balances
	Debited int
}

// CycleResetRequest opens a new billing cycle
type CycleResetRequest struct {
	Allowance  int
	CycleStart time.Time
	CycleEnd   time.Time
}

// PlanChangeRequest is a targeted partial update of a subscription row.
// Nil fields are left untouched.
type PlanChangeRequest struct {
	Tier                    *PlanTier
	Status                  *SubscriptionStatus
	MonthlyAllowance        *int
	CreditsRemaining        *int
	BonusCredits            *int
	CycleStart              *time.Time
	CycleEnd                *time.Time
	ZeroUsage               bool
	ExternalSubscriptionRef *string
	ExternalCustomerRef     *string
}

package credit

import (
	"strings"
	"time"
)

// PlanTier identifies a dealer's subscription plan
type PlanTier string

const (
	// TierFree is the default tier assigned at onboarding
	TierFree PlanTier = "free"
	// TierPro is the entry paid tier
	TierPro PlanTier = "pro"
	// TierDealer is the full dealership tier
	TierDealer PlanTier = "dealer"
	// TierUnlimited bypasses credit accounting entirely
	TierUnlimited PlanTier = "unlimited"
)

// UnlimitedBalance is the sentinel balance reported for unlimited-tier dealers.
const UnlimitedBalance = -1

// DefaultAllowances maps each tier to its monthly credit allotment.
// Unlimited carries the sentinel since its balance is never consulted.
var DefaultAllowances = map[PlanTier]int{
	TierFree:      10,
	TierPro:       500,
	TierDealer:    2000,
	TierUnlimited: UnlimitedBalance,
}

// SubscriptionStatus reflects the billing provider's view of the subscription
type SubscriptionStatus string

const (
	// StatusActive means the subscription is in good standing
	StatusActive SubscriptionStatus = "active"
	// StatusPastDue means the last invoice payment failed
	StatusPastDue SubscriptionStatus = "past_due"
	// StatusCanceled means the subscription was canceled and the dealer
	// was downgraded to the free tier
	StatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is the per-dealer balance ledger row. It is the only shared
// mutable state in the subsystem: the metering service deducts from it on the
// request path and the webhook processor resets it on the async path. All
// writes are targeted partial updates keyed by DealerID.
type Subscription struct {
	DealerID             string
	Tier                 PlanTier
	Status               SubscriptionStatus
	MonthlyAllowance     int
	CreditsRemaining     int
	BonusCredits         int
	CreditsUsedThisCycle int
	CycleStart           time.Time
	CycleEnd             time.Time

	// Opaque references into the billing provider
	ExternalSubscriptionRef string
	ExternalCustomerRef     string

	// Version increments on every write; ledgers that cannot express a
	// mutation atomically use it for optimistic concurrency.
	Version   int64
	UpdatedAt time.Time
}

// Balance returns the spendable credit total (monthly plus bonus), or
// UnlimitedBalance for the unlimited tier.
func (s *Subscription) Balance() int {
	if s.Tier == TierUnlimited {
		return UnlimitedBalance
	}
	return s.CreditsRemaining + s.BonusCredits
}

// UsageEntry is an append-only audit record of one gated feature invocation.
// Entries are never updated or deleted; the free-use rate limiter counts them.
type UsageEntry struct {
	DealerID        string
	SubscriptionRef string
	FeatureType     string
	CreditsUsed     int
	ContextRef      string
	Success         bool
	Timestamp       time.Time
	Metadata        map[string]string
}

// CreditPackStatus tracks a one-off credit-pack purchase
type CreditPackStatus string

const (
	// PackPending means payment has been initiated but not confirmed
	PackPending CreditPackStatus = "pending"
	// PackSucceeded means the payment settled and credits were granted
	PackSucceeded CreditPackStatus = "succeeded"
)

// CreditPackPurchase records a one-off bonus-credit top-up.
// ExternalPaymentRef is the idempotency key: a replayed payment
// notification must not grant credits twice.
type CreditPackPurchase struct {
	DealerID           string
	ExternalPaymentRef string
	CreditsPurchased   int
	Status             CreditPackStatus
	CreatedAt          time.Time
}

// WebhookEventRecord tracks a billing-provider event delivery.
// The record is inserted before dispatch; a unique constraint on
// ExternalEventID makes concurrent duplicate deliveries fail closed.
type WebhookEventRecord struct {
	ExternalEventID string
	EventType       string
	RawPayload      []byte
	Processed       bool
	ErrorMessage    string
	ReceivedAt      time.Time
}

// CheckResult is the outcome of a CheckCredits call
type CheckResult struct {
	// Allowed reports whether the caller may run the gated feature
	Allowed bool

	// Unlimited is set for unlimited-tier dealers
	Unlimited bool

	// Cost is the projected deduction (0 for unlimited and rate-limited
	// free mode)
	Cost int

	// Remaining is the projected balance after consumption when allowed,
	// or the current balance when denied. UnlimitedBalance for unlimited.
	Remaining int

	// RateLimitedFree is set when the dealer is out of credits but still
	// under the hourly free-use cap; the feature proceeds at zero cost.
	RateLimitedFree bool

	// Warning carries the user-facing upgrade nudge in free mode
	Warning string

	// NextAllowedAt is set on denial: the earliest time the free-use
	// window admits another call.
	NextAllowedAt *time.Time

	// Message explains a denial
	Message string
}

// ConsumeResult is the outcome of a ConsumeCredits call
type ConsumeResult struct {
	// CreditsUsed is the amount actually debited. It can be less than the
	// feature's nominal cost when the balance floored at zero, and is 0
	// for the unlimited tier.
	CreditsUsed int

	// Remaining is the balance after the debit (UnlimitedBalance for
	// the unlimited tier)
	Remaining int

	Unlimited bool
}

// Balance is the dealer-facing view of the ledger row
type Balance struct {
	Total         int
	Monthly       int
	Bonus         int
	UsedThisCycle int
	Allowance     int
	Tier          PlanTier
	Unlimited     bool
	NextReset     time.Time
}

// Config holds metering service configuration
type Config struct {
	// Allowances overrides DefaultAllowances per tier (optional)
	Allowances map[PlanTier]int

	// DefaultCosts is the built-in fallback cost table used when the
	// stored table is absent or unreadable. Defaults to DefaultCostTable.
	DefaultCosts map[string]int

	// CostTableTTL bounds the cost-table cache (default: 5 minutes)
	CostTableTTL time.Duration

	// FreeUseLimits maps feature types to their hourly free-use cap.
	// Features not listed fall back to FreeUseLimit.
	FreeUseLimits map[string]int

	// FreeUseLimit is the default per-feature hourly cap (default: 3)
	FreeUseLimit int

	// FreeUseWindow is the trailing window for the free-use cap
	// (default: 1 hour)
	FreeUseWindow time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics tracks metering operations (default: NoopMetrics)
	Metrics Metrics

	// Clock overrides time.Now, letting tests control expiry and
	// cycle boundaries deterministically
	Clock func() time.Time
}

// CanonicalFeature normalizes a feature-type identifier to its canonical
// uppercase form. Cost table, rate limiter, and usage log all key on this
// single casing.
func CanonicalFeature(featureType string) string {
	return strings.ToUpper(strings.TrimSpace(featureType))
}

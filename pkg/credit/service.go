package credit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	checkOutcomeAffordable      = "affordable"
	checkOutcomeRateLimitedFree = "rate_limited_free"
	checkOutcomeDenied          = "denied"
	checkOutcomeError           = "error"
)

// freeUseWarning is surfaced to the dealer whenever a feature proceeds in
// rate-limited free mode.
const freeUseWarning = "You are out of credits. This feature is running in limited free mode; upgrade your plan to restore full access."

// Service is the credit metering orchestrator. Call sites gate a feature
// with CheckCredits, run the feature, and settle with ConsumeCredits only
// after the feature itself succeeded. No reservation is held in between:
// the gated operation may be slow or fail, and the system never blocks a
// feature call behind a held lock. The deduction itself is atomic at the
// ledger, so concurrent consumers cannot lose updates.
type Service struct {
	ledger  Ledger
	costs   *CostTable
	limiter *FreeUseLimiter

	allowances map[PlanTier]int
	logger     Logger
	metrics    Metrics
	clock      func() time.Time
}

// NewService creates a metering service over the given ledger.
func NewService(ledger Ledger, config Config) (*Service, error) {
	if ledger == nil {
		return nil, ErrLedgerUnavailable
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	allowances := config.Allowances
	if allowances == nil {
		allowances = DefaultAllowances
	}

	return &Service{
		ledger:     ledger,
		costs:      NewCostTable(ledger, config),
		limiter:    NewFreeUseLimiter(ledger, config),
		allowances: allowances,
		logger:     logger,
		metrics:    metrics,
		clock:      clock,
	}, nil
}

// Costs exposes the cost table loader, mainly so admin surfaces can share it.
func (s *Service) Costs() *CostTable {
	return s.costs
}

// CheckCredits reports whether a dealer can afford a feature. The feature
// must not run when the result is not Allowed. Denials are reported in the
// result, not as errors; the error return is reserved for a missing
// subscription (ErrNoSubscription) and storage faults, both of which fail
// closed.
func (s *Service) CheckCredits(ctx context.Context, dealerID, featureType string) (*CheckResult, error) {
	start := s.clock()
	feature := CanonicalFeature(featureType)
	cost := s.costs.Cost(ctx, feature)

	sub, err := s.ledger.GetSubscription(ctx, dealerID)
	if err != nil {
		s.metrics.RecordCheck(feature, checkOutcomeError, s.clock().Sub(start))
		if errors.Is(err, ErrNoSubscription) {
			return nil, ErrNoSubscription
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if sub.Tier == TierUnlimited {
		s.metrics.RecordCheck(feature, checkOutcomeAffordable, s.clock().Sub(start))
		return &CheckResult{
			Allowed:   true,
			Unlimited: true,
			Cost:      0,
			Remaining: UnlimitedBalance,
		}, nil
	}

	balance := sub.Balance()
	if balance >= cost {
		s.metrics.RecordCheck(feature, checkOutcomeAffordable, s.clock().Sub(start))
		return &CheckResult{
			Allowed:   true,
			Cost:      cost,
			Remaining: balance - cost,
		}, nil
	}

	allowed, next, err := s.limiter.Check(ctx, dealerID, feature)
	if err != nil {
		s.metrics.RecordCheck(feature, checkOutcomeError, s.clock().Sub(start))
		return nil, fmt.Errorf("free-use check: %w", err)
	}

	if allowed {
		s.metrics.RecordCheck(feature, checkOutcomeRateLimitedFree, s.clock().Sub(start))
		return &CheckResult{
			Allowed:         true,
			Cost:            0,
			Remaining:       balance,
			RateLimitedFree: true,
			Warning:         freeUseWarning,
		}, nil
	}

	s.metrics.RecordCheck(feature, checkOutcomeDenied, s.clock().Sub(start))
	s.metrics.RecordFreeUseDenied(feature)
	return &CheckResult{
		Allowed:       false,
		Cost:          cost,
		Remaining:     balance,
		NextAllowedAt: next,
		Message:       "Insufficient credits and hourly free-use limit reached.",
	}, nil
}

// ConsumeCredits settles the charge for a feature that has already run.
// Bonus credits are debited first, spilling into the monthly balance, both
// floored at zero: a cost above the balance drains it without going
// negative. CreditsUsedThisCycle still increments by the nominal cost when
// the debit is capped, keeping usage accounting distinct from wallet
// accounting even at the floor.
//
// A ledger write failure here means the charge failed, not the feature;
// callers surface it as a warning.
func (s *Service) ConsumeCredits(ctx context.Context, dealerID, featureType, contextRef string, metadata map[string]string) (*ConsumeResult, error) {
	feature := CanonicalFeature(featureType)
	cost := s.costs.Cost(ctx, feature)

	sub, err := s.ledger.GetSubscription(ctx, dealerID)
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return nil, ErrNoSubscription
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if sub.Tier == TierUnlimited {
		s.appendUsage(ctx, sub, feature, 0, contextRef, metadata)
		s.metrics.RecordConsumption(feature, sub.Tier, 0, true)
		return &ConsumeResult{CreditsUsed: 0, Remaining: UnlimitedBalance, Unlimited: true}, nil
	}

	if cost == 0 {
		s.appendUsage(ctx, sub, feature, 0, contextRef, metadata)
		s.metrics.RecordConsumption(feature, sub.Tier, 0, true)
		return &ConsumeResult{CreditsUsed: 0, Remaining: sub.Balance()}, nil
	}

	start := s.clock()
	res, err := s.ledger.ApplyDeduction(ctx, &DeductionRequest{DealerID: dealerID, Cost: cost})
	s.metrics.RecordLedgerOperation("apply_deduction", s.clock().Sub(start), err)
	if err != nil {
		s.metrics.RecordConsumption(feature, sub.Tier, 0, false)
		s.logger.Error("credit deduction failed",
			Field{Key: "dealer_id", Value: dealerID},
			Field{Key: "feature", Value: feature},
			Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	s.appendUsage(ctx, res.Subscription, feature, res.Debited, contextRef, metadata)
	s.metrics.RecordConsumption(feature, sub.Tier, res.Debited, true)

	return &ConsumeResult{
		CreditsUsed: res.Debited,
		Remaining:   res.Subscription.Balance(),
	}, nil
}

// GetBalance returns the dealer-facing view of the ledger row.
func (s *Service) GetBalance(ctx context.Context, dealerID string) (*Balance, error) {
	sub, err := s.ledger.GetSubscription(ctx, dealerID)
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return nil, ErrNoSubscription
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	return &Balance{
		Total:         sub.Balance(),
		Monthly:       sub.CreditsRemaining,
		Bonus:         sub.BonusCredits,
		UsedThisCycle: sub.CreditsUsedThisCycle,
		Allowance:     sub.MonthlyAllowance,
		Tier:          sub.Tier,
		Unlimited:     sub.Tier == TierUnlimited,
		NextReset:     sub.CycleEnd,
	}, nil
}

// CreateSubscription seeds the default free-tier ledger row at dealer
// onboarding. The row is never deleted while the dealer account exists.
func (s *Service) CreateSubscription(ctx context.Context, dealerID string) (*Subscription, error) {
	now := s.clock()
	start, end := NewCycle(now)
	allowance := s.allowanceFor(TierFree)

	sub := &Subscription{
		DealerID:         dealerID,
		Tier:             TierFree,
		Status:           StatusActive,
		MonthlyAllowance: allowance,
		CreditsRemaining: allowance,
		CycleStart:       start,
		CycleEnd:         end,
		UpdatedAt:        now,
	}
	if err := s.ledger.PutSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// SetCostTable persists a new feature cost table and invalidates the loader
// cache so the new prices take effect on the next read.
func (s *Service) SetCostTable(ctx context.Context, costs map[string]int) error {
	normalized := make(map[string]int, len(costs))
	for k, v := range costs {
		if v < 0 {
			return ErrInvalidAmount
		}
		normalized[CanonicalFeature(k)] = v
	}
	if err := s.ledger.SetCostTable(ctx, normalized); err != nil {
		return fmt.Errorf("set cost table: %w", err)
	}
	s.costs.Invalidate()
	return nil
}

// ActivatePlan transitions a dealer onto a purchased plan: status active,
// fresh cycle, allowance and remaining set to the plan allotment, usage
// counter zeroed. Driven by checkout completion.
func (s *Service) ActivatePlan(ctx context.Context, dealerID string, tier PlanTier, subscriptionRef, customerRef string) error {
	allowance := s.allowanceFor(tier)
	start, end := NewCycle(s.clock())
	active := StatusActive

	req := &PlanChangeRequest{
		Tier:             &tier,
		Status:           &active,
		MonthlyAllowance: &allowance,
		CreditsRemaining: &allowance,
		CycleStart:       &start,
		CycleEnd:         &end,
		ZeroUsage:        true,
	}
	if subscriptionRef != "" {
		req.ExternalSubscriptionRef = &subscriptionRef
	}
	if customerRef != "" {
		req.ExternalCustomerRef = &customerRef
	}

	if err := s.ledger.ApplyPlanChange(ctx, dealerID, req); err != nil {
		return fmt.Errorf("activate plan: %w", err)
	}
	s.logger.Info("plan activated",
		Field{Key: "dealer_id", Value: dealerID},
		Field{Key: "tier", Value: string(tier)})
	return nil
}

// RenewCycle resets the monthly balance on a successful invoice payment.
// Bonus credits do not expire on rollover and are untouched.
func (s *Service) RenewCycle(ctx context.Context, dealerID string) error {
	sub, err := s.ledger.GetSubscription(ctx, dealerID)
	if err != nil {
		return err
	}

	start, end := NewCycle(s.clock())
	if err := s.ledger.ApplyCycleReset(ctx, dealerID, &CycleResetRequest{
		Allowance:  sub.MonthlyAllowance,
		CycleStart: start,
		CycleEnd:   end,
	}); err != nil {
		return fmt.Errorf("renew cycle: %w", err)
	}
	return nil
}

// MarkPastDue flags a failed invoice payment. Credit balances are untouched:
// the dealer keeps whatever they have until cancellation.
func (s *Service) MarkPastDue(ctx context.Context, dealerID string) error {
	pastDue := StatusPastDue
	return s.ledger.ApplyPlanChange(ctx, dealerID, &PlanChangeRequest{Status: &pastDue})
}

// CancelSubscription downgrades a dealer to the free tier: free allowance,
// bonus credits forfeited, provider subscription reference cleared.
func (s *Service) CancelSubscription(ctx context.Context, dealerID string) error {
	free := TierFree
	canceled := StatusCanceled
	allowance := s.allowanceFor(TierFree)
	zero := 0
	noRef := ""

	if err := s.ledger.ApplyPlanChange(ctx, dealerID, &PlanChangeRequest{
		Tier:                    &free,
		Status:                  &canceled,
		MonthlyAllowance:        &allowance,
		CreditsRemaining:        &allowance,
		BonusCredits:            &zero,
		ExternalSubscriptionRef: &noRef,
	}); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	s.logger.Info("subscription canceled", Field{Key: "dealer_id", Value: dealerID})
	return nil
}

// SyncPlanUpdate mirrors a provider-side subscription update. When the
// provider names a known tier the allowance follows it; the provider's
// status is passed through verbatim, with "active" mapping to active.
func (s *Service) SyncPlanUpdate(ctx context.Context, dealerID string, tier PlanTier, providerStatus string) error {
	req := &PlanChangeRequest{}

	if tier != "" {
		if _, ok := s.allowances[tier]; ok {
			allowance := s.allowanceFor(tier)
			req.Tier = &tier
			req.MonthlyAllowance = &allowance
		} else {
			s.logger.Warn("plan update carried unknown tier",
				Field{Key: "dealer_id", Value: dealerID},
				Field{Key: "tier", Value: string(tier)})
		}
	}

	if providerStatus != "" {
		status := SubscriptionStatus(providerStatus)
		if providerStatus == "active" {
			status = StatusActive
		}
		req.Status = &status
	}

	return s.ledger.ApplyPlanChange(ctx, dealerID, req)
}

// CreateCreditPack records a pending credit-pack purchase so the payment
// webhook can settle it later.
func (s *Service) CreateCreditPack(ctx context.Context, dealerID, paymentRef string, credits int) error {
	if credits <= 0 {
		return ErrInvalidAmount
	}
	return s.ledger.PutCreditPack(ctx, &CreditPackPurchase{
		DealerID:           dealerID,
		ExternalPaymentRef: paymentRef,
		CreditsPurchased:   credits,
		Status:             PackPending,
		CreatedAt:          s.clock(),
	})
}

// SettleCreditPack marks a credit-pack purchase succeeded and adds its
// credits onto the dealer's bonus balance. Idempotent per payment
// reference: a replayed notification grants nothing.
func (s *Service) SettleCreditPack(ctx context.Context, paymentRef string) error {
	pack, err := s.ledger.GetCreditPack(ctx, paymentRef)
	if err != nil {
		return err
	}

	settled, err := s.ledger.MarkCreditPackSucceeded(ctx, paymentRef)
	if err != nil {
		return fmt.Errorf("settle credit pack: %w", err)
	}
	if !settled {
		// Already granted on a previous delivery.
		return nil
	}

	if _, err := s.ledger.ApplyBonusCredits(ctx, pack.DealerID, pack.CreditsPurchased); err != nil {
		return fmt.Errorf("grant bonus credits: %w", err)
	}
	s.logger.Info("credit pack settled",
		Field{Key: "dealer_id", Value: pack.DealerID},
		Field{Key: "payment_ref", Value: paymentRef},
		Field{Key: "credits", Value: pack.CreditsPurchased})
	return nil
}

func (s *Service) allowanceFor(tier PlanTier) int {
	if v, ok := s.allowances[tier]; ok {
		return v
	}
	return DefaultAllowances[TierFree]
}

func (s *Service) appendUsage(ctx context.Context, sub *Subscription, feature string, credits int, contextRef string, metadata map[string]string) {
	entry := &UsageEntry{
		DealerID:        sub.DealerID,
		SubscriptionRef: sub.ExternalSubscriptionRef,
		FeatureType:     feature,
		CreditsUsed:     credits,
		ContextRef:      contextRef,
		Success:         true,
		Timestamp:       s.clock(),
		Metadata:        metadata,
	}
	if err := s.ledger.AppendUsage(ctx, entry); err != nil {
		// The charge already settled; a missing audit row is logged,
		// not surfaced as a failure.
		s.logger.Warn("usage log append failed",
			Field{Key: "dealer_id", Value: sub.DealerID},
			Field{Key: "feature", Value: feature},
			Field{Key: "error", Value: err.Error()})
	}
}

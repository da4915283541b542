// Package memory provides an in-memory implementation of the credit.Ledger
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// Ledger implements credit.Ledger using in-memory maps
type Ledger struct {
	mu            sync.RWMutex
	subscriptions map[string]*credit.Subscription
	usage         []*credit.UsageEntry
	costs         map[string]int
	events        map[string]*credit.WebhookEventRecord
	eventOrder    []string
	packs         map[string]*credit.CreditPackPurchase
	clock         func() time.Time
}

// New creates a new in-memory ledger
func New() *Ledger {
	return &Ledger{
		subscriptions: make(map[string]*credit.Subscription),
		costs:         nil,
		events:        make(map[string]*credit.WebhookEventRecord),
		packs:         make(map[string]*credit.CreditPackPurchase),
		clock:         time.Now,
	}
}

// WithClock overrides the clock used for UpdatedAt stamps. Test helper.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// GetSubscription implements credit.Ledger
func (l *Ledger) GetSubscription(_ context.Context, dealerID string) (*credit.Subscription, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sub, ok := l.subscriptions[dealerID]
	if !ok {
		return nil, credit.ErrNoSubscription
	}

	// Return a copy to prevent external mutations
	subCopy := *sub
	return &subCopy, nil
}

// GetSubscriptionByCustomerRef implements credit.Ledger
func (l *Ledger) GetSubscriptionByCustomerRef(_ context.Context, customerRef string) (*credit.Subscription, error) {
	if customerRef == "" {
		return nil, credit.ErrNoSubscription
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, sub := range l.subscriptions {
		if sub.ExternalCustomerRef == customerRef {
			subCopy := *sub
			return &subCopy, nil
		}
	}
	return nil, credit.ErrNoSubscription
}

// PutSubscription implements credit.Ledger
func (l *Ledger) PutSubscription(_ context.Context, sub *credit.Subscription) error {
	if sub == nil || sub.DealerID == "" {
		return fmt.Errorf("invalid subscription")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	subCopy := *sub
	subCopy.Version++
	subCopy.UpdatedAt = l.clock().UTC()
	l.subscriptions[sub.DealerID] = &subCopy
	return nil
}

// ApplyDeduction implements credit.Ledger. The whole debit happens under one
// lock so concurrent consumers cannot produce a lost update.
func (l *Ledger) ApplyDeduction(_ context.Context, req *credit.DeductionRequest) (*credit.DeductionResult, error) {
	if req == nil || req.Cost < 0 {
		return nil, credit.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok := l.subscriptions[req.DealerID]
	if !ok {
		return nil, credit.ErrNoSubscription
	}

	debited := 0

	// Bonus credits burn first, then the monthly balance, both floored
	// at zero.
	fromBonus := req.Cost
	if fromBonus > sub.BonusCredits {
		fromBonus = sub.BonusCredits
	}
	sub.BonusCredits -= fromBonus
	debited += fromBonus

	fromMonthly := req.Cost - fromBonus
	if fromMonthly > sub.CreditsRemaining {
		fromMonthly = sub.CreditsRemaining
	}
	sub.CreditsRemaining -= fromMonthly
	debited += fromMonthly

	// The cycle counter tracks nominal cost, not the capped debit.
	sub.CreditsUsedThisCycle += req.Cost
	sub.Version++
	sub.UpdatedAt = l.clock().UTC()

	subCopy := *sub
	return &credit.DeductionResult{Subscription: &subCopy, Debited: debited}, nil
}

// ApplyCycleReset implements credit.Ledger
func (l *Ledger) ApplyCycleReset(_ context.Context, dealerID string, req *credit.CycleResetRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok := l.subscriptions[dealerID]
	if !ok {
		return credit.ErrNoSubscription
	}

	sub.CreditsRemaining = req.Allowance
	sub.CreditsUsedThisCycle = 0
	sub.Status = credit.StatusActive
	sub.CycleStart = req.CycleStart
	sub.CycleEnd = req.CycleEnd
	sub.Version++
	sub.UpdatedAt = l.clock().UTC()
	return nil
}

// ApplyPlanChange implements credit.Ledger
func (l *Ledger) ApplyPlanChange(_ context.Context, dealerID string, req *credit.PlanChangeRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok := l.subscriptions[dealerID]
	if !ok {
		return credit.ErrNoSubscription
	}

	if req.Tier != nil {
		sub.Tier = *req.Tier
	}
	if req.Status != nil {
		sub.Status = *req.Status
	}
	if req.MonthlyAllowance != nil {
		sub.MonthlyAllowance = *req.MonthlyAllowance
	}
	if req.CreditsRemaining != nil {
		sub.CreditsRemaining = *req.CreditsRemaining
	}
	if req.BonusCredits != nil {
		sub.BonusCredits = *req.BonusCredits
	}
	if req.CycleStart != nil {
		sub.CycleStart = *req.CycleStart
	}
	if req.CycleEnd != nil {
		sub.CycleEnd = *req.CycleEnd
	}
	if req.ZeroUsage {
		sub.CreditsUsedThisCycle = 0
	}
	if req.ExternalSubscriptionRef != nil {
		sub.ExternalSubscriptionRef = *req.ExternalSubscriptionRef
	}
	if req.ExternalCustomerRef != nil {
		sub.ExternalCustomerRef = *req.ExternalCustomerRef
	}
	sub.Version++
	sub.UpdatedAt = l.clock().UTC()
	return nil
}

// ApplyBonusCredits implements credit.Ledger
func (l *Ledger) ApplyBonusCredits(_ context.Context, dealerID string, credits int) (*credit.Subscription, error) {
	if credits <= 0 {
		return nil, credit.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok := l.subscriptions[dealerID]
	if !ok {
		return nil, credit.ErrNoSubscription
	}

	sub.BonusCredits += credits
	sub.Version++
	sub.UpdatedAt = l.clock().UTC()

	subCopy := *sub
	return &subCopy, nil
}

// AppendUsage implements credit.Ledger
func (l *Ledger) AppendUsage(_ context.Context, entry *credit.UsageEntry) error {
	if entry == nil || entry.DealerID == "" {
		return fmt.Errorf("invalid usage entry")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entryCopy := *entry
	l.usage = append(l.usage, &entryCopy)
	return nil
}

// CountUsageSince implements credit.Ledger
func (l *Ledger) CountUsageSince(_ context.Context, dealerID, featureType string, since time.Time) (int, time.Time, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	var oldest time.Time
	for _, entry := range l.usage {
		if entry.DealerID != dealerID || entry.FeatureType != featureType {
			continue
		}
		if entry.Timestamp.Before(since) {
			continue
		}
		count++
		if oldest.IsZero() || entry.Timestamp.Before(oldest) {
			oldest = entry.Timestamp
		}
	}
	return count, oldest, nil
}

// GetCostTable implements credit.Ledger
func (l *Ledger) GetCostTable(_ context.Context) (map[string]int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.costs == nil {
		return nil, credit.ErrCostTableNotFound
	}

	out := make(map[string]int, len(l.costs))
	for k, v := range l.costs {
		out[k] = v
	}
	return out, nil
}

// SetCostTable implements credit.Ledger
func (l *Ledger) SetCostTable(_ context.Context, costs map[string]int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := make(map[string]int, len(costs))
	for k, v := range costs {
		stored[k] = v
	}
	l.costs = stored
	return nil
}

// InsertEventRecord implements credit.Ledger
func (l *Ledger) InsertEventRecord(_ context.Context, rec *credit.WebhookEventRecord) error {
	if rec == nil || rec.ExternalEventID == "" {
		return fmt.Errorf("invalid event record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.events[rec.ExternalEventID]; exists {
		return credit.ErrDuplicateEvent
	}

	recCopy := *rec
	recCopy.Processed = false
	recCopy.ErrorMessage = ""
	if recCopy.ReceivedAt.IsZero() {
		recCopy.ReceivedAt = l.clock().UTC()
	}
	l.events[rec.ExternalEventID] = &recCopy
	l.eventOrder = append(l.eventOrder, rec.ExternalEventID)
	return nil
}

// MarkEventProcessed implements credit.Ledger
func (l *Ledger) MarkEventProcessed(_ context.Context, externalEventID string, procErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.events[externalEventID]
	if !ok {
		return fmt.Errorf("event %s not found", externalEventID)
	}

	if procErr != nil {
		rec.Processed = false
		rec.ErrorMessage = procErr.Error()
	} else {
		rec.Processed = true
		rec.ErrorMessage = ""
	}
	return nil
}

// ListUnprocessedEvents implements credit.Ledger
func (l *Ledger) ListUnprocessedEvents(_ context.Context, limit int) ([]*credit.WebhookEventRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*credit.WebhookEventRecord
	for _, id := range l.eventOrder {
		rec := l.events[id]
		if rec.Processed || rec.ErrorMessage == "" {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}

// PutCreditPack implements credit.Ledger
func (l *Ledger) PutCreditPack(_ context.Context, pack *credit.CreditPackPurchase) error {
	if pack == nil || pack.ExternalPaymentRef == "" {
		return fmt.Errorf("invalid credit pack")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// An existing record wins: re-creating a pending pack must not reset
	// a settled one.
	if _, exists := l.packs[pack.ExternalPaymentRef]; exists {
		return nil
	}

	packCopy := *pack
	if packCopy.CreatedAt.IsZero() {
		packCopy.CreatedAt = l.clock().UTC()
	}
	l.packs[pack.ExternalPaymentRef] = &packCopy
	return nil
}

// GetCreditPack implements credit.Ledger
func (l *Ledger) GetCreditPack(_ context.Context, paymentRef string) (*credit.CreditPackPurchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pack, ok := l.packs[paymentRef]
	if !ok {
		return nil, credit.ErrCreditPackNotFound
	}

	packCopy := *pack
	return &packCopy, nil
}

// MarkCreditPackSucceeded implements credit.Ledger
func (l *Ledger) MarkCreditPackSucceeded(_ context.Context, paymentRef string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pack, ok := l.packs[paymentRef]
	if !ok {
		return false, credit.ErrCreditPackNotFound
	}
	if pack.Status == credit.PackSucceeded {
		return false, nil
	}

	pack.Status = credit.PackSucceeded
	return true, nil
}

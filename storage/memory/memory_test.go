package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lotworks/dealercredit/pkg/credit"
	"github.com/lotworks/dealercredit/storage/memory"
)

func TestPutAndGetSubscription(t *testing.T) {
	ledger := memory.New()
	ctx := context.Background()

	sub := &credit.Subscription{
		DealerID:            "dealer-1",
		Tier:                credit.TierPro,
		Status:              credit.StatusActive,
		CreditsRemaining:    500,
		ExternalCustomerRef: "cus_123",
	}
	if err := ledger.PutSubscription(ctx, sub); err != nil {
		t.Fatalf("PutSubscription failed: %v", err)
	}

	got, err := ledger.GetSubscription(ctx, "dealer-1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.CreditsRemaining != 500 {
		t.Errorf("Expected 500 remaining, got %d", got.CreditsRemaining)
	}
	if got.Version != 1 {
		t.Errorf("Expected version bumped to 1, got %d", got.Version)
	}

	// The returned copy must not alias ledger state.
	got.CreditsRemaining = 0
	again, _ := ledger.GetSubscription(ctx, "dealer-1")
	if again.CreditsRemaining != 500 {
		t.Error("Expected GetSubscription to return a copy")
	}

	byRef, err := ledger.GetSubscriptionByCustomerRef(ctx, "cus_123")
	if err != nil {
		t.Fatalf("GetSubscriptionByCustomerRef failed: %v", err)
	}
	if byRef.DealerID != "dealer-1" {
		t.Errorf("Expected dealer-1 by customer ref, got %s", byRef.DealerID)
	}

	if _, err := ledger.GetSubscriptionByCustomerRef(ctx, ""); !errors.Is(err, credit.ErrNoSubscription) {
		t.Errorf("Expected ErrNoSubscription for empty ref, got %v", err)
	}
	if _, err := ledger.GetSubscription(ctx, "nobody"); !errors.Is(err, credit.ErrNoSubscription) {
		t.Errorf("Expected ErrNoSubscription, got %v", err)
	}
}

func TestApplyDeduction(t *testing.T) {
	cases := []struct {
		name         string
		bonus        int
		monthly      int
		cost         int
		wantDebited  int
		wantBonus    int
		wantMonthly  int
		wantUsedIncr int
	}{
		{"monthly only", 0, 100, 5, 5, 0, 95, 5},
		{"bonus first", 10, 100, 5, 5, 5, 100, 5},
		{"split across both", 3, 100, 5, 5, 0, 98, 5},
		{"capped at floor", 1, 2, 5, 3, 0, 0, 5},
		{"empty balances", 0, 0, 5, 0, 0, 0, 5},
		{"zero cost", 4, 6, 0, 0, 4, 6, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := memory.New()
			ctx := context.Background()

			err := ledger.PutSubscription(ctx, &credit.Subscription{
				DealerID:         "dealer-1",
				Tier:             credit.TierPro,
				Status:           credit.StatusActive,
				BonusCredits:     tc.bonus,
				CreditsRemaining: tc.monthly,
			})
			if err != nil {
				t.Fatalf("PutSubscription failed: %v", err)
			}

			result, err := ledger.ApplyDeduction(ctx, &credit.DeductionRequest{
				DealerID: "dealer-1",
				Cost:     tc.cost,
			})
			if err != nil {
				t.Fatalf("ApplyDeduction failed: %v", err)
			}
			if result.Debited != tc.wantDebited {
				t.Errorf("Debited = %d, want %d", result.Debited, tc.wantDebited)
			}
			if result.Subscription.BonusCredits != tc.wantBonus {
				t.Errorf("BonusCredits = %d, want %d", result.Subscription.BonusCredits, tc.wantBonus)
			}
			if result.Subscription.CreditsRemaining != tc.wantMonthly {
				t.Errorf("CreditsRemaining = %d, want %d", result.Subscription.CreditsRemaining, tc.wantMonthly)
			}
			if result.Subscription.CreditsUsedThisCycle != tc.wantUsedIncr {
				t.Errorf("CreditsUsedThisCycle = %d, want %d",
					result.Subscription.CreditsUsedThisCycle, tc.wantUsedIncr)
			}
		})
	}
}

func TestApplyDeduction_Errors(t *testing.T) {
	ledger := memory.New()
	ctx := context.Background()

	_, err := ledger.ApplyDeduction(ctx, &credit.DeductionRequest{DealerID: "nobody", Cost: 1})
	if !errors.Is(err, credit.ErrNoSubscription) {
		t.Errorf("Expected ErrNoSubscription, got %v", err)
	}

	_, err = ledger.ApplyDeduction(ctx, &credit.DeductionRequest{DealerID: "dealer-1", Cost: -1})
	if !errors.Is(err, credit.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for negative cost, got %v", err)
	}
}

func TestApplyDeduction_Concurrent(t *testing.T) {
	ledger := memory.New()
	ctx := context.Background()

	err := ledger.PutSubscription(ctx, &credit.Subscription{
		DealerID:         "dealer-1",
		Tier:             credit.TierPro,
		Status:           credit.StatusActive,
		CreditsRemaining: 100,
	})
	if err != nil {
		t.Fatalf("PutSubscription failed: %v", err)
	}

	done := make(chan error, 100)
	for i := 0; i < 100; i++ {
		go func() {
			_, err := ledger.ApplyDeduction(ctx, &credit.DeductionRequest{
				DealerID: "dealer-1",
				Cost:     1,
			})
			done <- err
		}()
	}
	for i := 0; i < 100; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Concurrent ApplyDeduction failed: %v", err)
		}
	}

	sub, _ := ledger.GetSubscription(ctx, "dealer-1")
	if sub.CreditsRemaining != 0 {
		t.Errorf("Expected 0 remaining after 100 concurrent debits, got %d", sub.CreditsRemaining)
	}
	if sub.CreditsUsedThisCycle != 100 {
		t.Errorf("Expected 100 used, got %d", sub.CreditsUsedThisCycle)
	}
}

func TestCountUsageSince(t *testing.T) {
	ledger := memory.New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []struct {
		feature string
		at      time.Time
	}{
		{"AI_ARNIE_QUERY", base.Add(-90 * time.Minute)}, // outside the window
		{"AI_ARNIE_QUERY", base.Add(-30 * time.Minute)},
		{"AI_ARNIE_QUERY", base.Add(-10 * time.Minute)},
		{"VIN_DECODE", base.Add(-5 * time.Minute)}, // different feature
	}
	for _, e := range entries {
		err := ledger.AppendUsage(ctx, &credit.UsageEntry{
			DealerID:    "dealer-1",
			FeatureType: e.feature,
			Timestamp:   e.at,
		})
		if err != nil {
			t.Fatalf("AppendUsage failed: %v", err)
		}
	}

	count, oldest, err := ledger.CountUsageSince(ctx, "dealer-1", "AI_ARNIE_QUERY", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountUsageSince failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 entries in the window, got %d", count)
	}
	if !oldest.Equal(base.Add(-30 * time.Minute)) {
		t.Errorf("Expected oldest in-window entry, got %v", oldest)
	}
}

func TestEventIdempotency(t *testing.T) {
	ledger := memory.New()
	ctx := context.Background()

	rec := &credit.WebhookEventRecord{
		ExternalEventID: "evt_123",
		EventType:       "checkout.session.completed",
	}
	if err := ledger.InsertEventRecord(ctx, rec); err != nil {
		t.Fatalf("InsertEventRecord failed: %v", err)
	}

	err := ledger.InsertEventRecord(ctx, &credit.WebhookEventRecord{
		ExternalEventID: "evt_123",
		EventType:       "checkout.session.completed",
	})
	if !errors.Is(err, credit.ErrDuplicateEvent) {
		t.Fatalf("Expected ErrDuplicateEvent on replay, got %v", err)
	}
}

func TestListUnprocessedEvents(t *testing.T) {
	ledger := memory.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("evt_%d", i)
		err := ledger.InsertEventRecord(ctx, &credit.WebhookEventRecord{
			ExternalEventID: id,
			EventType:       "invoice.payment_succeeded",
		})
		if err != nil {
			t.Fatalf("InsertEventRecord failed: %v", err)
		}
	}

	// evt_0 succeeds, evt_1 fails, evt_2 was never attempted.
	if err := ledger.MarkEventProcessed(ctx, "evt_0", nil); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
	if err := ledger.MarkEventProcessed(ctx, "evt_1", errors.New("ledger write failed")); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}

	// Only the failed event is a retry candidate: unattempted inserts may
	// still be in flight.
	failed, err := ledger.ListUnprocessedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnprocessedEvents failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ExternalEventID != "evt_1" {
		t.Fatalf("Expected only evt_1 listed, got %v", failed)
	}
	if failed[0].ErrorMessage != "ledger write failed" {
		t.Errorf("Expected stored error message, got %q", failed[0].ErrorMessage)
	}

	// A successful retry clears it from the list.
	if err := ledger.MarkEventProcessed(ctx, "evt_1", nil); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
	failed, _ = ledger.ListUnprocessedEvents(ctx, 10)
	if len(failed) != 0 {
		t.Errorf("Expected no retry candidates, got %d", len(failed))
	}
}

func TestCreditPackLifecycle(t *testing.T) {
	ledger := memory.New()
	ctx := context.Background()

	pack := &credit.CreditPackPurchase{
		ExternalPaymentRef: "pi_123",
		DealerID:           "dealer-1",
		CreditsPurchased:   200,
		Status:             credit.PackPending,
	}
	if err := ledger.PutCreditPack(ctx, pack); err != nil {
		t.Fatalf("PutCreditPack failed: %v", err)
	}

	granted, err := ledger.MarkCreditPackSucceeded(ctx, "pi_123")
	if err != nil {
		t.Fatalf("MarkCreditPackSucceeded failed: %v", err)
	}
	if !granted {
		t.Fatal("Expected first settle to report the transition")
	}

	// Settling again reports no transition.
	granted, err = ledger.MarkCreditPackSucceeded(ctx, "pi_123")
	if err != nil {
		t.Fatalf("MarkCreditPackSucceeded replay failed: %v", err)
	}
	if granted {
		t.Error("Expected replayed settle to report no transition")
	}

	// Re-creating the pending record must not reset the settled status.
	if err := ledger.PutCreditPack(ctx, pack); err != nil {
		t.Fatalf("PutCreditPack replay failed: %v", err)
	}
	stored, err := ledger.GetCreditPack(ctx, "pi_123")
	if err != nil {
		t.Fatalf("GetCreditPack failed: %v", err)
	}
	if stored.Status != credit.PackSucceeded {
		t.Errorf("Expected settled status preserved, got %s", stored.Status)
	}

	if _, err := ledger.MarkCreditPackSucceeded(ctx, "pi_missing"); !errors.Is(err, credit.ErrCreditPackNotFound) {
		t.Errorf("Expected ErrCreditPackNotFound, got %v", err)
	}
}

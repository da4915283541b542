package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/lotworks/dealercredit/pkg/credit"
	"github.com/lotworks/dealercredit/storage/memory"
)

func appendUse(t *testing.T, ledger *memory.Ledger, feature string, at time.Time) {
	t.Helper()
	err := ledger.AppendUsage(context.Background(), &credit.UsageEntry{
		DealerID:    "dealer-1",
		FeatureType: feature,
		CreditsUsed: 0,
		Timestamp:   at,
	})
	if err != nil {
		t.Fatalf("AppendUsage failed: %v", err)
	}
}

func TestFreeUseLimiter_SlidingWindow(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger := memory.New().WithClock(clock.Now)
	limiter := credit.NewFreeUseLimiter(ledger, credit.Config{Clock: clock.Now})
	ctx := context.Background()

	allowed, next, err := limiter.Check(ctx, "dealer-1", "AI_ARNIE_QUERY")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !allowed || next != nil {
		t.Fatal("Expected an empty window to allow")
	}

	first := clock.Now()
	appendUse(t, ledger, "AI_ARNIE_QUERY", first)
	clock.Advance(10 * time.Minute)
	appendUse(t, ledger, "AI_ARNIE_QUERY", clock.Now())
	clock.Advance(10 * time.Minute)
	appendUse(t, ledger, "AI_ARNIE_QUERY", clock.Now())

	allowed, next, err = limiter.Check(ctx, "dealer-1", "AI_ARNIE_QUERY")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if allowed {
		t.Fatal("Expected denial at the cap")
	}
	if next == nil || !next.Equal(first.Add(time.Hour)) {
		t.Errorf("Expected next allowed at %v, got %v", first.Add(time.Hour), next)
	}

	// The oldest entry ages out 60 minutes after it was written.
	clock.Advance(41 * time.Minute)
	allowed, _, err = limiter.Check(ctx, "dealer-1", "AI_ARNIE_QUERY")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !allowed {
		t.Error("Expected the window to admit a call once the oldest entry aged out")
	}
}

func TestFreeUseLimiter_PerFeatureOverride(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger := memory.New().WithClock(clock.Now)
	limiter := credit.NewFreeUseLimiter(ledger, credit.Config{
		Clock:         clock.Now,
		FreeUseLimits: map[string]int{"email_draft": 1},
	})
	ctx := context.Background()

	appendUse(t, ledger, "EMAIL_DRAFT", clock.Now())

	allowed, _, err := limiter.Check(ctx, "dealer-1", "EMAIL_DRAFT")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if allowed {
		t.Error("Expected the per-feature limit of 1 to deny the second use")
	}

	// Other features stay on the default limit.
	allowed, _, err = limiter.Check(ctx, "dealer-1", "VIN_DECODE")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !allowed {
		t.Error("Expected an unrelated feature to be unaffected")
	}
}

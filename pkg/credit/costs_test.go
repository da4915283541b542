package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/lotworks/dealercredit/pkg/credit"
	"github.com/lotworks/dealercredit/storage/memory"
)

func newTestCostTable(t *testing.T) (*credit.CostTable, *memory.Ledger, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger := memory.New().WithClock(clock.Now)
	table := credit.NewCostTable(ledger, credit.Config{Clock: clock.Now})
	return table, ledger, clock
}

func TestCostTable_DefaultsWhenUnstored(t *testing.T) {
	table, _, _ := newTestCostTable(t)
	ctx := context.Background()

	if cost := table.Cost(ctx, "VEHICLE_RESEARCH"); cost != 5 {
		t.Errorf("Expected default cost 5, got %d", cost)
	}
	if cost := table.Cost(ctx, "email_draft"); cost != 1 {
		t.Errorf("Expected default cost 1 for lowercase key, got %d", cost)
	}
	if cost := table.Cost(ctx, "NOT_A_FEATURE"); cost != 0 {
		t.Errorf("Expected unknown feature to cost 0, got %d", cost)
	}
}

func TestCostTable_CachesWithinTTL(t *testing.T) {
	table, ledger, clock := newTestCostTable(t)
	ctx := context.Background()

	if err := ledger.SetCostTable(ctx, map[string]int{"VEHICLE_RESEARCH": 9}); err != nil {
		t.Fatalf("SetCostTable failed: %v", err)
	}
	if cost := table.Cost(ctx, "VEHICLE_RESEARCH"); cost != 9 {
		t.Fatalf("Expected stored cost 9, got %d", cost)
	}

	// A backing-store change inside the TTL is not observed.
	if err := ledger.SetCostTable(ctx, map[string]int{"VEHICLE_RESEARCH": 20}); err != nil {
		t.Fatalf("SetCostTable failed: %v", err)
	}
	clock.Advance(4 * time.Minute)
	if cost := table.Cost(ctx, "VEHICLE_RESEARCH"); cost != 9 {
		t.Errorf("Expected cached cost 9 inside TTL, got %d", cost)
	}

	// Past the TTL the new price is picked up.
	clock.Advance(2 * time.Minute)
	if cost := table.Cost(ctx, "VEHICLE_RESEARCH"); cost != 20 {
		t.Errorf("Expected reloaded cost 20 after TTL, got %d", cost)
	}
}

func TestCostTable_Invalidate(t *testing.T) {
	table, ledger, _ := newTestCostTable(t)
	ctx := context.Background()

	if err := ledger.SetCostTable(ctx, map[string]int{"VIN_DECODE": 2}); err != nil {
		t.Fatalf("SetCostTable failed: %v", err)
	}
	if cost := table.Cost(ctx, "VIN_DECODE"); cost != 2 {
		t.Fatalf("Expected cost 2, got %d", cost)
	}

	if err := ledger.SetCostTable(ctx, map[string]int{"VIN_DECODE": 4}); err != nil {
		t.Fatalf("SetCostTable failed: %v", err)
	}
	table.Invalidate()
	if cost := table.Cost(ctx, "VIN_DECODE"); cost != 4 {
		t.Errorf("Expected cost 4 immediately after Invalidate, got %d", cost)
	}
}

func TestCostTable_NormalizesStoredKeys(t *testing.T) {
	table, ledger, _ := newTestCostTable(t)
	ctx := context.Background()

	// A legacy record with mixed-case keys still resolves canonically.
	if err := ledger.SetCostTable(ctx, map[string]int{" form_autofill ": 7}); err != nil {
		t.Fatalf("SetCostTable failed: %v", err)
	}
	if cost := table.Cost(ctx, "FORM_AUTOFILL"); cost != 7 {
		t.Errorf("Expected normalized key to resolve to 7, got %d", cost)
	}
}

func TestCostTable_Snapshot(t *testing.T) {
	table, ledger, _ := newTestCostTable(t)
	ctx := context.Background()

	if err := ledger.SetCostTable(ctx, map[string]int{"VEHICLE_RESEARCH": 5, "EMAIL_DRAFT": 1}); err != nil {
		t.Fatalf("SetCostTable failed: %v", err)
	}

	snap := table.Snapshot(ctx)
	if len(snap) != 2 || snap["VEHICLE_RESEARCH"] != 5 {
		t.Fatalf("Unexpected snapshot: %v", snap)
	}

	// Mutating the snapshot must not leak into the cache.
	snap["VEHICLE_RESEARCH"] = 99
	if cost := table.Cost(ctx, "VEHICLE_RESEARCH"); cost != 5 {
		t.Errorf("Expected snapshot to be a copy, got cost %d", cost)
	}
}

func TestCanonicalFeature(t *testing.T) {
	cases := map[string]string{
		"vehicle_research":   "VEHICLE_RESEARCH",
		"  Market_Analysis ": "MARKET_ANALYSIS",
		"VIN_DECODE":         "VIN_DECODE",
		"":                   "",
	}
	for in, want := range cases {
		if got := credit.CanonicalFeature(in); got != want {
			t.Errorf("CanonicalFeature(%q) = %q, want %q", in, got, want)
		}
	}
}

package credit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultCostTableTTL bounds how long a loaded cost table is served from
// cache before the backing record is consulted again.
const DefaultCostTableTTL = 5 * time.Minute

// DefaultCostTable is the built-in fallback used when the stored table is
// absent or the read fails. Keys are canonical uppercase feature types.
var DefaultCostTable = map[string]int{
	"VEHICLE_RESEARCH": 5,
	"MARKET_ANALYSIS":  5,
	"AI_ARNIE_QUERY":   2,
	"FORM_AUTOFILL":    3,
	"EMAIL_DRAFT":      1,
	"VIN_DECODE":       1,
}

// CostTable resolves the current credit price of a feature, caching the
// stored table for a bounded window. The clock is injected so tests control
// expiry without wall-clock sleeps.
type CostTable struct {
	ledger   Ledger
	defaults map[string]int
	ttl      time.Duration
	clock    func() time.Time
	logger   Logger
	metrics  Metrics

	mu       sync.RWMutex
	cached   map[string]int
	loadedAt time.Time
}

// NewCostTable creates a cost table loader backed by the given ledger.
func NewCostTable(ledger Ledger, config Config) *CostTable {
	defaults := config.DefaultCosts
	if defaults == nil {
		defaults = DefaultCostTable
	}
	ttl := config.CostTableTTL
	if ttl <= 0 {
		ttl = DefaultCostTableTTL
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &CostTable{
		ledger:   ledger,
		defaults: defaults,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// Cost returns the credit price of a feature. Unknown features resolve to 0:
// an unpriced feature is free rather than an error.
func (t *CostTable) Cost(ctx context.Context, featureType string) int {
	key := CanonicalFeature(featureType)
	table := t.load(ctx)

	if cost, ok := table[key]; ok {
		return cost
	}
	return 0
}

// Snapshot returns a copy of the active cost table.
func (t *CostTable) Snapshot(ctx context.Context) map[string]int {
	table := t.load(ctx)
	out := make(map[string]int, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}

// Invalidate drops the cached table so the next read hits the backing store.
// Called after admin price updates so new prices take effect immediately.
func (t *CostTable) Invalidate() {
	t.mu.Lock()
	t.cached = nil
	t.loadedAt = time.Time{}
	t.mu.Unlock()
}

func (t *CostTable) load(ctx context.Context) map[string]int {
	now := t.clock()

	t.mu.RLock()
	if t.cached != nil && now.Sub(t.loadedAt) < t.ttl {
		table := t.cached
		t.mu.RUnlock()
		return table
	}
	t.mu.RUnlock()

	stored, err := t.ledger.GetCostTable(ctx)
	if err != nil {
		if !errors.Is(err, ErrCostTableNotFound) {
			t.logger.Warn("cost table read failed, using defaults",
				Field{Key: "error", Value: err.Error()})
		}
		t.metrics.RecordCostTableReload(true)
		// Cache the defaults too: a broken backing store should not be
		// hammered on every feature call.
		t.store(t.defaults, now)
		return t.defaults
	}

	// Normalize stored keys; the backing record may predate canonical casing.
	table := make(map[string]int, len(stored))
	for k, v := range stored {
		table[CanonicalFeature(k)] = v
	}

	t.metrics.RecordCostTableReload(false)
	t.store(table, now)
	return table
}

func (t *CostTable) store(table map[string]int, loadedAt time.Time) {
	t.mu.Lock()
	t.cached = table
	t.loadedAt = loadedAt
	t.mu.Unlock()
}

package credit

import "time"

// Metrics defines the interface for tracking metering operations.
type Metrics interface {
	// RecordCheck records a credit check and its outcome
	// ("affordable", "rate_limited_free", "denied", "error").
	RecordCheck(featureType, outcome string, duration time.Duration)

	// RecordConsumption records a consume attempt with the credits
	// actually debited.
	RecordConsumption(featureType string, tier PlanTier, credits int, success bool)

	// RecordFreeUseDenied records a free-use rate limit denial.
	RecordFreeUseDenied(featureType string)

	// RecordCostTableReload records a cost-table cache reload;
	// fromDefaults is set when the stored table was unavailable.
	RecordCostTableReload(fromDefaults bool)

	// RecordLedgerOperation records the duration and status of a ledger
	// operation.
	RecordLedgerOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCheck(featureType, outcome string, duration time.Duration)            {}
func (n *NoopMetrics) RecordConsumption(ft string, tier PlanTier, credits int, success bool)      {}
func (n *NoopMetrics) RecordFreeUseDenied(featureType string)                                     {}
func (n *NoopMetrics) RecordCostTableReload(fromDefaults bool)                                    {}
func (n *NoopMetrics) RecordLedgerOperation(operation string, d time.Duration, err error)         {}

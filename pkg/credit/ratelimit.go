package credit

import (
	"context"
	"time"
)

const (
	// DefaultFreeUseLimit is the per-feature hourly cap applied when a
	// feature has no explicit limit configured
	DefaultFreeUseLimit = 3

	// DefaultFreeUseWindow is the trailing window the cap is counted over
	DefaultFreeUseWindow = time.Hour
)

// FreeUseLimiter bounds how often a feature may run for free once a dealer
// is out of credits. It counts the dealer's usage log entries over a sliding
// trailing window, so the cap frees up one entry at a time rather than
// resetting at the top of the hour. It is a safety valve, not a hard quota.
type FreeUseLimiter struct {
	ledger       Ledger
	window       time.Duration
	limits       map[string]int
	defaultLimit int
	clock        func() time.Time
}

// NewFreeUseLimiter creates a limiter that reads the usage log via the
// given ledger.
func NewFreeUseLimiter(ledger Ledger, config Config) *FreeUseLimiter {
	window := config.FreeUseWindow
	if window <= 0 {
		window = DefaultFreeUseWindow
	}
	defaultLimit := config.FreeUseLimit
	if defaultLimit <= 0 {
		defaultLimit = DefaultFreeUseLimit
	}

	limits := make(map[string]int, len(config.FreeUseLimits))
	for k, v := range config.FreeUseLimits {
		limits[CanonicalFeature(k)] = v
	}

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &FreeUseLimiter{
		ledger:       ledger,
		window:       window,
		limits:       limits,
		defaultLimit: defaultLimit,
		clock:        clock,
	}
}

// Check reports whether another free use of the feature is allowed. On
// denial it returns the time the window next admits a call: the oldest
// entry in the window plus the window length.
func (l *FreeUseLimiter) Check(ctx context.Context, dealerID, featureType string) (bool, *time.Time, error) {
	feature := CanonicalFeature(featureType)
	now := l.clock()
	since := now.Add(-l.window)

	count, oldest, err := l.ledger.CountUsageSince(ctx, dealerID, feature, since)
	if err != nil {
		return false, nil, err
	}

	limit := l.defaultLimit
	if v, ok := l.limits[feature]; ok {
		limit = v
	}

	if count < limit {
		return true, nil, nil
	}

	next := oldest.Add(l.window)
	return false, &next, nil
}

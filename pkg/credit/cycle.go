package credit

import "time"

// CycleLength is the billing cycle opened by plan activation and renewal.
const CycleLength = 30 * 24 * time.Hour

// NewCycle returns the bounds of a billing cycle starting now.
func NewCycle(now time.Time) (start, end time.Time) {
	start = now.UTC()
	return start, start.Add(CycleLength)
}

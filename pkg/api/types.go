package api

import "time"

// BalanceResponse is the dealer-facing credit balance payload
type BalanceResponse struct {
	DealerID      string    `json:"dealer_id"`
	Tier          string    `json:"tier"`
	Balance       int       `json:"balance"`        // combined balance (-1 for unlimited)
	Monthly       int       `json:"monthly"`        // monthly credits remaining
	Bonus         int       `json:"bonus"`          // purchased bonus credits
	UsedThisCycle int       `json:"used_this_cycle"`
	Allowance     int       `json:"allowance"`
	Unlimited     bool      `json:"unlimited"`
	NextReset     time.Time `json:"next_reset"`
}

// CheckResponse is the result of a dry-run credit check
type CheckResponse struct {
	Allowed       bool       `json:"allowed"`
	Cost          int        `json:"cost"`
	Remaining     int        `json:"remaining"`
	Unlimited     bool       `json:"unlimited"`
	FreeUse       bool       `json:"free_use,omitempty"`
	Warning       string     `json:"warning,omitempty"`
	NextAllowedAt *time.Time `json:"next_allowed_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// CostTableResponse carries the active per-feature credit costs
type CostTableResponse struct {
	Costs map[string]int `json:"costs"`
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lotworks/dealercredit/pkg/credit"
)

const maxDealerIDLen = 255

// Handler provides HTTP endpoints for credit inspection and administration
type Handler struct {
	config Config
}

// GetBalance returns the dealer's current credit standing
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	dealerID, ok := h.dealerID(w, r)
	if !ok {
		return
	}

	balance, err := h.config.Service.GetBalance(r.Context(), dealerID)
	if err != nil {
		if errors.Is(err, credit.ErrNoSubscription) {
			h.handleError(w, r, fmt.Errorf("no subscription for dealer"), http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to load balance: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		DealerID:      dealerID,
		Tier:          string(balance.Tier),
		Balance:       balance.Total,
		Monthly:       balance.Monthly,
		Bonus:         balance.Bonus,
		UsedThisCycle: balance.UsedThisCycle,
		Allowance:     balance.Allowance,
		Unlimited:     balance.Unlimited,
		NextReset:     balance.NextReset,
	})
}

// CheckFeature performs a dry-run credit check for the feature named in the
// "feature" query parameter. Nothing is consumed.
func (h *Handler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	dealerID, ok := h.dealerID(w, r)
	if !ok {
		return
	}

	feature := r.URL.Query().Get("feature")
	if feature == "" {
		h.handleError(w, r, fmt.Errorf("feature query parameter is required"), http.StatusBadRequest)
		return
	}

	result, err := h.config.Service.CheckCredits(r.Context(), dealerID, feature)
	if err != nil {
		if errors.Is(err, credit.ErrNoSubscription) {
			h.handleError(w, r, fmt.Errorf("no subscription for dealer"), http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to check credits: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{
		Allowed:       result.Allowed,
		Cost:          result.Cost,
		Remaining:     result.Remaining,
		Unlimited:     result.Unlimited,
		FreeUse:       result.RateLimitedFree,
		Warning:       result.Warning,
		NextAllowedAt: result.NextAllowedAt,
		Message:       result.Message,
	})
}

// GetCosts returns the active per-feature credit costs. Admin only.
func (h *Handler) GetCosts(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		h.handleError(w, r, fmt.Errorf("forbidden"), http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, CostTableResponse{
		Costs: h.config.Service.Costs().Snapshot(r.Context()),
	})
}

// UpdateCosts replaces the stored cost table. Admin only. The cache is
// invalidated so new prices take effect immediately.
func (h *Handler) UpdateCosts(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		h.handleError(w, r, fmt.Errorf("forbidden"), http.StatusForbidden)
		return
	}

	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	var payload CostTableResponse
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if len(payload.Costs) == 0 {
		h.handleError(w, r, fmt.Errorf("costs must not be empty"), http.StatusBadRequest)
		return
	}
	for feature, cost := range payload.Costs {
		if cost < 0 {
			h.handleError(w, r, fmt.Errorf("cost for %q must not be negative", feature), http.StatusBadRequest)
			return
		}
	}

	if err := h.config.Service.SetCostTable(r.Context(), payload.Costs); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to update cost table: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, CostTableResponse{
		Costs: h.config.Service.Costs().Snapshot(r.Context()),
	})
}

func (h *Handler) dealerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	dealerID := h.config.GetDealerID(r)
	if dealerID == "" {
		h.handleError(w, r, fmt.Errorf("dealer ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(dealerID) > maxDealerIDLen {
		h.handleError(w, r, fmt.Errorf("invalid dealer ID format"), http.StatusBadRequest)
		return "", false
	}
	return dealerID, true
}

func (h *Handler) isAdmin(r *http.Request) bool {
	return h.config.IsAdmin != nil && h.config.IsAdmin(r)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Response already sent, nothing left to do
		return
	}
}

package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lotworks/dealercredit/pkg/api"
	"github.com/lotworks/dealercredit/pkg/credit"
	"github.com/lotworks/dealercredit/storage/memory"
)

const adminHeader = "X-Admin-Token"

func newTestHandler(t *testing.T) (*api.Handler, *credit.Service, *memory.Ledger) {
	t.Helper()
	ledger := memory.New()
	service, err := credit.NewService(ledger, credit.Config{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	handler, err := api.NewHandler(api.Config{
		Service:     service,
		GetDealerID: api.FromHeader("X-Dealer-ID"),
		IsAdmin: func(r *http.Request) bool {
			return r.Header.Get(adminHeader) == "secret"
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, service, ledger
}

func TestNewHandler_RequiresService(t *testing.T) {
	_, err := api.NewHandler(api.Config{GetDealerID: api.FromHeader("X-Dealer-ID")})
	if err == nil {
		t.Fatal("Expected an error without a service")
	}
	_, err = api.NewHandler(api.Config{Service: &credit.Service{}})
	if err == nil {
		t.Fatal("Expected an error without a dealer ID extractor")
	}
}

func TestGetBalance(t *testing.T) {
	handler, _, ledger := newTestHandler(t)

	err := ledger.PutSubscription(context.Background(), &credit.Subscription{
		DealerID:             "dealer-1",
		Tier:                 credit.TierPro,
		Status:               credit.StatusActive,
		MonthlyAllowance:     500,
		CreditsRemaining:     123,
		BonusCredits:         7,
		CreditsUsedThisCycle: 377,
	})
	if err != nil {
		t.Fatalf("PutSubscription failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil)
	req.Header.Set("X-Dealer-ID", "dealer-1")
	rec := httptest.NewRecorder()
	handler.GetBalance(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.BalanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Balance != 130 || resp.Monthly != 123 || resp.Bonus != 7 {
		t.Errorf("Unexpected balance payload: %+v", resp)
	}
	if resp.Tier != "pro" || resp.UsedThisCycle != 377 {
		t.Errorf("Unexpected balance payload: %+v", resp)
	}
}

func TestGetBalance_NoSubscription(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil)
	req.Header.Set("X-Dealer-ID", "nobody")
	rec := httptest.NewRecorder()
	handler.GetBalance(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestGetBalance_MissingDealer(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil)
	rec := httptest.NewRecorder()
	handler.GetBalance(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a dealer ID, got %d", rec.Code)
	}
}

func TestGetBalance_OversizedDealerID(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil)
	req.Header.Set("X-Dealer-ID", strings.Repeat("x", 300))
	rec := httptest.NewRecorder()
	handler.GetBalance(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an oversized dealer ID, got %d", rec.Code)
	}
}

func TestCheckFeature(t *testing.T) {
	handler, service, _ := newTestHandler(t)

	if _, err := service.CreateSubscription(context.Background(), "dealer-1"); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/check?feature=vehicle_research", nil)
	req.Header.Set("X-Dealer-ID", "dealer-1")
	rec := httptest.NewRecorder()
	handler.CheckFeature(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.CheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Allowed || resp.Cost != 5 {
		t.Errorf("Unexpected check payload: %+v", resp)
	}
	if resp.Remaining != 5 {
		t.Errorf("Expected remaining 5 on the free tier, got %d", resp.Remaining)
	}

	// The dry run must not have consumed anything.
	balance, err := service.GetBalance(context.Background(), "dealer-1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.Total != 10 {
		t.Errorf("Expected check to leave the balance at 10, got %d", balance.Total)
	}
}

func TestCheckFeature_MissingParam(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/check", nil)
	req.Header.Set("X-Dealer-ID", "dealer-1")
	rec := httptest.NewRecorder()
	handler.CheckFeature(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a feature param, got %d", rec.Code)
	}
}

func TestCostEndpoints_AdminOnly(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/costs", nil)
	rec := httptest.NewRecorder()
	handler.GetCosts(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/v1/admin/costs", strings.NewReader(`{"costs":{"VIN_DECODE":2}}`))
	rec = httptest.NewRecorder()
	handler.UpdateCosts(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin, got %d", rec.Code)
	}
}

func TestUpdateCosts(t *testing.T) {
	handler, service, _ := newTestHandler(t)
	ctx := context.Background()

	body := `{"costs":{"vehicle_research":8,"vin_decode":2}}`
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/costs", strings.NewReader(body))
	req.Header.Set(adminHeader, "secret")
	rec := httptest.NewRecorder()
	handler.UpdateCosts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.CostTableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Costs["VEHICLE_RESEARCH"] != 8 {
		t.Errorf("Expected normalized key with cost 8, got %v", resp.Costs)
	}

	// The new price is live immediately, no TTL wait.
	if _, err := service.CreateSubscription(ctx, "dealer-1"); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	check, err := service.CheckCredits(ctx, "dealer-1", "VEHICLE_RESEARCH")
	if err != nil {
		t.Fatalf("CheckCredits failed: %v", err)
	}
	if check.Cost != 8 {
		t.Errorf("Expected updated cost 8, got %d", check.Cost)
	}
}

func TestUpdateCosts_Validation(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty table", `{"costs":{}}`, http.StatusBadRequest},
		{"negative cost", `{"costs":{"VIN_DECODE":-1}}`, http.StatusBadRequest},
		{"malformed json", `{"costs":`, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/v1/admin/costs", strings.NewReader(tc.body))
			req.Header.Set(adminHeader, "secret")
			rec := httptest.NewRecorder()
			handler.UpdateCosts(rec, req)
			if rec.Code != tc.want {
				t.Errorf("Expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

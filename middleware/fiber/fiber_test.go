package fiber

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lotworks/dealercredit/pkg/credit"
	"github.com/lotworks/dealercredit/storage/memory"
)

// Test helper to create a metering service over the in-memory ledger
func setupTestService(t *testing.T) (*credit.Service, *memory.Ledger) {
	t.Helper()

	ledger := memory.New()
	service, err := credit.NewService(ledger, credit.Config{})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return service, ledger
}

// Test helper to seed a dealer subscription
func setupSubscription(t *testing.T, ledger *memory.Ledger, sub *credit.Subscription) {
	t.Helper()

	if err := ledger.PutSubscription(context.Background(), sub); err != nil {
		t.Fatalf("Failed to put subscription: %v", err)
	}
}

func TestMiddleware_ConsumeOnSuccess(t *testing.T) {
	service, ledger := setupTestService(t)
	setupSubscription(t, ledger, &credit.Subscription{
		DealerID:         "dealer-1",
		Tier:             credit.TierPro,
		Status:           credit.StatusActive,
		CreditsRemaining: 500,
	})

	app := fiber.New()
	app.Use(Middleware(Config{
		Service:     service,
		GetDealerID: FromHeader("X-Dealer-ID"),
		GetFeature:  FixedFeature("VEHICLE_RESEARCH"),
	}))
	app.Get("/api/research", func(c *fiber.Ctx) error {
		return c.SendString("report")
	})

	req := httptest.NewRequest("GET", "/api/research", http.NoBody)
	req.Header.Set("X-Dealer-ID", "dealer-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Credits-Remaining"); got != "495" {
		t.Errorf("Expected X-Credits-Remaining 495, got %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "report" {
		t.Errorf("Expected 'report', got %s", string(body))
	}

	sub, err := ledger.GetSubscription(context.Background(), "dealer-1")
	if err != nil {
		t.Fatalf("Failed to get subscription: %v", err)
	}
	if sub.CreditsRemaining != 495 {
		t.Errorf("Expected 495 credits after consume, got %d", sub.CreditsRemaining)
	}
}

func TestMiddleware_NoChargeOnHandlerFailure(t *testing.T) {
	service, ledger := setupTestService(t)
	setupSubscription(t, ledger, &credit.Subscription{
		DealerID:         "dealer-1",
		Tier:             credit.TierPro,
		Status:           credit.StatusActive,
		CreditsRemaining: 500,
	})

	app := fiber.New()
	app.Use(Middleware(Config{
		Service:     service,
		GetDealerID: FromHeader("X-Dealer-ID"),
		GetFeature:  FixedFeature("VEHICLE_RESEARCH"),
	}))
	app.Get("/api/research", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusBadGateway).SendString("upstream failed")
	})

	req := httptest.NewRequest("GET", "/api/research", http.NoBody)
	req.Header.Set("X-Dealer-ID", "dealer-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", resp.StatusCode)
	}

	sub, err := ledger.GetSubscription(context.Background(), "dealer-1")
	if err != nil {
		t.Fatalf("Failed to get subscription: %v", err)
	}
	if sub.CreditsRemaining != 500 {
		t.Errorf("Expected balance untouched after non-2xx, got %d", sub.CreditsRemaining)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	service, _ := setupTestService(t)

	handlerCalled := false
	app := fiber.New()
	app.Use(Middleware(Config{
		Service:     service,
		GetDealerID: FromHeader("X-Dealer-ID"),
		GetFeature:  FixedFeature("VEHICLE_RESEARCH"),
	}))
	app.Get("/api/research", func(c *fiber.Ctx) error {
		handlerCalled = true
		return c.SendString("report")
	})

	req := httptest.NewRequest("GET", "/api/research", http.NoBody)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
	if handlerCalled {
		t.Error("Handler should not run without a dealer ID")
	}
}

func TestMiddleware_NoSubscription(t *testing.T) {
	service, _ := setupTestService(t)

	app := fiber.New()
	app.Use(Middleware(Config{
		Service:     service,
		GetDealerID: FromHeader("X-Dealer-ID"),
		GetFeature:  FixedFeature("VEHICLE_RESEARCH"),
	}))
	app.Get("/api/research", func(c *fiber.Ctx) error {
		return c.SendString("report")
	})

	req := httptest.NewRequest("GET", "/api/research", http.NoBody)
	req.Header.Set("X-Dealer-ID", "dealer-unknown")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestMiddleware_DeniedWithRetryAfter(t *testing.T) {
	service, ledger := setupTestService(t)
	setupSubscription(t, ledger, &credit.Subscription{
		DealerID: "dealer-1",
		Tier:     credit.TierFree,
		Status:   credit.StatusActive,
	})

	app := fiber.New()
	app.Use(Middleware(Config{
		Service:     service,
		GetDealerID: FromHeader("X-Dealer-ID"),
		GetFeature:  FixedFeature("VEHICLE_RESEARCH"),
	}))
	app.Get("/api/research", func(c *fiber.Ctx) error {
		return c.SendString("report")
	})

	// Out of credits, so each use runs in free mode until the hourly
	// limit is reached.
	for i := 0; i < credit.DefaultFreeUseLimit; i++ {
		req := httptest.NewRequest("GET", "/api/research", http.NoBody)
		req.Header.Set("X-Dealer-ID", "dealer-1")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("Free use %d failed: %v", i+1, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Free use %d: expected status 200, got %d", i+1, resp.StatusCode)
		}
		if resp.Header.Get("X-Credits-Warning") == "" {
			t.Errorf("Free use %d: expected an upgrade warning header", i+1)
		}
	}

	req := httptest.NewRequest("GET", "/api/research", http.NoBody)
	req.Header.Set("X-Dealer-ID", "dealer-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 after free-use limit, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header on denial")
	}
}

func TestMiddleware_OnDeniedOverride(t *testing.T) {
	service, ledger := setupTestService(t)
	setupSubscription(t, ledger, &credit.Subscription{
		DealerID: "dealer-1",
		Tier:     credit.TierFree,
		Status:   credit.StatusActive,
	})

	ctx := context.Background()
	for i := 0; i < credit.DefaultFreeUseLimit; i++ {
		if _, err := service.ConsumeCredits(ctx, "dealer-1", "VEHICLE_RESEARCH", "", nil); err != nil {
			t.Fatalf("Failed to consume free use %d: %v", i+1, err)
		}
	}

	app := fiber.New()
	app.Use(Middleware(Config{
		Service:     service,
		GetDealerID: FromHeader("X-Dealer-ID"),
		GetFeature:  FixedFeature("VEHICLE_RESEARCH"),
		OnDenied: func(c *fiber.Ctx, result *credit.CheckResult) error {
			return c.Status(fiber.StatusPaymentRequired).SendString("buy credits")
		},
	}))
	app.Get("/api/research", func(c *fiber.Ctx) error {
		return c.SendString("report")
	})

	req := httptest.NewRequest("GET", "/api/research", http.NoBody)
	req.Header.Set("X-Dealer-ID", "dealer-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected custom denial status 402, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "buy credits" {
		t.Errorf("Expected custom denial body, got %q", string(body))
	}
}

func TestMiddleware_ContextRefFromParam(t *testing.T) {
	service, ledger := setupTestService(t)
	setupSubscription(t, ledger, &credit.Subscription{
		DealerID:         "dealer-1",
		Tier:             credit.TierPro,
		Status:           credit.StatusActive,
		CreditsRemaining: 500,
	})

	app := fiber.New()
	app.Get("/api/vehicles/:vin/decode", Middleware(Config{
		Service:       service,
		GetDealerID:   FromHeader("X-Dealer-ID"),
		GetFeature:    FixedFeature("VIN_DECODE"),
		GetContextRef: RefFromParam("vin"),
	}), func(c *fiber.Ctx) error {
		return c.SendString("decoded")
	})

	req := httptest.NewRequest("GET", "/api/vehicles/1HGCM82633A004352/decode", http.NoBody)
	req.Header.Set("X-Dealer-ID", "dealer-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	count, _, err := ledger.CountUsageSince(context.Background(), "dealer-1", "VIN_DECODE",
		time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Failed to count usage: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 usage entry for the decode, got %d", count)
	}
}

// Package fiber provides Fiber middleware for credit-gated features
package fiber

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// DealerIDExtractor extracts the dealer ID from a Fiber context
// Return empty string if the dealer is not authenticated
type DealerIDExtractor func(c *fiber.Ctx) string

// FeatureExtractor extracts the gated feature type from a Fiber context
type FeatureExtractor func(c *fiber.Ctx) string

// ContextRefExtractor extracts an optional usage context reference, such as
// a vehicle or lead ID, stored with the usage log entry
type ContextRefExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Service is the credit metering service instance (required)
	Service *credit.Service

	// GetDealerID extracts dealer ID from context (required)
	GetDealerID DealerIDExtractor

	// GetFeature extracts feature type from context (required)
	GetFeature FeatureExtractor

	// GetContextRef extracts a usage context reference (optional)
	GetContextRef ContextRefExtractor

	// OnDenied is called when the check denies the request
	// If nil, returns 429 JSON with a Retry-After header
	OnDenied func(c *fiber.Ctx, result *credit.CheckResult) error

	// OnUnauthorized is called when the dealer is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs before the handler runs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error

	// OnConsumeError is called when consumption fails after the handler has
	// already responded. The response cannot be changed at that point.
	OnConsumeError func(c *fiber.Ctx, err error)
}

// Middleware creates a Fiber middleware that gates a feature on credits.
// The check runs before the handler; credits are consumed only after the
// handler returns without error and with a 2xx status, so failed work is
// never billed.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("dealercredit/fiber: Config.Service is required")
	}
	if cfg.GetDealerID == nil {
		panic("dealercredit/fiber: Config.GetDealerID is required")
	}
	if cfg.GetFeature == nil {
		panic("dealercredit/fiber: Config.GetFeature is required")
	}

	return func(c *fiber.Ctx) error {
		dealerID := cfg.GetDealerID(c)
		if dealerID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		feature := cfg.GetFeature(c)
		if feature == "" {
			return handleError(cfg, c, fmt.Errorf("feature type not found on request"))
		}

		ctx := c.UserContext()
		result, err := cfg.Service.CheckCredits(ctx, dealerID, feature)
		if err != nil {
			if errors.Is(err, credit.ErrNoSubscription) {
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "no subscription"})
			}
			return handleError(cfg, c, err)
		}

		if !result.Allowed {
			if result.NextAllowedAt != nil {
				retryAfter := time.Until(*result.NextAllowedAt)
				if retryAfter < time.Second {
					retryAfter = time.Second
				}
				c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, result)
			}
			return defaultDenied(c, result)
		}

		c.Set("X-Credits-Remaining", fmt.Sprintf("%d", result.Remaining))
		if result.Warning != "" {
			c.Set("X-Credits-Warning", result.Warning)
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		if status < 200 || status >= 300 {
			return nil
		}

		contextRef := ""
		if cfg.GetContextRef != nil {
			contextRef = cfg.GetContextRef(c)
		}
		if _, err := cfg.Service.ConsumeCredits(ctx, dealerID, feature, contextRef, nil); err != nil {
			if cfg.OnConsumeError != nil {
				cfg.OnConsumeError(c, err)
			}
		}
		return nil
	}
}

func handleError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

func defaultDenied(c *fiber.Ctx, result *credit.CheckResult) error {
	payload := fiber.Map{"error": "insufficient credits"}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if result.NextAllowedAt != nil {
		payload["next_allowed_at"] = result.NextAllowedAt
	}
	return c.Status(fiber.StatusTooManyRequests).JSON(payload)
}

// Convenience extractors for Dealer ID

// FromLocals returns a DealerIDExtractor that gets the dealer ID from Fiber
// locals set by auth middleware via c.Locals("DealerID", "...").
func FromLocals(key string) DealerIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a DealerIDExtractor that gets the dealer ID from a header
func FromHeader(headerName string) DealerIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a DealerIDExtractor that gets the dealer ID from a route parameter
func FromParam(paramName string) DealerIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Feature

// FixedFeature returns a FeatureExtractor that always returns a fixed feature type
func FixedFeature(feature string) FeatureExtractor {
	return func(*fiber.Ctx) string {
		return feature
	}
}

// RefFromParam returns a ContextRefExtractor that gets the reference from a route parameter
func RefFromParam(paramName string) ContextRefExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

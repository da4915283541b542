// Package echo provides Echo middleware for credit-gated features
package echo

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// DealerIDExtractor extracts the dealer ID from an Echo context
// Return empty string if the dealer is not authenticated
type DealerIDExtractor func(c echo.Context) string

// FeatureExtractor extracts the gated feature type from an Echo context
type FeatureExtractor func(c echo.Context) string

// ContextRefExtractor extracts an optional usage context reference, such as
// a vehicle or lead ID, stored with the usage log entry
type ContextRefExtractor func(c echo.Context) string

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
	OnDenied func(c echo.Context, result *credit.CheckResult) error

	// OnUnauthorized is called when the dealer is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs before the handler runs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// OnConsumeError is called when consumption fails after the handler has
	// already responded. The response cannot be changed at that point.
	OnConsumeError func(c echo.Context, err error)
}

// Middleware creates an Echo middleware that gates a feature on credits.
// The check runs before the handler; credits are consumed only after the
// handler returns without error and with a 2xx status, so failed work is
// never billed.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("dealercredit/echo: Config.Service is required")
	}
	if cfg.GetDealerID == nil {
		panic("dealercredit/echo: Config.GetDealerID is required")
	}
	if cfg.GetFeature == nil {
		panic("dealercredit/echo: Config.GetFeature is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			dealerID := cfg.GetDealerID(c)
			if dealerID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			feature := cfg.GetFeature(c)
			if feature == "" {
				return handleError(cfg, c, fmt.Errorf("feature type not found on request"))
			}

			ctx := c.Request().Context()
			result, err := cfg.Service.CheckCredits(ctx, dealerID, feature)
			if err != nil {
				if errors.Is(err, credit.ErrNoSubscription) {
					return c.JSON(http.StatusForbidden, map[string]string{"error": "no subscription"})
				}
				return handleError(cfg, c, err)
			}

			if !result.Allowed {
				if result.NextAllowedAt != nil {
					retryAfter := time.Until(*result.NextAllowedAt)
					if retryAfter < time.Second {
						retryAfter = time.Second
					}
					c.Response().Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, result)
				}
				return defaultDenied(c, result)
			}

			c.Response().Header().Set("X-Credits-Remaining", fmt.Sprintf("%d", result.Remaining))
			if result.Warning != "" {
				c.Response().Header().Set("X-Credits-Warning", result.Warning)
			}

			if err := next(c); err != nil {
				return err
			}

			status := c.Response().Status
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
}

func handleError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

func defaultDenied(c echo.Context, result *credit.CheckResult) error {
	payload := map[string]interface{}{"error": "insufficient credits"}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if result.NextAllowedAt != nil {
		payload["next_allowed_at"] = result.NextAllowedAt
	}
	return c.JSON(http.StatusTooManyRequests, payload)
}

// Convenience extractors for Dealer ID

// FromContext returns a DealerIDExtractor that gets the dealer ID from Echo
// context values set by auth middleware via c.Set("DealerID", "...").
func FromContext(key string) DealerIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a DealerIDExtractor that gets the dealer ID from a header
func FromHeader(headerName string) DealerIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a DealerIDExtractor that gets the dealer ID from a route parameter
func FromParam(paramName string) DealerIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Feature

// FixedFeature returns a FeatureExtractor that always returns a fixed feature type
func FixedFeature(feature string) FeatureExtractor {
	return func(echo.Context) string {
		return feature
	}
}

// RefFromParam returns a ContextRefExtractor that gets the reference from a route parameter
func RefFromParam(paramName string) ContextRefExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

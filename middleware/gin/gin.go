// Package gin provides Gin middleware for credit-gated features
package gin

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// DealerIDExtractor extracts the dealer ID from a Gin context
// Return empty string if the dealer is not authenticated
type DealerIDExtractor func(c *gongin.Context) string

// FeatureExtractor extracts the gated feature type from a Gin context
type FeatureExtractor func(c *gongin.Context) string

// ContextRefExtractor extracts an optional usage context reference, such as
// a vehicle or lead ID, stored with the usage log entry
type ContextRefExtractor func(c *gongin.Context) string

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
	OnDenied func(c *gongin.Context, result *credit.CheckResult)

	// OnUnauthorized is called when the dealer is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs before the handler runs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// OnConsumeError is called when consumption fails after the handler has
	// already responded. The response cannot be changed at that point.
	OnConsumeError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that gates a feature on credits.
// The check runs before the handler chain; credits are consumed only after
// the chain responds with a 2xx status, so failed work is never billed.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("dealercredit/gin: Config.Service is required")
	}
	if cfg.GetDealerID == nil {
		panic("dealercredit/gin: Config.GetDealerID is required")
	}
	if cfg.GetFeature == nil {
		panic("dealercredit/gin: Config.GetFeature is required")
	}

	return func(c *gongin.Context) {
		dealerID := cfg.GetDealerID(c)
		if dealerID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		feature := cfg.GetFeature(c)
		if feature == "" {
			handleError(cfg, c, fmt.Errorf("feature type not found on request"))
			return
		}

		ctx := c.Request.Context()
		result, err := cfg.Service.CheckCredits(ctx, dealerID, feature)
		if err != nil {
			if errors.Is(err, credit.ErrNoSubscription) {
				c.JSON(http.StatusForbidden, gongin.H{"error": "no subscription"})
				c.Abort()
				return
			}
			handleError(cfg, c, err)
			return
		}

		if !result.Allowed {
			if result.NextAllowedAt != nil {
				retryAfter := time.Until(*result.NextAllowedAt)
				if retryAfter < time.Second {
					retryAfter = time.Second
				}
				c.Header("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, result)
			} else {
				defaultDenied(c, result)
			}
			c.Abort()
			return
		}

		c.Header("X-Credits-Remaining", fmt.Sprintf("%d", result.Remaining))
		if result.Warning != "" {
			c.Header("X-Credits-Warning", result.Warning)
		}

		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
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
	}
}

func handleError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
	c.Abort()
}

func defaultDenied(c *gongin.Context, result *credit.CheckResult) {
	payload := gongin.H{"error": "insufficient credits"}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if result.NextAllowedAt != nil {
		payload["next_allowed_at"] = result.NextAllowedAt
	}
	c.JSON(http.StatusTooManyRequests, payload)
}

// Convenience extractors for Dealer ID

// FromContext returns a DealerIDExtractor that gets the dealer ID from Gin
// context values. This is the recommended approach for integrating with auth
// middleware that sets dealer information via c.Set("DealerID", "...").
func FromContext(key string) DealerIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a DealerIDExtractor that gets the dealer ID from a header
func FromHeader(headerName string) DealerIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a DealerIDExtractor that gets the dealer ID from a route parameter
func FromParam(paramName string) DealerIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Feature

// FixedFeature returns a FeatureExtractor that always returns a fixed feature type
func FixedFeature(feature string) FeatureExtractor {
	return func(*gongin.Context) string {
		return feature
	}
}

// RefFromParam returns a ContextRefExtractor that gets the reference from a route parameter
func RefFromParam(paramName string) ContextRefExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

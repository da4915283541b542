// Package api provides HTTP endpoints for inspecting and administering a
// dealer's credit standing.
package api

import (
	"fmt"
	"net/http"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// Config holds configuration for the credit API handler
type Config struct {
	// Service is the credit metering service instance (required)
	Service *credit.Service

	// GetDealerID extracts the dealer ID from an HTTP request (required)
	GetDealerID func(*http.Request) string

	// IsAdmin reports whether the request may use the cost administration
	// endpoints. If nil, those endpoints reject every request.
	IsAdmin func(*http.Request) bool

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.GetDealerID == nil {
		return fmt.Errorf("getDealerID is required")
	}
	return nil
}

// NewHandler creates a new credit API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common dealer ID extraction patterns

// FromHeader returns a GetDealerID function that extracts the dealer ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetDealerID function that extracts the dealer ID
// from the request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if dealerID, ok := r.Context().Value(key).(string); ok {
			return dealerID
		}
		return ""
	}
}

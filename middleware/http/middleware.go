// Package http provides HTTP middleware for credit-gated features
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lotworks/dealercredit/pkg/credit"
)

// DealerIDExtractor extracts the dealer ID from an HTTP request
// Return empty string if the dealer is not authenticated
type DealerIDExtractor func(r *http.Request) string

// FeatureExtractor extracts the gated feature type from an HTTP request
// For example: "VEHICLE_RESEARCH", "AI_ARNIE_QUERY"
type FeatureExtractor func(r *http.Request) string

// ContextRefExtractor extracts an optional usage context reference from the
// request, such as a vehicle or lead ID, stored with the usage log entry
type ContextRefExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Service is the credit metering service instance
	Service *credit.Service

	// GetDealerID extracts dealer ID from request (required)
	GetDealerID DealerIDExtractor

	// GetFeature extracts feature type from request (required)
	GetFeature FeatureExtractor

	// GetContextRef extracts a usage context reference (optional)
	GetContextRef ContextRefExtractor

	// OnDenied is called when the check denies the request
	// If nil, returns 429 Too Many Requests with a Retry-After header
	OnDenied func(w http.ResponseWriter, r *http.Request, result *credit.CheckResult)

	// OnUnauthorized is called when the dealer is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs before the handler runs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// OnConsumeError is called when consumption fails after the handler has
	// already responded. The response cannot be changed at that point.
	OnConsumeError func(r *http.Request, err error)
}

// Middleware creates HTTP middleware that gates a feature on credits.
// The check runs before the wrapped handler; credits are consumed only after
// the handler responds with a 2xx status, so failed work is never billed.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dealerID := config.GetDealerID(r)
			if dealerID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			feature := config.GetFeature(r)
			if feature == "" {
				handleError(config, w, r, fmt.Errorf("feature type not found on request"))
				return
			}

			ctx := r.Context()
			result, err := config.Service.CheckCredits(ctx, dealerID, feature)
			if err != nil {
				if errors.Is(err, credit.ErrNoSubscription) {
					http.Error(w, "no subscription", http.StatusForbidden)
					return
				}
				handleError(config, w, r, err)
				return
			}

			if !result.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, result)
				} else {
					writeDenied(w, result)
				}
				return
			}

			setCreditHeaders(w, result)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}

			contextRef := ""
			if config.GetContextRef != nil {
				contextRef = config.GetContextRef(r)
			}
			if _, err := config.Service.ConsumeCredits(ctx, dealerID, feature, contextRef, nil); err != nil {
				if config.OnConsumeError != nil {
					config.OnConsumeError(r, err)
				}
			}
		})
	}
}

// HandlerFunc creates HTTP middleware that gates a feature on credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
	} else {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writeDenied(w http.ResponseWriter, result *credit.CheckResult) {
	if result.NextAllowedAt != nil {
		retryAfter := int(time.Until(*result.NextAllowedAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	msg := result.Message
	if msg == "" {
		msg = "insufficient credits"
	}
	http.Error(w, msg, http.StatusTooManyRequests)
}

func setCreditHeaders(w http.ResponseWriter, result *credit.CheckResult) {
	w.Header().Set("X-Credits-Remaining", strconv.Itoa(result.Remaining))
	if result.Warning != "" {
		w.Header().Set("X-Credits-Warning", result.Warning)
	}
}

// statusRecorder captures the status code written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

// Common extractors for convenience

// FixedFeature returns a FeatureExtractor that always returns a fixed feature type
func FixedFeature(feature string) FeatureExtractor {
	return func(r *http.Request) string {
		return feature
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// DealerIDKey is the context key for dealer ID
	DealerIDKey ContextKey = "credit:dealerID"
)

// FromContext returns a DealerIDExtractor that gets the dealer ID from request context
func FromContext(key ContextKey) DealerIDExtractor {
	return func(r *http.Request) string {
		if dealerID, ok := r.Context().Value(key).(string); ok {
			return dealerID
		}
		return ""
	}
}

// FromHeader returns a DealerIDExtractor that gets the dealer ID from a header
func FromHeader(headerName string) DealerIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithDealerID adds the dealer ID to a request context
func WithDealerID(ctx context.Context, dealerID string) context.Context {
	return context.WithValue(ctx, DealerIDKey, dealerID)
}

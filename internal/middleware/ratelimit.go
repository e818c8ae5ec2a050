package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// RateLimit limits requests per tenant, or per client IP before authentication.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if tenantID := GetTenantID(r.Context()); tenantID != "" {
				return "tenant:" + tenantID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(limited),
	)
}

// TurnRateLimit limits turn starts per tenant and conversation. Model calls
// dominate cost, so this is tighter than RateLimit.
func TurnRateLimit(turnLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		turnLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "turn:" + GetTenantID(r.Context()) + ":" + chi.URLParam(r, "id"), nil
		}),
		httprate.WithLimitHandler(limited),
	)
}

func limited(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Retry-After", "60")
	jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

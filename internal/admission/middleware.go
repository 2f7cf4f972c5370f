package admission

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Middleware rejects requests over the preset's limit with 429 and
// reports the remaining budget in X-RateLimit-* headers.
func Middleware(c *Controller, p Preset) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := c.Allow(r.Context(), p, r)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(p.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				if d.RetryAfterSeconds > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":               "rate limit exceeded",
					"retry_after_seconds": d.RetryAfterSeconds,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware throttles plain HTTP endpoints with a token
// bucket. Websocket sessions carry their own per-principal limits; this
// only protects the upgrade and status endpoints from floods.
func RateLimitMiddleware(r int, burst int) func(http.HandlerFunc) http.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(r), burst)

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next(w, r)
		}
	}
}

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/relaygate/relaygate/internal/gateway/metrics"
)

// MetricsMiddleware records request counts and latency for the plain
// HTTP endpoints.
func MetricsMiddleware(m *metrics.Metrics) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next(rec, r)

			status := strconv.Itoa(rec.statusCode)
			m.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		}
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's prometheus collectors.
type Metrics struct {
	// Connection lifecycle
	ConnectionsAccepted prometheus.Counter
	ActiveConnections   prometheus.Gauge
	CapacityRejections  prometheus.Counter
	AuthDeadlineEvicted prometheus.Counter

	// Authentication
	AuthSuccesses prometheus.Counter
	AuthFailures  prometheus.Counter

	// Presence
	PresenceTransitions *prometheus.CounterVec // labels: state=online|offline
	OnlinePrincipals    prometheus.Gauge

	// Delivery
	EventsPublished prometheus.Counter
	EventsDrained   prometheus.Counter
	DrainDuration   prometheus.Histogram

	// Rate limiting
	RateLimitRejections *prometheus.CounterVec // labels: scope=ip|principal|connection

	// HTTP surface
	HTTPRequests *prometheus.CounterVec   // labels: method, path, status
	HTTPDuration *prometheus.HistogramVec // labels: method, path
}

// New registers the gateway collectors under the given namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		ConnectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total websocket connections accepted",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently open websocket connections",
		}),
		CapacityRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_rejections_total",
			Help:      "Connections rejected by global or per-IP ceilings",
		}),
		AuthDeadlineEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_deadline_evictions_total",
			Help:      "Connections force-closed for missing the authentication deadline",
		}),
		AuthSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Successful authentications",
		}),
		AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentications",
		}),
		PresenceTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_transitions_total",
			Help:      "Presence transitions emitted, by resulting state",
		}, []string{"state"}),
		OnlinePrincipals: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_principals",
			Help:      "Principals currently considered online by this worker",
		}),
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events accepted into the delivery pipeline",
		}),
		EventsDrained: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_drained_total",
			Help:      "Queued events delivered during reconnect drains",
		}),
		DrainDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Reconnect drain latency distributions",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}),
		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Operations rejected by a sliding-window limit, by scope",
		}, []string{"scope"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by method, path and status",
		}, []string{"method", "path", "status"}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distributions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Package http provides the HTTP transport adapter for the access gateway.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics exposed by the gateway's HTTP
// transport. Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveSessions      prometheus.Gauge
	RBACDecisions       *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
	RateLimitKeys       prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "accessguard",
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "accessguard",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "accessguard",
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
		),
		RBACDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "accessguard",
				Name:      "rbac_decisions_total",
				Help:      "Total RBAC/ABAC authorization decisions",
			},
			[]string{"result"}, // result=allow/deny
		),
		RateLimitRejections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "accessguard",
				Name:      "rate_limit_rejections_total",
				Help:      "Total requests rejected by the rate limiter",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "accessguard",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
		),
	}
}

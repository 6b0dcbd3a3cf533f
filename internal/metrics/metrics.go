// Package metrics defines the Prometheus surface for the fleet, proxy
// pool, and queue, following the teacher's one-vector-per-concern,
// low-cardinality-label convention (internal/middleware/metrics.go).
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status", "route"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	FleetOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_bots_online",
		Help: "Number of sessions currently ready",
	})

	FleetTarget = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_bots_target",
		Help: "Configured online-bot target",
	})

	ProxyGroupActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_group_active_requests",
			Help: "In-flight inspect requests per proxy group",
		},
		[]string{"group_id"},
	)

	ProxyGroupSuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_group_success_rate",
			Help: "Login success rate per proxy group",
		},
		[]string{"group_id"},
	)

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current request queue size",
	})

	QueueConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_concurrency",
		Help: "Current queue drain concurrency ceiling",
	})

	InspectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inspect_latency_seconds",
		Help:    "Latency of a single upstream inspect round trip",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	ErrorKindTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_errors_total",
			Help: "Count of dispatcher/queue errors by stable kind",
		},
		[]string{"kind"},
	)
)

// Middleware records request count and latency, same shape as the
// teacher's MetricsMiddleware minus the tenant/model labels this domain
// has no analogue for.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status()), route).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

package verifier

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	obaVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_verifications_total",
		Help: "Total signature verifications by outcome.",
	}, []string{"result"})

	obaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	obaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oba_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	obaJWKSFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_jwks_fetches_total",
		Help: "Total JWKS fetch attempts by outcome.",
	}, []string{"result"})
)

// PrometheusMiddleware records per-request count and duration metrics.
// Verification outcomes are counted separately, by RecordVerification.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		obaRequestsTotal.WithLabelValues(method, path, status).Inc()
		obaRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordVerification increments the verification outcome counter. kind is
// "allow" or the failure Kind's string form.
func RecordVerification(kind string) {
	obaVerificationsTotal.WithLabelValues(kind).Inc()
}

// RecordJWKSFetch increments the JWKS fetch outcome counter.
func RecordJWKSFetch(success bool) {
	if success {
		obaJWKSFetchesTotal.WithLabelValues("success").Inc()
	} else {
		obaJWKSFetchesTotal.WithLabelValues("failure").Inc()
	}
}

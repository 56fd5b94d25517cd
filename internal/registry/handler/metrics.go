package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	obaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_registry_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	obaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oba_registry_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	obaCertsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oba_registry_certs_issued_total",
		Help: "Total leaf certificates issued.",
	})

	obaCertsRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oba_registry_certs_revoked_total",
		Help: "Total leaf certificates revoked.",
	})

	obaTokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oba_registry_tokens_issued_total",
		Help: "Total personal access tokens issued.",
	})

	obaJWKSServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oba_registry_jwks_served_total",
		Help: "Total JWKS directory documents served, by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
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

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCertIssued increments the certificate-issuance counter.
func RecordCertIssued() { obaCertsIssuedTotal.Inc() }

// RecordCertRevoked increments the certificate-revocation counter.
func RecordCertRevoked() { obaCertsRevokedTotal.Inc() }

// RecordTokenIssued increments the PAT-issuance counter.
func RecordTokenIssued() { obaTokensIssuedTotal.Inc() }

// RecordJWKSServed records a JWKS directory fetch outcome ("ok", "empty" or "error").
func RecordJWKSServed(result string) { obaJWKSServedTotal.WithLabelValues(result).Inc() }

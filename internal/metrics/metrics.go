// Package metrics holds the Prometheus collectors shared by the ledger,
// router, shield and the admin API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axial_ledger_entries_total",
		Help: "Total ledger entries appended by this process.",
	})

	ledgerAppendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_ledger_append_failures_total",
		Help: "Ledger appends that failed, by the store that failed.",
	}, []string{"store"})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_ledger_verifications_total",
		Help: "Ledger chain verifications by result.",
	}, []string{"result"})

	routeDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_route_decisions_total",
		Help: "Successful routing decisions by strategy and selected provider.",
	}, []string{"strategy", "provider"})

	routeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axial_route_failures_total",
		Help: "Routing attempts that found no available provider.",
	})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_provider_rate_limited_total",
		Help: "Providers skipped during routing because their token bucket was empty.",
	}, []string{"provider"})

	providerExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_provider_executions_total",
		Help: "Provider executions by provider and outcome.",
	}, []string{"provider", "status"})

	providerProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_provider_health_probes_total",
		Help: "Provider health probes by provider and result.",
	}, []string{"provider", "result"})

	shieldRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_shield_rejections_total",
		Help: "Requests rejected by the shield, by rejection kind.",
	}, []string{"kind"})

	shieldRedactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axial_shield_redactions_total",
		Help: "Texts in which the shield redactor replaced at least one match.",
	})

	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_proxy_requests_total",
		Help: "Boundary proxy requests by method and decision.",
	}, []string{"method", "decision"})

	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axial_api_requests_total",
		Help: "Total admin API requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "axial_api_request_duration_seconds",
		Help:    "Admin API request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
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

		apiRequestsTotal.WithLabelValues(method, path, status).Inc()
		apiRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// HTTPHandler exposes the registry for plain net/http muxes.
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}

// RecordLedgerAppend records a ledger entry append.
func RecordLedgerAppend() {
	ledgerEntriesTotal.Inc()
}

// RecordLedgerAppendFailure records a failed append; store is "journal" or "index".
func RecordLedgerAppendFailure(store string) {
	ledgerAppendFailuresTotal.WithLabelValues(store).Inc()
}

// RecordLedgerVerify records the outcome of a chain verification.
func RecordLedgerVerify(valid bool) {
	if valid {
		ledgerVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		ledgerVerificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordRouteDecision records a provider selection.
func RecordRouteDecision(strategy, provider string) {
	routeDecisionsTotal.WithLabelValues(strategy, provider).Inc()
}

// RecordRouteFailure records a routing attempt with no available provider.
func RecordRouteFailure() {
	routeFailuresTotal.Inc()
}

// RecordRateLimited records a provider filtered out by its limiter.
func RecordRateLimited(provider string) {
	rateLimitedTotal.WithLabelValues(provider).Inc()
}

// RecordProviderExecution records a provider call outcome.
func RecordProviderExecution(provider string, success bool) {
	if success {
		providerExecutionsTotal.WithLabelValues(provider, "success").Inc()
	} else {
		providerExecutionsTotal.WithLabelValues(provider, "failure").Inc()
	}
}

// RecordProviderProbe records a provider health probe result.
func RecordProviderProbe(provider string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	providerProbesTotal.WithLabelValues(provider, result).Inc()
}

// RecordShieldRejection records a rejected request by kind.
func RecordShieldRejection(kind string) {
	shieldRejectionsTotal.WithLabelValues(kind).Inc()
}

// RecordRedaction records a text the redactor changed.
func RecordRedaction() {
	shieldRedactionsTotal.Inc()
}

// RecordProxyRequest records a proxy decision ("allow", "block" or "error").
func RecordProxyRequest(method, decision string) {
	proxyRequestsTotal.WithLabelValues(method, decision).Inc()
}

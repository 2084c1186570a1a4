package observability

import (
	"fmt"
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, status code, and endpoint host
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusign_http_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status_code", "source"},
	)

	// HTTPRequestDuration tracks HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nusign_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
		[]string{"method", "source"},
	)

	// CacheHitsTotal counts revocation cache hits by cache tier
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusign_cache_hits_total",
			Help: "Total number of cache hits by cache tier",
		},
		[]string{"tier"}, // memory, disk
	)

	// CacheMissesTotal counts revocation cache misses by cache tier
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusign_cache_misses_total",
			Help: "Total number of cache misses by cache tier",
		},
		[]string{"tier"},
	)

	// RevocationChecksTotal counts revocation lookups by method and outcome
	RevocationChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusign_revocation_checks_total",
			Help: "Total number of certificate revocation checks",
		},
		[]string{"method", "status"}, // method: ocsp, crl, cache, online, offline
	)

	// TimestampRequestsTotal counts RFC 3161 requests by outcome
	TimestampRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusign_timestamp_requests_total",
			Help: "Total number of timestamp authority requests",
		},
		[]string{"status"}, // success, failure
	)

	// SignatureVerificationsTotal counts package verifications by result
	SignatureVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusign_signature_verifications_total",
			Help: "Total number of package signature verifications",
		},
		[]string{"result"}, // valid, invalid, error
	)

	// VerificationDuration tracks package verification duration in seconds
	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nusign_verification_duration_seconds",
			Help:    "Package signature verification duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	// SigningOperationsTotal counts signing operations by signature type and status
	SigningOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusign_signing_operations_total",
			Help: "Total number of signing operations",
		},
		[]string{"type", "status"},
	)

	// CircuitBreakerState tracks circuit breaker state by host
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nusign_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"host"},
	)

	// CircuitBreakerFailures counts circuit breaker failures
	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusign_circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"host"},
	)
)

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// WriteMetricsFile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector. The file is
// replaced atomically.
func WriteMetricsFile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}

// GetCounterValue retrieves the current value of a counter metric with the given labels.
// Intended for tests.
func GetCounterValue(counter *prometheus.CounterVec, labels ...string) (float64, error) {
	metric, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0, err
	}

	var pb dto.Metric
	if err := metric.Write(&pb); err != nil {
		return 0, err
	}

	if pb.Counter != nil {
		return pb.Counter.GetValue(), nil
	}

	return 0, nil
}

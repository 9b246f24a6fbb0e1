package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Authorization outcomes
	authorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authorizations_total",
		Help: "Total authorization calls by path and outcome",
	}, []string{
		"path",    // fresh, resume
		"outcome", // approved, declined, challenge, invalid_request, order_not_created
	})

	authorizationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "authorization_duration_seconds",
		Help: "End-to-end time of one authorization call",
		// Buckets: 100ms to 30s (typical gateway round trips)
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{
		"path",
	})

	// Gateway calls
	gatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total requests sent to the card gateway",
	}, []string{
		"operation", // charge, fetch
		"status",    // ok, unreachable, rejected
	})

	gatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Gateway request latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{
		"operation",
	})

	gatewayCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_circuit_state",
		Help: "Gateway circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// Charged at the gateway but not recorded locally
	reconciliationRequiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_required_total",
		Help: "Approved gateway payments whose local record could not be persisted",
	})

	orderLockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_lock_contention_total",
		Help: "Per-order lock acquisitions that had to wait",
	}, []string{
		"result", // acquired, timed_out
	})

	walletSessionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_session_events_total",
		Help: "Wallet session steps by outcome",
	}, []string{
		"step",   // validate_merchant, shipping_contact, shipping_method, payment_method, authorize
		"status", // ok, failed
	})

	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authorization_events_published_total",
		Help: "Authorization events handed to the broker",
	}, []string{
		"type",
		"status", // ok, failed
	})
)

// RecordAuthorization records the outcome of one authorize call
func RecordAuthorization(path, outcome string, durationSeconds float64) {
	authorizationsTotal.WithLabelValues(path, outcome).Inc()
	authorizationDuration.WithLabelValues(path).Observe(durationSeconds)
}

// RecordGatewayRequest records one gateway round trip
func RecordGatewayRequest(operation, status string, durationSeconds float64) {
	gatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	gatewayRequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// SetGatewayCircuitState exports the breaker state
func SetGatewayCircuitState(state int) {
	gatewayCircuitState.Set(float64(state))
}

// RecordReconciliationRequired counts a charged-but-unrecorded payment
func RecordReconciliationRequired() {
	reconciliationRequiredTotal.Inc()
}

// RecordLockContention records a lock acquisition that did not succeed immediately
func RecordLockContention(result string) {
	orderLockContentionTotal.WithLabelValues(result).Inc()
}

// RecordWalletSessionEvent records one wallet session step
func RecordWalletSessionEvent(step, status string) {
	walletSessionEventsTotal.WithLabelValues(step, status).Inc()
}

// RecordEventPublished records a publish attempt
func RecordEventPublished(eventType, status string) {
	eventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

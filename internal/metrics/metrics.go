package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_dispatches_total",
			Help: "Total runner dispatches by scenario and outcome",
		},
		[]string{"scenario_key", "outcome"},
	)

	offersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_offers_created_total",
			Help: "Total offers minted by scenario",
		},
		[]string{"scenario_key"},
	)

	offersApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_offers_applied_total",
			Help: "Total offers applied (bonus credited)",
		},
	)

	offersExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_offers_expired_total",
			Help: "Total offers marked expired by the sweep",
		},
	)

	serviceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_service_transitions_total",
			Help: "Service lifecycle transitions by target status",
		},
		[]string{"status"},
	)

	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_ingested_total",
			Help: "Lifecycle events accepted for dispatch, by event name",
		},
		[]string{"event"},
	)

	eventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_events_deduplicated_total",
			Help: "Lifecycle events dropped as duplicates",
		},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_sweep_duration_seconds",
			Help:    "Background sweep pass duration",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"sweep"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one runner pass outcome
func RecordDispatch(scenarioKey, outcome string) {
	dispatchesTotal.WithLabelValues(scenarioKey, outcome).Inc()
}

// RecordOfferCreated records an offer mint
func RecordOfferCreated(scenarioKey string) {
	offersCreated.WithLabelValues(scenarioKey).Inc()
}

// RecordOfferApplied records a credited offer
func RecordOfferApplied() {
	offersApplied.Inc()
}

// RecordOffersExpired records offers swept into the expired state
func RecordOffersExpired(count int) {
	offersExpired.Add(float64(count))
}

// RecordServiceTransition records a service lifecycle transition
func RecordServiceTransition(status string) {
	serviceTransitions.WithLabelValues(status).Inc()
}

// RecordEventIngested records an accepted lifecycle event
func RecordEventIngested(event string) {
	eventsIngested.WithLabelValues(event).Inc()
}

// RecordEventDeduplicated records a duplicate lifecycle event
func RecordEventDeduplicated() {
	eventsDeduplicated.Inc()
}

// RecordSweepDuration records how long a background sweep pass took
func RecordSweepDuration(sweep string, d time.Duration) {
	sweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// RecordRateLimitRejection records a rate-limited request
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnectionsActive sets the active DB connection gauge
func SetDBConnectionsActive(count int) {
	dbConnectionsActive.Set(float64(count))
}

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Local counters for in-process reads (prometheus metrics can't be read
// back directly).
var (
	eventsReceivedCount    int64
	eventsForwardedCount   int64
	duplicateEventsCount   int64
	activeConnectionsCount int64
	reconnectsCount        int64
	healthChecksCount      int64
	dispatchFailureCount   int64
)

// Metrics for tracking subscriber performance and usage
var (
	// Connection metrics
	ActiveRelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_active_relay_connections",
		Help: "The number of live relay WebSocket connections",
	})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_reconnects_total",
		Help: "The total number of reconnect attempts by relay",
	}, []string{"relay"})

	WakeHolds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_wake_holds",
		Help: "The number of wake-holds currently acquired for network I/O",
	})

	// Event metrics
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_events_received_total",
		Help: "The total number of events received by relay",
	}, []string{"relay"})

	EventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_events_forwarded_total",
		Help: "The total number of unique matching events delivered downstream",
	})

	EventsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_events_filtered_total",
		Help: "The total number of events dropped by pipeline stage",
	}, []string{"stage"}) // "remote_filter", "self_mention", "reply", "keyword"

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_duplicate_events_total",
		Help: "The total number of events dropped as already delivered",
	})

	EventSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pubsub_event_size_bytes",
		Help:    "Size of received event payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6), // 10, 100, 1000, ..., 1000000
	})

	// Health check metrics
	HealthChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_health_checks_total",
		Help: "The total number of health check passes",
	})

	UnhealthyConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_unhealthy_connections",
		Help: "Unhealthy relay connections found by the last health check pass",
	})

	HealthCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pubsub_health_check_duration_seconds",
		Help:    "Duration of health check passes including corrective actions",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5), // 0.001, 0.01, 0.1, 1, 10
	})

	// Dispatch metrics
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_dispatch_failures_total",
		Help: "The total number of failed downstream deliveries",
	})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pubsub_dispatch_duration_seconds",
		Help:    "Downstream delivery duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5), // 0.01, 0.1, 1, 10, 100
	})
)

// GetEventsReceivedCount returns the number of events received since start.
func GetEventsReceivedCount() int64 {
	return atomic.LoadInt64(&eventsReceivedCount)
}

// IncrementEventsReceived increments both the prometheus counter and the
// local counter.
func IncrementEventsReceived(relay string, size int) {
	EventsReceived.WithLabelValues(relay).Inc()
	EventSizeBytes.Observe(float64(size))
	atomic.AddInt64(&eventsReceivedCount, 1)
}

// GetEventsForwardedCount returns the number of delivered events.
func GetEventsForwardedCount() int64 {
	return atomic.LoadInt64(&eventsForwardedCount)
}

// IncrementEventsForwarded increments the forwarded-events counters.
func IncrementEventsForwarded() {
	EventsForwarded.Inc()
	atomic.AddInt64(&eventsForwardedCount, 1)
}

// GetDuplicateEventsCount returns the number of deduplicated events.
func GetDuplicateEventsCount() int64 {
	return atomic.LoadInt64(&duplicateEventsCount)
}

// IncrementDuplicateEvents increments the duplicate-event counters.
func IncrementDuplicateEvents() {
	DuplicateEvents.Inc()
	atomic.AddInt64(&duplicateEventsCount, 1)
}

// GetActiveConnectionsCount returns the current number of live connections.
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// IncrementActiveConnections increments both the prometheus gauge and the
// local counter.
func IncrementActiveConnections() {
	ActiveRelayConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

// DecrementActiveConnections decrements both the prometheus gauge and the
// local counter.
func DecrementActiveConnections() {
	ActiveRelayConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// IncrementReconnects increments the reconnect counters for a relay.
func IncrementReconnects(relay string) {
	ReconnectsTotal.WithLabelValues(relay).Inc()
	atomic.AddInt64(&reconnectsCount, 1)
}

// GetReconnectsCount returns the total reconnect attempts since start.
func GetReconnectsCount() int64 {
	return atomic.LoadInt64(&reconnectsCount)
}

// RecordHealthCheck records one completed health check pass.
func RecordHealthCheck(unhealthy int, duration time.Duration) {
	HealthChecksTotal.Inc()
	UnhealthyConnections.Set(float64(unhealthy))
	HealthCheckDuration.Observe(duration.Seconds())
	atomic.AddInt64(&healthChecksCount, 1)
}

// GetHealthChecksCount returns the number of completed passes.
func GetHealthChecksCount() int64 {
	return atomic.LoadInt64(&healthChecksCount)
}

// IncrementDispatchFailures increments the delivery failure counters.
func IncrementDispatchFailures() {
	DispatchFailures.Inc()
	atomic.AddInt64(&dispatchFailureCount, 1)
}

// GetDispatchFailureCount returns the number of failed deliveries.
func GetDispatchFailureCount() int64 {
	return atomic.LoadInt64(&dispatchFailureCount)
}

// IncrementEventsFiltered increments the drop counter for a pipeline stage.
func IncrementEventsFiltered(stage string) {
	EventsFiltered.WithLabelValues(stage).Inc()
}

// SetWakeHolds records the current wake-hold count.
func SetWakeHolds(holds int) {
	WakeHolds.Set(float64(holds))
}

// RegisterMetrics ensures all metrics are registered with Prometheus.
func RegisterMetrics() {
	// Pre-register pipeline stages
	stages := []string{"remote_filter", "self_mention", "reply", "keyword"}
	for _, stage := range stages {
		EventsFiltered.WithLabelValues(stage)
	}
}

// StartServer exposes /metrics on the given port until ctx is canceled.
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

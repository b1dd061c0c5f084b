// Package telemetry provides Prometheus metrics, OpenTelemetry tracing, and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesExtracted   prometheus.Counter
	MessagesNew         prometheus.Counter
	TicksSkipped        prometheus.Counter
	SnapshotsTruncated  prometheus.Counter
	TickFailures        prometheus.Counter
	NavigationFailures  prometheus.Counter
	Rotations           prometheus.Counter
	PersistenceFailures prometheus.Counter
	ClassifierFallbacks prometheus.Counter
	EventsPublished     prometheus.Counter
	EventsDropped       prometheus.Counter
	IntentsCaptured     *prometheus.CounterVec // by category
	LLMRequests         *prometheus.CounterVec // by op, outcome

	// Histograms (seconds)
	TickDuration       prometheus.Observer
	NavigationDuration prometheus.Observer

	// Gauges
	SessionsActive prometheus.Gauge
	Subscribers    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesExtracted = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_messages_extracted_total", Help: "Chat messages extracted from page snapshots, before dedup"})
		MessagesNew = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_messages_new_total", Help: "Chat messages that passed dedup"})
		TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_ticks_skipped_total", Help: "Poll ticks skipped because the previous tick was still running"})
		SnapshotsTruncated = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_snapshots_truncated_total", Help: "Page snapshots that hit the node cap and dropped leading elements"})
		TickFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_tick_failures_total", Help: "Poll ticks that ended in an error"})
		NavigationFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_navigation_failures_total", Help: "Stream navigation attempts that failed"})
		Rotations = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_stream_rotations_total", Help: "Successful rotations to a different stream"})
		PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_persistence_failures_total", Help: "Store writes that failed"})
		ClassifierFallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_classifier_fallbacks_total", Help: "Classifications served by the fallback classifier"})
		EventsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_events_published_total", Help: "Events delivered to subscribers"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "radar_events_dropped_total", Help: "Events dropped because a subscriber buffer was full"})
		IntentsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{Name: "radar_intents_captured_total", Help: "Buyer intents at or above the capture threshold"}, []string{"category"})
		LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "radar_llm_requests_total", Help: "LLM calls by operation and outcome"}, []string{"op", "outcome"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "radar_tick_duration_seconds", Help: "Poll tick duration seconds", Buckets: prometheus.DefBuckets})
		NavigationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "radar_navigation_duration_seconds", Help: "Stream connect duration seconds", Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120}})
		SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "radar_sessions_active", Help: "Current number of live monitoring sessions"})
		Subscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "radar_subscribers", Help: "Current number of event subscribers"})
	})
}

// Inc increments c if metrics have been initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// CountIntent records a captured intent for category.
func CountIntent(category string) {
	if IntentsCaptured != nil {
		IntentsCaptured.WithLabelValues(category).Inc()
	}
}

// CountLLM records one LLM call.
func CountLLM(op string, err error) {
	if LLMRequests == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LLMRequests.WithLabelValues(op, outcome).Inc()
}

// SetSessionsActive records the live session count.
func SetSessionsActive(n int) {
	if SessionsActive != nil {
		SessionsActive.Set(float64(n))
	}
}

// AddSubscribers adjusts the subscriber gauge by delta.
func AddSubscribers(delta int) {
	if Subscribers != nil {
		Subscribers.Add(float64(delta))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

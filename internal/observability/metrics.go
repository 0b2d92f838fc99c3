package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trainingsync"

var (
	syncRunsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Completed sync runs labeled by mode and outcome.",
	}, []string{"mode", "status"})

	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Wall time of sync runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"mode"})

	activitiesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "activities_total",
		Help:      "Activities processed by the ingester labeled by outcome (created, updated, unchanged, skipped).",
	}, []string{"outcome"})

	streamsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "streams_total",
		Help:      "Stream channels processed labeled by outcome (stored, failed).",
	}, []string{"outcome"})

	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream HTTP requests labeled by endpoint and status class.",
	}, []string{"endpoint", "status"})

	tokenRefreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "token_refresh_total",
		Help:      "Token refresh attempts labeled by result.",
	}, []string{"result"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	limiterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "acquire_total",
		Help:      "Rate limiter acquisitions labeled by limiter and result (acquired, waited, rejected).",
	}, []string{"limiter", "result"})

	trainingLoadPoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "training_load",
		Name:      "points_written_total",
		Help:      "Training load points inserted or changed.",
	})

	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful sync run.",
	})
)

func init() {
	prometheus.MustRegister(
		syncRunsCounter, syncDuration, activitiesCounter, streamsCounter, upstreamRequests,
		tokenRefreshCounter, breakerState, limiterCounter, trainingLoadPoints, lastSyncGauge,
	)
}

// RecordSyncRun observes a finished run.
func RecordSyncRun(mode, status string, started, finished time.Time) {
	syncRunsCounter.WithLabelValues(mode, status).Inc()
	syncDuration.WithLabelValues(mode).Observe(finished.Sub(started).Seconds())
	if status == "success" {
		lastSyncGauge.Set(float64(finished.Unix()))
	}
}

// RecordActivity counts one ingested activity outcome.
func RecordActivity(outcome string) {
	activitiesCounter.WithLabelValues(outcome).Inc()
}

// RecordStream counts one stream channel outcome.
func RecordStream(outcome string) {
	streamsCounter.WithLabelValues(outcome).Inc()
}

// RecordUpstreamRequest counts one upstream round trip.
func RecordUpstreamRequest(endpoint, status string) {
	upstreamRequests.WithLabelValues(endpoint, status).Inc()
}

// RecordTokenRefresh counts a refresh attempt.
func RecordTokenRefresh(result string) {
	tokenRefreshCounter.WithLabelValues(result).Inc()
}

// SetBreakerState exposes the current breaker state.
func SetBreakerState(name string, state float64) {
	breakerState.WithLabelValues(name).Set(state)
}

// RecordLimiterAcquire counts a limiter decision.
func RecordLimiterAcquire(limiter, result string) {
	limiterCounter.WithLabelValues(limiter, result).Inc()
}

// RecordTrainingLoadPoints counts written points.
func RecordTrainingLoadPoints(n int) {
	if n > 0 {
		trainingLoadPoints.Add(float64(n))
	}
}

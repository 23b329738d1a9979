// Package metrics defines and registers all Prometheus metrics used by the
// stockwatch service. Metrics are organised by functional area and share the
// common "stockwatch_" prefix.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stockwatch/internal/breaker"
	"stockwatch/internal/models"
)

// Metrics holds every Prometheus collector used by stockwatch.
type Metrics struct {
	// ---------------------------------------------------------------
	// Polling & Breaker
	// ---------------------------------------------------------------

	// PollRunsTotal counts poll runs by outcome ("success", "partial", "failure").
	PollRunsTotal *prometheus.CounterVec

	// PollModelChecksTotal counts per-model poll attempts by result.
	PollModelChecksTotal *prometheus.CounterVec

	// PollDuration observes how long each full poll run takes.
	PollDuration prometheus.Histogram

	// BreakerState tracks the breaker state (0 = closed, 1 = half-open, 2 = open).
	BreakerState prometheus.Gauge

	// BreakerFailuresTotal counts recorded breaker failures by reason.
	BreakerFailuresTotal *prometheus.CounterVec

	// ---------------------------------------------------------------
	// Change Detection & Streaming
	// ---------------------------------------------------------------

	// ChangesDetectedTotal counts accepted status flips by transition.
	ChangesDetectedTotal *prometheus.CounterVec

	// StreamConnections tracks the current number of live stream connections.
	StreamConnections prometheus.Gauge

	// BroadcastsTotal counts events delivered to stream connections.
	BroadcastsTotal prometheus.Counter

	// SweepEvictionsTotal counts connections evicted by registry sweeps.
	SweepEvictionsTotal prometheus.Counter

	// ---------------------------------------------------------------
	// Notifications & Digests
	// ---------------------------------------------------------------

	// NotificationsEnqueuedTotal counts pending notifications created.
	NotificationsEnqueuedTotal prometheus.Counter

	// DigestsTotal counts per-user digest outcomes ("sent", "failed", "deferred").
	DigestsTotal *prometheus.CounterVec

	// NotificationsSentTotal counts notifications marked sent.
	NotificationsSentTotal prometheus.Counter

	// DigestRunDuration observes how long each digest batch run takes.
	DigestRunDuration prometheus.Histogram

	// RateLimitUsage tracks current rate-limiter usage per tier.
	RateLimitUsage *prometheus.GaugeVec

	// ---------------------------------------------------------------
	// Cleanup & Database
	// ---------------------------------------------------------------

	// CleanupRunsTotal counts cleanup runs by status.
	CleanupRunsTotal *prometheus.CounterVec

	// CleanupRecordsDeleted counts total notification rows purged.
	CleanupRecordsDeleted prometheus.Counter

	// DBSizeBytes tracks the database file size.
	DBSizeBytes prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics with the supplied
// registerer. Pass prometheus.DefaultRegisterer for global registration or a
// custom registry for testing.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.PollRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_poll_runs_total",
		Help: "Total number of poll runs by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(m.PollRunsTotal)

	m.PollModelChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_poll_model_checks_total",
		Help: "Total number of per-model poll attempts by result.",
	}, []string{"result"})
	registerer.MustRegister(m.PollModelChecksTotal)

	m.PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockwatch_poll_duration_seconds",
		Help:    "Duration of full poll runs.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	registerer.MustRegister(m.PollDuration)

	m.BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockwatch_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})
	registerer.MustRegister(m.BreakerState)

	m.BreakerFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_breaker_failures_total",
		Help: "Total breaker failures by reason.",
	}, []string{"reason"})
	registerer.MustRegister(m.BreakerFailuresTotal)

	m.ChangesDetectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_changes_detected_total",
		Help: "Total accepted status flips by transition.",
	}, []string{"transition"})
	registerer.MustRegister(m.ChangesDetectedTotal)

	m.StreamConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockwatch_stream_connections",
		Help: "Current number of live event-stream connections.",
	})
	registerer.MustRegister(m.StreamConnections)

	m.BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_broadcasts_total",
		Help: "Total events delivered to stream connections.",
	})
	registerer.MustRegister(m.BroadcastsTotal)

	m.SweepEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_sweep_evictions_total",
		Help: "Total connections evicted by registry sweeps.",
	})
	registerer.MustRegister(m.SweepEvictionsTotal)

	m.NotificationsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_notifications_enqueued_total",
		Help: "Total pending notifications created.",
	})
	registerer.MustRegister(m.NotificationsEnqueuedTotal)

	m.DigestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_digests_total",
		Help: "Total per-user digest outcomes.",
	}, []string{"outcome"})
	registerer.MustRegister(m.DigestsTotal)

	m.NotificationsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_notifications_sent_total",
		Help: "Total notifications marked sent.",
	})
	registerer.MustRegister(m.NotificationsSentTotal)

	m.DigestRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockwatch_digest_run_duration_seconds",
		Help:    "Duration of digest batch runs.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 240},
	})
	registerer.MustRegister(m.DigestRunDuration)

	m.RateLimitUsage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stockwatch_rate_limit_usage",
		Help: "Current rate-limiter usage per tier.",
	}, []string{"tier"})
	registerer.MustRegister(m.RateLimitUsage)

	m.CleanupRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_cleanup_runs_total",
		Help: "Total cleanup runs by status.",
	}, []string{"status"})
	registerer.MustRegister(m.CleanupRunsTotal)

	m.CleanupRecordsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_cleanup_records_deleted_total",
		Help: "Total notification rows purged by cleanup.",
	})
	registerer.MustRegister(m.CleanupRecordsDeleted)

	m.DBSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockwatch_db_size_bytes",
		Help: "Database file size in bytes.",
	})
	registerer.MustRegister(m.DBSizeBytes)

	return m
}

// New creates metrics registered against the default Prometheus registerer.
func New() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// RecordPollReport updates all poll-related collectors from one report.
func (m *Metrics) RecordPollReport(report *models.PollReport) {
	outcome := "success"
	switch {
	case report.Successful == 0 && report.Failed > 0:
		outcome = "failure"
	case report.Failed > 0:
		outcome = "partial"
	}
	m.PollRunsTotal.WithLabelValues(outcome).Inc()
	m.PollModelChecksTotal.WithLabelValues("success").Add(float64(report.Successful))
	m.PollModelChecksTotal.WithLabelValues("failure").Add(float64(report.Failed))
	m.PollDuration.Observe(report.Duration.Seconds())

	for _, res := range report.Results {
		if res.FailureReason != "" {
			m.BreakerFailuresTotal.WithLabelValues(res.FailureReason).Inc()
		}
	}
	for _, event := range report.Events() {
		m.ChangesDetectedTotal.WithLabelValues(event.Transition()).Inc()
	}
}

// SetBreakerState maps a breaker state name onto the state gauge.
func (m *Metrics) SetBreakerState(state string) {
	var v float64
	switch state {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	m.BreakerState.Set(v)
}

// RecordDigestSummary updates digest collectors from one batch run summary.
func (m *Metrics) RecordDigestSummary(summary *models.DigestSummary, duration time.Duration) {
	m.DigestsTotal.WithLabelValues("sent").Add(float64(summary.UsersSent))
	m.DigestsTotal.WithLabelValues("failed").Add(float64(summary.UsersFailed))
	m.DigestsTotal.WithLabelValues("deferred").Add(float64(summary.UsersRateLimited))
	m.NotificationsSentTotal.Add(float64(summary.NotificationsSent))
	m.DigestRunDuration.Observe(duration.Seconds())
}

// RecordCleanup updates cleanup collectors after one run.
func (m *Metrics) RecordCleanup(deleted int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CleanupRunsTotal.WithLabelValues(status).Inc()
	m.CleanupRecordsDeleted.Add(float64(deleted))
}

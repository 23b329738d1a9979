package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"

	"stockwatch/internal/breaker"
	"stockwatch/internal/models"
)

// getGaugeValue reads the current value of a prometheus.Gauge.
func getGaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// getCounterValue reads the current value of a prometheus.Counter.
func getCounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestRecordPollReport(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	report := &models.PollReport{
		Results: []models.ModelPollResult{
			{Model: 1, Changes: []models.StatusChangeEvent{
				{Model: 1, Datacenter: "GRA", OldStatus: models.StatusOutOfStock, NewStatus: models.StatusAvailable},
			}},
			{Model: 2, Error: "connection refused", FailureReason: "network"},
		},
		ModelsChecked: 2,
		Successful:    1,
		Failed:        1,
		Duration:      2 * time.Second,
	}
	m.RecordPollReport(report)

	assert.Equal(t, float64(1), getCounterValue(m.PollRunsTotal.WithLabelValues("partial")))
	assert.Equal(t, float64(1), getCounterValue(m.PollModelChecksTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), getCounterValue(m.PollModelChecksTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), getCounterValue(m.BreakerFailuresTotal.WithLabelValues("network")))
	assert.Equal(t, float64(1), getCounterValue(m.ChangesDetectedTotal.WithLabelValues(models.TransitionBecameAvailable)))
}

func TestRecordPollReport_CountsBreakerFailuresByReason(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPollReport(&models.PollReport{
		Results: []models.ModelPollResult{
			{Model: 1, Error: "deadline exceeded", FailureReason: "timeout"},
			{Model: 2, Error: "bad payload", FailureReason: "parse"},
			{Model: 3, Error: "bad payload", FailureReason: "parse"},
			// A breaker short-circuit records no failure, so it carries no
			// reason and must not move the counter.
			{Model: 4, Error: "circuit breaker open"},
		},
		ModelsChecked: 4,
		Failed:        4,
	})

	assert.Equal(t, float64(1), getCounterValue(m.BreakerFailuresTotal.WithLabelValues("timeout")))
	assert.Equal(t, float64(2), getCounterValue(m.BreakerFailuresTotal.WithLabelValues("parse")))
	assert.Equal(t, float64(0), getCounterValue(m.BreakerFailuresTotal.WithLabelValues("network")))
}

func TestRecordPollReport_AllFailedIsFailureOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPollReport(&models.PollReport{
		Results:       []models.ModelPollResult{{Model: 1, Error: "circuit breaker open"}},
		ModelsChecked: 1,
		Failed:        1,
	})
	assert.Equal(t, float64(1), getCounterValue(m.PollRunsTotal.WithLabelValues("failure")))
}

func TestSetBreakerState(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetBreakerState(breaker.StateClosed)
	assert.Equal(t, float64(0), getGaugeValue(m.BreakerState))

	m.SetBreakerState(breaker.StateHalfOpen)
	assert.Equal(t, float64(1), getGaugeValue(m.BreakerState))

	m.SetBreakerState(breaker.StateOpen)
	assert.Equal(t, float64(2), getGaugeValue(m.BreakerState))
}

func TestRecordDigestSummary(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDigestSummary(&models.DigestSummary{
		UsersTotal:        4,
		UsersProcessed:    4,
		UsersSent:         2,
		UsersFailed:       1,
		UsersRateLimited:  1,
		NotificationsSent: 5,
	}, 3*time.Second)

	assert.Equal(t, float64(2), getCounterValue(m.DigestsTotal.WithLabelValues("sent")))
	assert.Equal(t, float64(1), getCounterValue(m.DigestsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(1), getCounterValue(m.DigestsTotal.WithLabelValues("deferred")))
	assert.Equal(t, float64(5), getCounterValue(m.NotificationsSentTotal))
}

func TestRecordCleanup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCleanup(7, nil)
	assert.Equal(t, float64(1), getCounterValue(m.CleanupRunsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(7), getCounterValue(m.CleanupRecordsDeleted))

	m.RecordCleanup(0, assert.AnError)
	assert.Equal(t, float64(1), getCounterValue(m.CleanupRunsTotal.WithLabelValues("error")))
}

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handlePoll runs one availability sweep, fans accepted changes out to the
// stream and the notification queue, and reports an itemized result. The HTTP
// status reflects the aggregate outcome: 200 on any success, 503 when every
// model was short-circuited or failed.
func (s *Server) handlePoll(c *gin.Context) {
	report := s.poller.PollAll(c.Request.Context())

	s.metrics.RecordPollReport(report)
	s.metrics.SetBreakerState(s.breaker.Status().State)

	enqueued := 0
	events := report.Events()
	for _, event := range events {
		s.metrics.BroadcastsTotal.Add(float64(s.broadcaster.Broadcast(event)))
		created, err := s.queue.Enqueue(event)
		if err != nil {
			s.logger.Error("notification fan-out failed",
				zap.Int("model", event.Model),
				zap.String("datacenter", event.Datacenter),
				zap.Error(err))
			continue
		}
		enqueued += created
	}
	s.metrics.NotificationsEnqueuedTotal.Add(float64(enqueued))
	s.metrics.StreamConnections.Set(float64(s.registry.Count()))

	status := http.StatusOK
	if report.ModelsChecked > 0 && report.Successful == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success": status == http.StatusOK,
		"summary": gin.H{
			"models_checked":   report.ModelsChecked,
			"successful":       report.Successful,
			"failed":           report.Failed,
			"changes_detected": report.ChangesDetected,
			"duration":         report.Duration.String(),
		},
		"circuit_breaker":       s.breaker.Status(),
		"results":               report.Results,
		"notifications_created": enqueued,
	})
}

// handleDigest runs one digest batch. The batch size comes from the batch
// query parameter, clamped to [1, DigestClamp]; the configured default is
// used when absent. 429 signals that every user was deferred by the rate
// limiter; 500 that every attempted send failed.
func (s *Server) handleDigest(c *gin.Context) {
	batch := s.cfg.Digest.BatchSize
	if raw := c.Query("batch"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "batch must be an integer",
			})
			return
		}
		batch = parsed
	}
	if batch < 1 {
		batch = 1
	}
	if batch > s.cfg.Server.DigestClamp {
		batch = s.cfg.Server.DigestClamp
	}

	started := time.Now()
	summary := s.batcher.RunBatch(c.Request.Context(), batch)
	s.metrics.RecordDigestSummary(summary, time.Since(started))
	for _, tier := range s.limiter.Status() {
		s.metrics.RateLimitUsage.WithLabelValues(tier.Tier).Set(float64(tier.Count))
	}

	status := http.StatusOK
	switch {
	case summary.UsersTotal > 0 && summary.UsersRateLimited == summary.UsersProcessed && summary.UsersSent == 0 && summary.UsersFailed == 0:
		status = http.StatusTooManyRequests
	case summary.UsersTotal > 0 && summary.UsersFailed > 0 && summary.UsersSent == 0:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"success":    status == http.StatusOK,
		"batch_size": batch,
		"summary": gin.H{
			"users": gin.H{
				"total":       summary.UsersTotal,
				"processed":   summary.UsersProcessed,
				"sent":        summary.UsersSent,
				"failed":      summary.UsersFailed,
				"rateLimited": summary.UsersRateLimited,
				"successRate": summary.UserSuccessRate(),
			},
			"emails": gin.H{
				"total":       summary.NotificationsTotal,
				"sent":        summary.NotificationsSent,
				"failed":      summary.NotificationsFailed,
				"rateLimited": summary.NotificationsRateLimited,
				"successRate": summary.EmailSuccessRate(),
			},
		},
		"rateLimits": s.limiter.Status(),
	})
}

// handleSweep forces a registry sweep.
func (s *Server) handleSweep(c *gin.Context) {
	evicted := s.registry.Sweep()
	s.metrics.SweepEvictionsTotal.Add(float64(evicted))
	s.metrics.StreamConnections.Set(float64(s.registry.Count()))

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"evicted":            evicted,
		"active_connections": s.registry.Count(),
	})
}

// handleBroadcast re-reads the availability table, diffs it against the last
// broadcast snapshot, and pushes any missed changes to stream subscribers.
// It catches flips applied out-of-band (e.g. by another process sharing the
// database).
func (s *Server) handleBroadcast(c *gin.Context) {
	records, err := s.store.GetAllAvailability()
	if err != nil {
		s.logger.Error("forced broadcast failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to read availability",
		})
		return
	}

	events := s.snapshot.Diff(records)
	delivered := 0
	for _, event := range events {
		delivered += s.broadcaster.Broadcast(event)
	}
	s.metrics.BroadcastsTotal.Add(float64(delivered))

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"records":   len(records),
		"events":    len(events),
		"delivered": delivered,
	})
}

package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"stockwatch/internal/models"
	"stockwatch/internal/registry"
)

// handleStream serves the SSE event stream. Clients may narrow the stream to
// a model set with ?models=1,2; an absent or empty filter subscribes to every
// model. The handler emits connected, then initial-status with the full
// availability snapshot, then incremental status-update events. Keepalive
// comments flow on the heartbeat interval so intermediaries do not drop the
// connection.
func (s *Server) handleStream(c *gin.Context) {
	filter, err := parseModelFilter(c.Query("models"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	conn, err := s.registry.Subscribe(filter)
	if err != nil {
		if err == registry.ErrCapacityExceeded {
			c.Header("Retry-After", strconv.Itoa(int(s.cfg.Stream.SweepInterval.Duration.Seconds())))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "stream capacity exceeded, retry later",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "subscribe failed",
		})
		return
	}
	defer func() {
		s.registry.Unsubscribe(conn.ID)
		s.metrics.StreamConnections.Set(float64(s.registry.Count()))
	}()
	s.metrics.StreamConnections.Set(float64(s.registry.Count()))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Connection-Id", conn.ID)
	c.Writer.WriteHeader(http.StatusOK)

	s.writeEvent(c, "connected", gin.H{
		"connection_id": conn.ID,
		"models":        filter,
	})

	if records, dbErr := s.store.GetAllAvailability(); dbErr == nil {
		visible := make([]*models.AvailabilityRecord, 0, len(records))
		for _, rec := range records {
			if conn.Wants(rec.Model) {
				visible = append(visible, rec)
			}
		}
		s.writeEvent(c, "initial-status", visible)
	} else {
		s.logger.Error("initial status read failed",
			zap.String("connection_id", conn.ID),
			zap.Error(dbErr))
		s.writeEvent(c, "error", gin.H{"error": "initial status unavailable"})
	}

	heartbeat := time.NewTicker(s.cfg.Stream.HeartbeatInterval.Duration)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-conn.Events:
			if !ok {
				return
			}
			s.writeEvent(c, "status-update", event)
			conn.Touch()
		case <-heartbeat.C:
			// SSE comment line; clients ignore it, proxies see traffic.
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
			conn.Touch()
		}
	}
}

// writeEvent encodes one SSE event frame and flushes it.
func (s *Server) writeEvent(c *gin.Context, name string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode stream event",
			zap.String("event", name),
			zap.Error(err))
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, data)
	c.Writer.Flush()
}

// parseModelFilter parses the comma-separated models query parameter.
func parseModelFilter(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	filter := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid model id %q", part)
		}
		filter = append(filter, id)
	}
	return filter, nil
}

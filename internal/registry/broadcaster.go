package registry

import (
	"go.uber.org/zap"

	"stockwatch/internal/models"
)

// Broadcaster fans status change events out to every matching connection in
// a registry. Delivery is best-effort per connection: a full event buffer
// means the consumer has stopped draining, so the event is dropped and the
// connection is marked for eviction.
type Broadcaster struct {
	registry *Registry
	logger   *zap.Logger
}

// NewBroadcaster wraps a registry for event delivery.
func NewBroadcaster(registry *Registry, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger,
	}
}

// Broadcast delivers one event to every connection whose filter matches the
// event's model. It returns the number of connections the event was delivered
// to. Connections that cannot accept the event are disconnected; the next
// sweep removes them.
func (b *Broadcaster) Broadcast(event models.StatusChangeEvent) int {
	conns := b.registry.snapshot()

	delivered := 0
	dropped := 0
	for _, conn := range conns {
		if !conn.Wants(event.Model) {
			continue
		}
		select {
		case conn.Events <- event:
			delivered++
		default:
			conn.Disconnect()
			dropped++
			b.logger.Warn("Dropping slow consumer",
				zap.String("connection_id", conn.ID),
				zap.Int("model", event.Model),
				zap.String("datacenter", event.Datacenter))
		}
	}

	b.logger.Debug("Broadcast complete",
		zap.Int("model", event.Model),
		zap.String("datacenter", event.Datacenter),
		zap.String("transition", event.Transition()),
		zap.Int("delivered", delivered),
		zap.Int("dropped", dropped))
	return delivered
}

// BroadcastAll delivers a batch of events in order and returns the total
// delivery count.
func (b *Broadcaster) BroadcastAll(events []models.StatusChangeEvent) int {
	total := 0
	for _, ev := range events {
		total += b.Broadcast(ev)
	}
	return total
}

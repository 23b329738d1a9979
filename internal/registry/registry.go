// Package registry tracks live event-stream connections and fans status
// change events out to them. The registry enforces a hard connection cap,
// evicts stale or disconnected entries on a sweep cycle, and isolates slow
// consumers so one stuck client never delays delivery to the rest.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockwatch/internal/models"
)

// ErrCapacityExceeded is returned by Subscribe when the registry is full and
// an opportunistic sweep could not free a slot.
var ErrCapacityExceeded = errors.New("registry: connection capacity exceeded")

// Connection is one subscribed event-stream client. Events are delivered on
// the buffered Events channel; a consumer that stops draining it is dropped
// rather than waited for.
type Connection struct {
	ID          string
	ModelFilter map[int]bool
	Events      chan models.StatusChangeEvent

	mu        sync.Mutex
	lastPing  time.Time
	connected bool
}

// Touch records consumer liveness. The stream handler calls it each time a
// keepalive write succeeds.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// Disconnect marks the connection dead. It is safe to call more than once;
// the next sweep removes the entry from the registry.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Wants reports whether the connection's filter matches the given model.
// An empty filter matches every model.
func (c *Connection) Wants(model int) bool {
	if len(c.ModelFilter) == 0 {
		return true
	}
	return c.ModelFilter[model]
}

func (c *Connection) stale(timeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.connected || now.Sub(c.lastPing) > timeout
}

// Registry holds all live connections. All methods are safe for concurrent
// use.
type Registry struct {
	mu          sync.Mutex
	connections map[string]*Connection

	maxConnections int
	pingTimeout    time.Duration
	sendBuffer     int
	logger         *zap.Logger
}

// NewRegistry creates a registry with the given capacity and staleness
// timeout. sendBuffer sets the per-connection event channel depth.
func NewRegistry(maxConnections int, pingTimeout time.Duration, sendBuffer int, logger *zap.Logger) *Registry {
	return &Registry{
		connections:    make(map[string]*Connection),
		maxConnections: maxConnections,
		pingTimeout:    pingTimeout,
		sendBuffer:     sendBuffer,
		logger:         logger,
	}
}

// Subscribe registers a new connection with the given model filter. A nil or
// empty filter subscribes to all models. When the registry is full, Subscribe
// runs one sweep to reclaim stale slots before giving up with
// ErrCapacityExceeded.
func (r *Registry) Subscribe(modelFilter []int) (*Connection, error) {
	r.mu.Lock()
	if len(r.connections) >= r.maxConnections {
		r.sweepLocked()
	}
	if len(r.connections) >= r.maxConnections {
		r.mu.Unlock()
		r.logger.Warn("Connection rejected: registry full",
			zap.Int("max_connections", r.maxConnections))
		return nil, ErrCapacityExceeded
	}

	filter := make(map[int]bool, len(modelFilter))
	for _, m := range modelFilter {
		filter[m] = true
	}
	conn := &Connection{
		ID:          uuid.New().String(),
		ModelFilter: filter,
		Events:      make(chan models.StatusChangeEvent, r.sendBuffer),
		lastPing:    time.Now(),
		connected:   true,
	}
	r.connections[conn.ID] = conn
	count := len(r.connections)
	r.mu.Unlock()

	r.logger.Info("Connection subscribed",
		zap.String("connection_id", conn.ID),
		zap.Ints("model_filter", modelFilter),
		zap.Int("active_connections", count))
	return conn, nil
}

// Unsubscribe removes a connection by ID. Unknown IDs are ignored.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if ok {
		delete(r.connections, id)
	}
	count := len(r.connections)
	r.mu.Unlock()

	if ok {
		conn.Disconnect()
		r.logger.Info("Connection unsubscribed",
			zap.String("connection_id", id),
			zap.Int("active_connections", count))
	}
}

// Sweep evicts every connection that is disconnected or whose last ping is
// older than the ping timeout. It returns the number of evicted connections.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	evicted := r.sweepLocked()
	r.mu.Unlock()

	if evicted > 0 {
		r.logger.Info("Swept stale connections", zap.Int("evicted", evicted))
	}
	return evicted
}

func (r *Registry) sweepLocked() int {
	now := time.Now()
	evicted := 0
	for id, conn := range r.connections {
		if conn.stale(r.pingTimeout, now) {
			delete(r.connections, id)
			conn.Disconnect()
			evicted++
		}
	}
	return evicted
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// snapshot returns the current connections without holding the lock during
// delivery.
func (r *Registry) snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	return conns
}

// Run sweeps the registry on the given interval until the context is
// cancelled. onSweep, if non-nil, receives the eviction count of every sweep
// so callers can record it.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onSweep func(evicted int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := r.Sweep()
			if onSweep != nil {
				onSweep(evicted)
			}
		}
	}
}

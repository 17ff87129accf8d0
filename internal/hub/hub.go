package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paperclash/realtime/internal/admin"
	"github.com/paperclash/realtime/internal/auth"
	"github.com/paperclash/realtime/internal/cache"
	"github.com/paperclash/realtime/internal/config"
	"github.com/paperclash/realtime/internal/limits"
	"github.com/paperclash/realtime/internal/metrics"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/rooms"
	"github.com/paperclash/realtime/internal/store"
	"github.com/paperclash/realtime/internal/topic"
	"github.com/rs/zerolog"
)

// ServicePublisher forwards admin control commands to the internal bus.
// Implemented by the service bridge.
type ServicePublisher interface {
	PublishControl(ctx context.Context, action string, payload []byte) error
}

// Hub owns every connection and the subscription index, and hosts the
// frame dispatcher. Cross-connection state lives here; per-connection
// state lives on the Client and is only touched from its own pumps.
type Hub struct {
	cfg       *config.Config
	store     *store.Store
	snapshots *cache.Snapshots
	settings  *cache.Settings
	rooms     *rooms.Manager
	recorder  *admin.Recorder
	publisher ServicePublisher

	msgLimiter *limits.SlidingWindow

	mu      sync.RWMutex
	clients map[string]*Client
	index   *SubscriptionIndex

	shuttingDown bool

	logger zerolog.Logger
}

// New wires the hub. publisher may be nil when the bus is unavailable;
// sync control commands then fail with an external service error.
func New(
	cfg *config.Config,
	st *store.Store,
	snapshots *cache.Snapshots,
	settings *cache.Settings,
	roomMgr *rooms.Manager,
	recorder *admin.Recorder,
	publisher ServicePublisher,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:        cfg,
		store:      st,
		snapshots:  snapshots,
		settings:   settings,
		rooms:      roomMgr,
		recorder:   recorder,
		publisher:  publisher,
		msgLimiter: limits.NewSlidingWindow(cfg.DefaultMessageLimit, time.Minute),
		clients:    make(map[string]*Client),
		index:      NewSubscriptionIndex(),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Attach registers an upgraded connection and starts its pumps. Returns
// false when the hub is draining or at capacity; the caller closes the
// raw connection.
func (h *Hub) Attach(conn *websocket.Conn, endpoint Endpoint, principal auth.Principal, r *http.Request) bool {
	c := newClient(conn, endpoint, principal, h, h.logger)

	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("shutting_down").Inc()
		return false
	}
	if len(h.clients) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		return false
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	metrics.ConnectionsCurrent.WithLabelValues(endpoint.Name).Inc()
	metrics.ConnectionsTotal.WithLabelValues(endpoint.Name).Inc()
	h.recorder.RecordUpgrade(endpoint.Name, r.RemoteAddr, r.Header)
	c.logger.Info().Msg("Connection registered")

	go c.writePump()
	go c.readPump()
	return true
}

// unregister removes every trace of the client: the connection table,
// the subscription index, room membership, and limiter state.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	h.index.RemoveAll(c, c.subscriptionKeys())
	h.rooms.LeaveAll(c)
	h.msgLimiter.Forget(h.limiterKey(c))

	reason := c.terminationReason()
	metrics.ConnectionsCurrent.WithLabelValues(c.endpoint.Name).Dec()
	metrics.Disconnects.WithLabelValues(reason).Inc()
	h.recorder.RecordTermination(c.id, c.endpoint.Name, reason)
	c.logger.Info().
		Str("reason", reason).
		Int64("dropped", c.Dropped()).
		Dur("connected", time.Since(c.connectedAt)).
		Msg("Connection unregistered")
}

// Broadcast fans a frame out to every subscriber of key. Enqueue order
// across successive broadcasts on one topic is preserved per subscriber
// by the connection send queue.
func (h *Hub) Broadcast(key topic.Key, f *protocol.Frame) {
	h.BroadcastFilter(key, f, nil)
}

// BroadcastFilter is Broadcast restricted to subscribers the filter
// accepts. A nil filter accepts everyone.
func (h *Hub) BroadcastFilter(key topic.Key, f *protocol.Frame, filter func(*Client) bool) {
	subscribers := h.index.Subscribers(key)
	if len(subscribers) == 0 {
		return
	}
	data, err := f.Encode()
	if err != nil {
		h.logger.Error().Err(err).Str("topic", key.String()).Msg("Broadcast encode failed")
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(key.Namespace).Inc()
	for _, c := range subscribers {
		if filter != nil && !filter(c) {
			continue
		}
		c.enqueue(data, key.Namespace)
	}
}

// DeliverDurable sends a frame that must not be shed to every connection
// subscribed to the wallet's notifications topic. Reports whether at
// least one connection accepted it.
func (h *Hub) DeliverDurable(wallet string, f *protocol.Frame) bool {
	subscribers := h.index.Subscribers(topic.Notifications(wallet))
	delivered := false
	for _, c := range subscribers {
		if err := c.DeliverDurable(f); err != nil {
			h.logger.Warn().Err(err).Str("wallet", wallet).Msg("Durable delivery failed")
			continue
		}
		delivered = true
	}
	return delivered
}

// ConnectionCounts returns the total and per-endpoint connection counts.
func (h *Hub) ConnectionCounts() (int, map[string]int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	perEndpoint := make(map[string]int)
	for _, c := range h.clients {
		perEndpoint[c.endpoint.Name]++
	}
	return len(h.clients), perEndpoint
}

// DroppedTotal sums backpressure drops across live connections.
func (h *Hub) DroppedTotal() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total int64
	for _, c := range h.clients {
		total += c.Dropped()
	}
	return total
}

// Draining reports whether shutdown has begun; the server stops
// accepting upgrades once it has.
func (h *Hub) Draining() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shuttingDown
}

// Shutdown notifies every connection, waits for the drain window, then
// force-closes the stragglers.
func (h *Hub) Shutdown(drain time.Duration) {
	h.mu.Lock()
	h.shuttingDown = true
	connected := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		connected = append(connected, c)
	}
	h.mu.Unlock()

	h.logger.Info().Int("connections", len(connected)).Dur("drain", drain).Msg("Hub shutting down")

	notice := protocol.New(protocol.TypeSystem)
	notice.Message = "shutdown"
	for _, c := range connected {
		c.Deliver(notice)
	}

	deadline := time.After(drain)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			h.mu.RLock()
			remaining := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				remaining = append(remaining, c)
			}
			h.mu.RUnlock()
			for _, c := range remaining {
				c.shutdown(websocket.CloseGoingAway, "server_shutdown")
			}
			h.msgLimiter.Stop()
			return
		case <-ticker.C:
			h.mu.RLock()
			n := len(h.clients)
			h.mu.RUnlock()
			if n == 0 {
				h.msgLimiter.Stop()
				return
			}
		}
	}
}

// limiterKey scopes the message limiter per principal; anonymous
// connections get per-connection buckets so one noisy anonymous peer
// cannot exhaust the shared budget.
func (h *Hub) limiterKey(c *Client) string {
	if c.principal.Anonymous {
		return "conn:" + c.id
	}
	return c.principal.Key()
}

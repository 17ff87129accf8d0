// Package hub is the connection core: it owns the client table and
// subscription index, classifies inbound frames, and fans broadcasts out
// through bounded per-connection send queues.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/paperclash/realtime/internal/auth"
	"github.com/paperclash/realtime/internal/metrics"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/topic"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// A peer that has not ponged within this window is dead.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// More than maxStrikes protocol violations inside strikeWindow
	// closes the connection.
	maxStrikes   = 5
	strikeWindow = time.Minute

	// Every Nth backpressure drop is logged.
	dropLogSample = 100
)

// Client is one websocket connection bound to a principal for its
// lifetime. All inbound handling runs on the read pump goroutine; the
// send queue serializes everything outbound, so per-subscriber frame
// order always matches enqueue order.
type Client struct {
	id        string
	conn      *websocket.Conn
	endpoint  Endpoint
	principal auth.Principal
	hub       *Hub

	send chan []byte
	done chan struct{}

	// ctx is canceled on shutdown; dispatch handlers inherit it so
	// in-flight work stops when the connection dies.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeReason atomic.Value // string

	dropped atomic.Int64

	mu   sync.Mutex
	subs map[topic.Key]struct{}

	// Touched only by the read pump.
	strikes []time.Time

	connectedAt time.Time
	logger      zerolog.Logger
}

func newClient(conn *websocket.Conn, endpoint Endpoint, principal auth.Principal, h *Hub, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:          id,
		conn:        conn,
		endpoint:    endpoint,
		principal:   principal,
		hub:         h,
		send:        make(chan []byte, h.cfg.SendQueueSize),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[topic.Key]struct{}),
		connectedAt: time.Now(),
		logger: logger.With().
			Str("component", "client").
			Str("client_id", id).
			Str("endpoint", endpoint.Name).
			Str("principal", principal.Key()).
			Logger(),
	}
}

// ID returns the connection identifier used in logs and diagnostics.
func (c *Client) ID() string { return c.id }

// Principal returns the identity bound at upgrade time.
func (c *Client) Principal() auth.Principal { return c.principal }

// Dropped returns how many frames this connection has shed under
// backpressure.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Deliver enqueues a non-durable frame. On a full queue the frame is
// dropped and counted; the connection stays up.
func (c *Client) Deliver(f *protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		c.logger.Error().Err(err).Str("type", f.Type).Msg("Frame encode failed")
		return
	}
	c.enqueue(data, namespaceOf(f.Topic))
}

// DeliverDurable enqueues a frame that must not be silently shed. A full
// queue closes the connection with reason "congested" and reports the
// failure so the caller can leave its source record undelivered.
func (c *Client) DeliverDurable(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encode durable frame: %w", err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.id)
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.shutdown(websocket.CloseTryAgainLater, "congested")
		return fmt.Errorf("connection %s congested", c.id)
	}
}

func (c *Client) enqueue(data []byte, ns string) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		n := c.dropped.Add(1)
		metrics.DroppedFrames.WithLabelValues(ns).Inc()
		if n%dropLogSample == 1 {
			c.logger.Warn().Int64("dropped", n).Str("namespace", ns).Msg("Send queue full, frame dropped")
		}
		return false
	}
}

// sendError delivers an ERROR frame for err and records the strike if the
// code counts as a protocol violation. Returns true when the strike
// budget is exhausted and the connection should be closed.
func (c *Client) sendError(err error, requestID string) bool {
	frame := protocol.NewError(err, requestID)
	metrics.ErrorFrames.WithLabelValues(fmt.Sprintf("%d", frame.Code)).Inc()
	c.Deliver(frame)

	if !protocol.CountsAsViolation(frame.Code) {
		return false
	}
	now := time.Now()
	cutoff := now.Add(-strikeWindow)
	kept := c.strikes[:0]
	for _, t := range c.strikes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.strikes = append(kept, now)
	return len(c.strikes) > maxStrikes
}

// shutdown initiates connection teardown exactly once: best-effort close
// frame, then transport close. The read pump observes the closed
// transport and unregisters.
func (c *Client) shutdown(closeCode int, reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		c.cancel()
		close(c.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(closeCode, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

func (c *Client) terminationReason() string {
	if r, ok := c.closeReason.Load().(string); ok {
		return r
	}
	return "peer_closed"
}

func (c *Client) addSubscription(key topic.Key) {
	c.mu.Lock()
	c.subs[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeSubscription(key topic.Key) {
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
}

func (c *Client) subscribed(key topic.Key) bool {
	c.mu.Lock()
	_, ok := c.subs[key]
	c.mu.Unlock()
	return ok
}

func (c *Client) subscriptionKeys() []topic.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]topic.Key, 0, len(c.subs))
	for key := range c.subs {
		out = append(out, key)
	}
	return out
}

// readPump pumps frames from the peer into the hub dispatcher. It owns
// unregistration: however the connection dies, the pump's exit removes
// all hub state for it.
func (c *Client) readPump() {
	defer func() {
		c.shutdown(websocket.CloseNormalClosure, "read_closed")
		c.hub.unregister(c)
	}()

	c.conn.SetReadLimit(c.endpoint.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("Read error")
			}
			return
		}
		metrics.MessagesReceived.WithLabelValues(c.endpoint.Name).Inc()
		metrics.BytesReceived.Add(float64(len(message)))

		if err := c.hub.dispatch(c, message); err != nil {
			if c.sendError(err, requestIDOf(message)) {
				c.logger.Warn().Msg("Closing connection after repeated protocol violations")
				metrics.Disconnects.WithLabelValues("protocol_violations").Inc()
				c.shutdown(websocket.ClosePolicyViolation, "protocol_violations")
				return
			}
		}
	}
}

// writePump serializes all outbound traffic and drives liveness pings.
// A write error tears the connection down; the read pump cleans up.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown(websocket.CloseNormalClosure, "write_closed")
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("Write error")
				return
			}
			metrics.MessagesSent.Inc()
			metrics.BytesSent.Add(float64(len(message)))

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}

// namespaceOf labels drop metrics; frames without a topic count under
// "system".
func namespaceOf(topicStr string) string {
	if key, err := topic.Parse(topicStr); err == nil {
		return key.Namespace
	}
	return "system"
}

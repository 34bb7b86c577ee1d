// Package ws implements the WebSocket transport. This file contains the
// per-connection read/write pumps. All reads happen on the read pump
// goroutine and all writes on the write pump goroutine, so the connection
// never sees concurrent access. Inbound frames are rate limited per
// connection with a token bucket.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is the transport-level ping cadence. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes caps inbound frame size (content cap plus envelope).
	maxFrameBytes = 64 << 10

	// sendBuffer is the outbound channel depth per client.
	sendBuffer = 64
)

// Client is the transport half of one WebSocket connection: it owns the
// socket and its pumps, and hands every inbound frame to the session bound
// via OnFrame.
type Client struct {
	// UserID is the authenticated principal.
	UserID string
	// ConnectionID identifies this socket for presence and recovery.
	ConnectionID string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     zerolog.Logger
	channel string

	// rooms is maintained by the hub under its lock.
	rooms map[string]struct{}

	// onFrame receives each raw inbound frame on the read pump goroutine.
	onFrame func(raw []byte)
	// onClose runs exactly once when the connection tears down.
	onClose func()

	closeOnce sync.Once
	closed    chan struct{}
}

// newClient wires a client around an upgraded connection. frameRPS/burst
// shape the per-connection inbound rate limit.
func newClient(hub *Hub, conn *websocket.Conn, userID, connectionID, channel string, frameRPS float64, frameBurst int, lg zerolog.Logger) *Client {
	if frameBurst <= 0 {
		frameBurst = 1
	}
	return &Client{
		UserID:       userID,
		ConnectionID: connectionID,
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		limiter:      rate.NewLimiter(rate.Limit(frameRPS), frameBurst),
		log:          lg,
		channel:      channel,
		rooms:        make(map[string]struct{}),
		closed:       make(chan struct{}),
	}
}

// Allow reports whether the inbound rate limit admits another frame now.
func (c *Client) Allow() bool { return c.limiter.Allow() }

// SendFrame marshals a frame and queues it for the write pump. Slow clients
// drop frames rather than block the caller.
func (c *Client) SendFrame(frame any) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.log.Error().Err(err).Msg("outbound frame marshal failed")
		return false
	}
	return c.enqueue(payload)
}

// enqueue hands raw bytes to the write pump without blocking.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		wsDropped.Inc()
		c.log.Warn().Msg("send buffer full, frame dropped")
		return false
	}
}

// run starts both pumps. It returns when the connection is gone and cleanup
// has run.
func (c *Client) run() {
	wsConnections.WithLabelValues(c.channel).Inc()
	go c.writePump()
	c.readPump()
}

// readPump pumps frames from the socket into the session. The application
// runs readPump in a per-connection goroutine; all reads happen here.
func (c *Client) readPump() {
	defer func() {
		c.teardown()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read failed")
			}
			return
		}
		if c.onFrame != nil {
			c.onFrame(raw)
		}
	}
}

// writePump pumps queued frames to the socket and keeps the transport-level
// ping/pong heartbeat alive. All writes happen here.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn().Err(err).Msg("write failed")
				return
			}
			wsFrames.WithLabelValues("out", frameType(payload)).Inc()
		case <-c.closed:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs the close path exactly once: hub unregistration, session
// cleanup, and gauge bookkeeping. It tolerates partial initialization and
// never lets a cleanup panic escape.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		defer func() {
			if rec := recover(); rec != nil {
				c.log.Error().Interface("panic", rec).Msg("cleanup panicked")
			}
		}()
		c.hub.Unregister(c)
		_ = c.conn.Close()
		wsConnections.WithLabelValues(c.channel).Dec()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Close tears the connection down from the server side.
func (c *Client) Close() { c.teardown() }

// frameType extracts the outbound frame's type tag for metrics, tolerating
// anything unparseable.
func frameType(payload []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Type == "" {
		return "unknown"
	}
	return probe.Type
}

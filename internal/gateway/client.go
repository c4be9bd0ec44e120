package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/holoforge/scenecast/internal/auth"
	"github.com/holoforge/scenecast/internal/domain"
	"github.com/holoforge/scenecast/internal/errs"
)

// Protocol constants, grounded on the teacher's streaming client timings.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 64
)

// client is one authenticated WebSocket connection. It implements
// broadcast.Socket so the broadcast engine can deliver frames to it
// directly.
type client struct {
	id       string
	ip       string
	conn     *websocket.Conn
	identity auth.Identity
	gw       *Gateway
	logger   zerolog.Logger

	send        chan []byte
	bytesQueued atomic.Int64
	tenants     map[string]bool
}

func newClient(id, ip string, conn *websocket.Conn, identity auth.Identity, gw *Gateway, logger zerolog.Logger) *client {
	return &client{
		id: id, ip: ip, conn: conn, identity: identity, gw: gw,
		logger:  logger.With().Str("clientID", id).Str("tenantID", identity.TenantID).Logger(),
		send:    make(chan []byte, sendBufferSize),
		tenants: make(map[string]bool),
	}
}

func (c *client) ID() string { return c.id }

func (c *client) BufferedAmount() int64 { return c.bytesQueued.Load() }

// Send is called by the broadcast engine's single goroutine. It never
// blocks past ctx's deadline: if the send channel is full it reports a
// Timeout error rather than stalling the broadcast loop.
func (c *client) Send(ctx context.Context, frame domain.Frame) error {
	data, err := json.Marshal(ServerMessage{Type: ServerMsgFrame, Payload: frame})
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, err, "gateway: marshal frame")
	}

	select {
	case c.send <- data:
		c.bytesQueued.Add(int64(len(data)))
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, ctx.Err(), "gateway: send buffer full")
	}
}

func (c *client) Close(reason string) error {
	c.logger.Warn().Str("reason", reason).Msg("gateway: closing socket")
	return c.conn.Close()
}

// readPump reads control messages until the connection closes.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.gw.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("gateway: unexpected close")
			}
			return
		}
		c.gw.handleMessage(ctx, c, raw)
	}
}

// writePump drains the send channel onto the wire and sends periodic
// pings. Queued bytes are deducted once actually written, so
// BufferedAmount reflects what's still pending.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.bytesQueued.Add(-int64(len(data)))
			if err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) writeJSON(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
		c.bytesQueued.Add(int64(len(data)))
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("gateway: control send buffer full, dropping")
	}
}

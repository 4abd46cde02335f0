package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	sendBufferSize    = 512
	messagesPerSecond = 100
	messageBurst      = 200
	maxRateViolations = 1000
)

var (
	ErrClosed         = errors.New("client closed")
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Client is one participant's connection. It is bound to a single room for
// its whole life; run owns the read side and writePump the write side.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	roomID      string
	rateLimiter *ratelimit.Limiter
	userID      string

	mu     sync.Mutex
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, roomID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		roomID:      roomID,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}
}

// Send queues a frame for the write pump. It never blocks: a closed client
// or a full buffer is reported as an error.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops accepting frames. The write pump flushes what is queued,
// sends a close frame and shuts the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

func (c *Client) sendError(message string) {
	data, err := protocol.Encode(protocol.NewError(message))
	if err != nil {
		return
	}
	// best effort, the peer may already be gone
	_ = c.Send(data)
}

// run drives the connection: wait for the join frame, register, then relay
// frames until the client leaves or the socket fails. Cleanup always runs.
func (c *Client) run() {
	logger := c.hub.logger.With("room", c.roomID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("connection handler panic", "user_id", c.userID, "panic", r)
			c.sendError(fmt.Sprintf("connection error: %v", r))
		}
		c.hub.Leave(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_, first, err := c.conn.ReadMessage()
	if err != nil {
		c.readFailed(err)
		return
	}
	c.userID = c.hub.Join(c, c.roomID, protocol.JoinName(first))

	rateLimitWarnings := 0
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings > maxRateViolations {
				logger.Warn("disconnecting client for excessive rate limit violations", "user_id", c.userID)
				c.sendError("too many messages, closing connection")
				return
			}
			if rateLimitWarnings%100 == 1 {
				logger.Warn("rate limit exceeded", "user_id", c.userID, "warnings", rateLimitWarnings)
				c.sendError("rate limit exceeded, message dropped")
			}
			continue
		}

		if !c.handle(protocol.Decode(data)) {
			logger.Debug("client sent leave", "user_id", c.userID)
			return
		}
	}
}

// handle applies one decoded frame and reports whether the loop should go on.
func (c *Client) handle(msg protocol.Inbound) bool {
	switch m := msg.(type) {
	case protocol.CodeChange:
		c.hub.BroadcastCodeChange(c.roomID, m, c.userID, c)
	case protocol.CursorChange:
		c.hub.BroadcastCursorChange(c.roomID, m.Line, m.Column, c.userID, c)
	case protocol.Leave:
		return false
	case protocol.Invalid:
		c.sendError(m.Message())
	default:
		// join after the handshake is not accepted
		c.sendError(fmt.Sprintf("unknown message type: %s", msg.MessageType()))
	}
	return true
}

func (c *Client) readFailed(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			c.hub.logger.Warn("websocket closed", "room", c.roomID, "user_id", c.userID, "error", err)
		}
		return
	}
	c.hub.logger.Debug("websocket read failed", "room", c.roomID, "user_id", c.userID, "error", err)
	c.sendError(fmt.Sprintf("websocket connection error: %v", err))
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				// stop accepting frames so the next broadcast prunes us
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

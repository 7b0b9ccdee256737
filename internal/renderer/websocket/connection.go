// Package websocket drives a browser map over a WebSocket connection.
package websocket

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/mapmark/annotator/pkg/streaming"
)

const (
	sendChSize     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// ErrSendBufferFull is returned when the client does not keep up.
var ErrSendBufferFull = errors.New("send buffer full")

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Conn wraps an upgraded WebSocket with a single write goroutine.
// Writes go through Send; Serve runs the read side.
type Conn struct {
	conn    *ws.Conn
	sendCh  chan []byte
	done    chan struct{}
	stopped chan struct{}

	mu     sync.Mutex
	closed bool

	logger Logger
}

// NewConn takes ownership of conn and starts its write loop.
func NewConn(conn *ws.Conn, logger Logger) *Conn {
	c := &Conn{
		conn:    conn,
		sendCh:  make(chan []byte, sendChSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go c.writeLoop()
	return c
}

// Send queues data for the client. It never blocks.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
		return ErrSendBufferFull
	}
}

// Serve reads envelopes until the connection fails or closes, calling handle
// for each one on the calling goroutine. Malformed frames are skipped.
func (c *Conn) Serve(handle func(streaming.Envelope)) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) || c.isClosed() {
				return nil
			}
			return err
		}

		var env streaming.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			c.logger.Debug("Malformed message received", "raw", string(message))
			continue
		}
		handle(env)
	}
}

func (c *Conn) writeLoop() {
	defer close(c.stopped)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.drain()
			return
		case data := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				c.logger.Debug("WebSocket ping failed", "error", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

// drain writes whatever is still queued, then the close frame.
func (c *Conn) drain() {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.SetWriteDeadline(deadline)
	for len(c.sendCh) > 0 {
		if err := c.conn.WriteMessage(ws.TextMessage, <-c.sendCh); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(
		ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		deadline,
	)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close flushes queued messages, sends a close frame and closes the socket.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	<-c.stopped
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

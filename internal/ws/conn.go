package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

type Role string

const (
	RoleDevice Role = "device"
	RoleClient Role = "client"
)

// Conn is one websocket peer. Outbound messages go through a buffered queue
// drained by writePump; Send never blocks. The send channel is never closed,
// done signals shutdown instead so late senders cannot panic.
type Conn struct {
	ws     *websocket.Conn
	role   Role
	remote string
	log    *zap.SugaredLogger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	pongWait   time.Duration
	pingPeriod time.Duration
}

func newConn(ws *websocket.Conn, role Role, idle time.Duration, log *zap.SugaredLogger) *Conn {
	if idle <= 0 {
		idle = 60 * time.Second
	}
	return &Conn{
		ws:         ws,
		role:       role,
		remote:     ws.RemoteAddr().String(),
		log:        log,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		pongWait:   idle,
		pingPeriod: idle * 9 / 10,
	}
}

func (c *Conn) start() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	go c.writePump()
}

// Send queues msg for delivery.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// writeNow writes synchronously. Only valid before start.
func (c *Conn) writeNow(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and tears the socket down. Safe to
// call more than once and from any goroutine.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// read blocks for the next data frame.
func (c *Conn) read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debugw("ws write failed", "role", c.role, "remote", c.remote, "error", err)
				c.Close(CloseInternal, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(CloseInternal, "ping failed")
				return
			}
		}
	}
}

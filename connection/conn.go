package connection

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the narrow view of a socket the manager needs. The
// production implementation wraps a gorilla/websocket connection;
// tests substitute in-memory fakes.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the
	// connection fails.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one frame.
	WriteMessage(data []byte) error

	// Ping sends a liveness probe that must be answered before deadline.
	Ping(deadline time.Time) error

	// SetPongHandler registers the callback invoked when the peer
	// answers a ping.
	SetPongHandler(fn func())

	// Close tears the socket down. Safe to call more than once.
	Close() error
}

// Dialer establishes a Conn from a socket URL. The URL carries the
// session token; the manager derives a fresh one for every attempt.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials chat sockets with gorilla/websocket. A
// credential rejection during the HTTP handshake is reported as an
// AuthError so the manager knows not to retry it.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the dial; zero means the gorilla default.
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: resp.Status}
		}
		return nil, newConnError("dial", err)
	}

	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to the Conn interface. gorilla
// permits one concurrent writer, so data and control writes share a
// mutex.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, newConnError("read", err)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return newConnError("write", err)
	}
	return nil
}

func (c *wsConn) Ping(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return newConnError("ping", err)
	}
	return nil
}

func (c *wsConn) SetPongHandler(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

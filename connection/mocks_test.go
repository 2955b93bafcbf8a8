package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// mockProvider returns a fixed socket URL and counts derivations.
type mockProvider struct {
	url   string
	err   error
	calls atomic.Int32
}

func (p *mockProvider) SocketURL(ctx context.Context) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return p.url, nil
}

// mockConn is an in-memory Conn. ReadMessage blocks until a frame is
// queued with push or the connection is closed.
type mockConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
	pings   int
	pongFn  func()
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *mockConn) push(data []byte) {
	c.inbound <- data
}

func (c *mockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ErrConnectionClosedTest
	}
}

func (c *mockConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosedTest
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *mockConn) Ping(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *mockConn) SetPongHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongFn = fn
}

func (c *mockConn) pong() {
	c.mu.Lock()
	fn := c.pongFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *mockConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// mockDialer fails the first `failures` dials with failErr, then
// hands out mock connections.
type mockDialer struct {
	mu       sync.Mutex
	failures int
	failErr  error
	conns    []*mockConn
	dials    int
}

func (d *mockDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, d.failErr
	}
	c := newMockConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *mockDialer) conn(i int) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// ErrConnectionClosedTest is the read error mock connections report
// once closed.
var ErrConnectionClosedTest = newConnError("read", context.Canceled)

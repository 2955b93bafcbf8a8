package connection

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatclient/sched"
)

// State represents the connection state.
type State uint8

const (
	// StateDisconnected means no socket is open and no attempt is running.
	StateDisconnected State = iota
	// StateConnecting means a dial attempt is in flight.
	StateConnecting
	// StateConnected means the socket is established and usable.
	StateConnected
	// StateError means the last attempt or the open socket failed.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// RetryContext carries the reconnection bookkeeping alongside state
// notifications. Attempt resets to 0 the moment Connected is reached.
type RetryContext struct {
	Attempt   int
	NextDelay time.Duration
	LastErr   error
}

// SessionProvider derives the socket URL, token included, for a
// connection attempt. It is consulted fresh on every attempt so a
// rotated token is never cached stale.
type SessionProvider interface {
	SocketURL(ctx context.Context) (string, error)
}

// StateCallback is invoked on every state transition.
type StateCallback func(state State, retry RetryContext)

// MessageCallback is invoked for every inbound frame, in arrival order.
type MessageCallback func(data []byte)

const (
	// DefaultInitialBackoff is the delay before the first reconnect attempt.
	DefaultInitialBackoff = time.Second
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 30 * time.Second
	// DefaultPingInterval is the heartbeat probe period.
	DefaultPingInterval = 20 * time.Second
	// DefaultPongTimeout is how long the manager waits for a liveness
	// signal before declaring the connection dead.
	DefaultPongTimeout = 45 * time.Second
	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 10 * time.Second

	// MaxReportedAttempt is the ceiling on the attempt count carried in
	// RetryContext. Retries themselves are unbounded; only the reported
	// number stops growing.
	MaxReportedAttempt = 99

	backoffFactor = 1.5
)

// Options configures a Manager.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	DialTimeout    time.Duration
}

// NewOptions returns the default manager configuration.
func NewOptions() *Options {
	return &Options{
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		DialTimeout:    DefaultDialTimeout,
	}
}

// Manager owns the socket connection and its recovery policy.
type Manager struct {
	provider  SessionProvider
	dialer    Dialer
	scheduler *sched.Scheduler
	opts      *Options

	mu         sync.Mutex
	state      State
	retry      RetryContext
	backoff    time.Duration
	conn       Conn
	generation uint64
	lastPong   time.Time
	retryTimer *sched.Handle
	pingTimer  *sched.Handle
	shutdown   bool

	cbMu       sync.RWMutex
	stateCbs   []StateCallback
	messageCbs []MessageCallback
}

// NewManager creates a manager in the Disconnected state. The
// scheduler owns all reconnect and heartbeat timers; closing it (or
// calling Shutdown) cancels them.
func NewManager(provider SessionProvider, dialer Dialer, scheduler *sched.Scheduler, opts *Options) *Manager {
	if opts == nil {
		opts = NewOptions()
	}
	return &Manager{
		provider:  provider,
		dialer:    dialer,
		scheduler: scheduler,
		opts:      opts,
		state:     StateDisconnected,
		backoff:   opts.InitialBackoff,
	}
}

// OnStateChange registers an observer for state transitions. Multiple
// observers are allowed; each sees transitions in occurrence order.
func (m *Manager) OnStateChange(cb StateCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.stateCbs = append(m.stateCbs, cb)
}

// OnMessage registers an observer for inbound frames.
func (m *Manager) OnMessage(cb MessageCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.messageCbs = append(m.messageCbs, cb)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retry returns a snapshot of the reconnection bookkeeping.
func (m *Manager) Retry() RetryContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry
}

// Connect starts a connection attempt. It is a no-op while an attempt
// is already in flight or the socket is established.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Cancel()
		m.retryTimer = nil
	}
	m.state = StateConnecting
	gen := m.generation
	snap := m.retry
	m.mu.Unlock()

	m.notifyState(StateConnecting, snap)
	go m.dial(gen)
	return nil
}

// Send writes one frame to the socket. It fails with ErrNotConnected
// unless the state is Connected. Delivery acknowledgement is the
// caller's concern.
func (m *Manager) Send(frame []byte) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	if err := conn.WriteMessage(frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"error":    err.Error(),
		}).Warn("Frame write failed")
		return err
	}
	return nil
}

// Shutdown tears the manager down: the socket is closed, pending
// reconnect and heartbeat timers are cancelled, and no further
// attempts are made. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.generation++
	if m.retryTimer != nil {
		m.retryTimer.Cancel()
		m.retryTimer = nil
	}
	if m.pingTimer != nil {
		m.pingTimer.Cancel()
		m.pingTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	snap := m.retry
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Shutdown",
				"error":    err.Error(),
			}).Warn("Failed to close socket during shutdown")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
	}).Info("Connection manager shut down")

	m.notifyState(StateDisconnected, snap)
}

// dial runs one connection attempt for the given generation. A stale
// generation (shutdown or superseded attempt) discards its result.
func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	defer cancel()

	url, err := m.provider.SocketURL(ctx)
	if err != nil {
		m.dialFailed(gen, err)
		return
	}

	conn, err := m.dialer.Dial(ctx, url)
	if err != nil {
		m.dialFailed(gen, err)
		return
	}

	m.mu.Lock()
	if m.shutdown || gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.retry = RetryContext{}
	m.backoff = m.opts.InitialBackoff
	m.lastPong = time.Now()
	conn.SetPongHandler(func() { m.pongReceived(gen) })
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "dial",
	}).Info("Connection established")

	m.notifyState(StateConnected, RetryContext{})
	m.schedulePing(gen)
	go m.readLoop(conn, gen)
}

// dialFailed records a failed attempt and schedules the next one,
// unless the failure was a credential rejection.
func (m *Manager) dialFailed(gen uint64, err error) {
	m.mu.Lock()
	if m.shutdown || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.state = StateError
	m.retry.LastErr = err

	auth := IsAuthError(err)
	if !auth {
		m.scheduleRetryLocked()
	} else {
		m.retry.NextDelay = 0
	}
	snap := m.retry
	m.mu.Unlock()

	entry := logrus.WithFields(logrus.Fields{
		"function": "dialFailed",
		"attempt":  snap.Attempt,
		"error":    err.Error(),
	})
	if auth {
		entry.Error("Credentials rejected, reconnection suspended")
	} else {
		entry.WithField("next_delay", snap.NextDelay).Warn("Connection attempt failed")
	}

	m.notifyState(StateError, snap)
}

// readLoop pumps inbound frames until the socket fails.
func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		m.dispatchMessage(data)
	}
}

// connectionLost handles an unexpected socket drop: the state moves to
// Disconnected and the normal retry policy takes over.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if m.shutdown || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.generation++
	if m.pingTimer != nil {
		m.pingTimer.Cancel()
		m.pingTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.retry.LastErr = err
	m.scheduleRetryLocked()
	snap := m.retry
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "connectionLost",
		"attempt":    snap.Attempt,
		"next_delay": snap.NextDelay,
		"error":      err.Error(),
	}).Warn("Connection lost, reconnection scheduled")

	m.notifyState(StateDisconnected, snap)
}

// scheduleRetryLocked arms the reconnect timer with exponential
// backoff and jitter. The caller holds m.mu. Delay grows by
// backoffFactor up to the cap; jitter spreads attempts over 50-150%
// of the nominal delay.
func (m *Manager) scheduleRetryLocked() {
	if m.retry.Attempt < MaxReportedAttempt {
		m.retry.Attempt++
	}

	delay := time.Duration(float64(m.backoff) * (0.5 + rand.Float64()))
	m.backoff = time.Duration(float64(m.backoff) * backoffFactor)
	if m.backoff > m.opts.MaxBackoff {
		m.backoff = m.opts.MaxBackoff
	}
	m.retry.NextDelay = delay

	gen := m.generation
	m.retryTimer = m.scheduler.After(delay, func() { m.retryConnect(gen) })
}

// retryConnect fires when the backoff delay elapses.
func (m *Manager) retryConnect(gen uint64) {
	m.mu.Lock()
	if m.shutdown || gen != m.generation || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.state = StateConnecting
	snap := m.retry
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "retryConnect",
		"attempt":  snap.Attempt,
	}).Info("Reconnecting")

	m.notifyState(StateConnecting, snap)
	go m.dial(gen)
}

// schedulePing arms the next heartbeat probe for a live connection.
func (m *Manager) schedulePing(gen uint64) {
	m.mu.Lock()
	if m.shutdown || gen != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.pingTimer = m.scheduler.After(m.opts.PingInterval, func() { m.heartbeat(gen) })
	m.mu.Unlock()
}

// heartbeat verifies liveness and probes again. A silent peer forces
// an error transition and the standard reconnect policy.
func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if m.shutdown || gen != m.generation || m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return
	}
	if time.Since(m.lastPong) > m.opts.PongTimeout {
		m.generation++
		conn := m.conn
		m.conn = nil
		m.state = StateError
		m.retry.LastErr = ErrHeartbeatTimeout
		m.scheduleRetryLocked()
		snap := m.retry
		m.mu.Unlock()

		conn.Close()

		logrus.WithFields(logrus.Fields{
			"function":   "heartbeat",
			"attempt":    snap.Attempt,
			"next_delay": snap.NextDelay,
		}).Warn("Liveness check failed, forcing reconnect")

		m.notifyState(StateError, snap)
		return
	}
	conn := m.conn
	m.mu.Unlock()

	if err := conn.Ping(time.Now().Add(m.opts.PongTimeout)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "heartbeat",
			"error":    err.Error(),
		}).Debug("Ping write failed, read loop will observe the drop")
	}
	m.schedulePing(gen)
}

// pongReceived records a liveness signal for the given generation.
func (m *Manager) pongReceived(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.lastPong = time.Now()
}

// notifyState fans a transition out to the registered observers.
func (m *Manager) notifyState(state State, retry RetryContext) {
	m.cbMu.RLock()
	cbs := make([]StateCallback, len(m.stateCbs))
	copy(cbs, m.stateCbs)
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(state, retry)
	}
}

// dispatchMessage fans an inbound frame out to the registered
// observers. Called from the read loop, so each observer sees frames
// in arrival order.
func (m *Manager) dispatchMessage(data []byte) {
	m.cbMu.RLock()
	cbs := make([]MessageCallback, len(m.messageCbs))
	copy(cbs, m.messageCbs)
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(data)
	}
}

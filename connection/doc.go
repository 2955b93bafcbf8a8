// Package connection maintains the single logical socket connection to
// the chat server, providing a connection state machine, automatic
// reconnection with capped exponential backoff, and heartbeat-based
// liveness detection.
//
// # Architecture
//
// The Manager owns exactly one connection at a time. Transient failures
// are absorbed by the retry loop and never surface to callers as
// anything other than state-change notifications; credential rejections
// stop the retry loop and require an explicit Connect after
// re-authentication.
//
// Key components:
//
//   - Manager: The connection state machine and retry loop
//   - Dialer: Establishes a Conn from a socket URL (WebSocketDialer in production)
//   - SessionProvider: Derives a fresh authenticated socket URL per attempt
//   - RetryContext: Bookkeeping snapshot exposed to the status layer
//
// # Connection Lifecycle
//
// A manager starts disconnected. Connect launches an attempt; the
// session provider is consulted for a fresh URL on every attempt so a
// rotated token is never reused stale:
//
//	mgr := connection.NewManager(provider, &connection.WebSocketDialer{}, scheduler, nil)
//	mgr.OnStateChange(func(s connection.State, retry connection.RetryContext) {
//	    log.Printf("state=%s attempt=%d", s, retry.Attempt)
//	})
//	if err := mgr.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//
// Connect is a no-op while an attempt is in flight or the socket is
// already up, so callers may invoke it freely on user actions.
//
// # State Machine
//
// The manager transitions through four states:
//
//	const (
//	    StateDisconnected State = iota // no socket, no attempt running
//	    StateConnecting                // dial in flight
//	    StateConnected                 // socket established and usable
//	    StateError                     // liveness lost, recovery scheduled
//	)
//
// # Reconnection
//
// After a failed attempt or a lost connection the manager schedules the
// next attempt with exponential backoff and jitter, capped at
// MaxBackoff. Retries continue indefinitely; the reported attempt
// number is clamped at MaxReportedAttempt for display. A successful
// connection resets the backoff. An AuthError suspends the loop
// entirely.
//
// # Liveness
//
// While connected the manager pings the peer every PingInterval. A pong
// older than PongTimeout marks the connection dead and feeds the same
// recovery path as a read failure.
package connection

// Package status derives the user-facing connection banner from raw
// connection state and retry bookkeeping. A brief drop never flickers
// the indicator: the problem banner appears only after the state has
// stayed non-connected for a debounce window, while recovery hides it
// immediately. Wording escalates with the attempt count, but display
// never feeds back into the retry policy.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatclient/connection"
	"github.com/opd-ai/chatclient/sched"
)

// Level is the severity of the status banner.
type Level uint8

const (
	// LevelHidden means no banner is shown.
	LevelHidden Level = iota
	// LevelInfo is informational, e.g. an in-progress reconnect.
	LevelInfo
	// LevelWarning signals a degraded connection.
	LevelWarning
	// LevelError signals a problem needing user attention.
	LevelError
)

// String returns a human-readable level name.
func (l Level) String() string {
	switch l {
	case LevelHidden:
		return "hidden"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Banner is the single projected status value the presentation layer
// consumes. Level LevelHidden means nothing is displayed.
type Banner struct {
	Level   Level
	Text    string
	Attempt int
}

// ChangeCallback is invoked whenever the projected banner changes.
type ChangeCallback func(banner Banner)

const (
	// DefaultDebounceWindow is how long the connection must stay down
	// before the problem banner appears.
	DefaultDebounceWindow = 2 * time.Second

	// DefaultEscalateAttempts is the attempt count after which the
	// banner wording acknowledges repeated failures.
	DefaultEscalateAttempts = 3

	// DefaultSevereAttempts is the attempt count after which the
	// banner escalates to error severity.
	DefaultSevereAttempts = 8
)

// Options configures a Projector.
type Options struct {
	DebounceWindow   time.Duration
	EscalateAttempts int
	SevereAttempts   int
}

// NewOptions returns the default projector configuration.
func NewOptions() *Options {
	return &Options{
		DebounceWindow:   DefaultDebounceWindow,
		EscalateAttempts: DefaultEscalateAttempts,
		SevereAttempts:   DefaultSevereAttempts,
	}
}

// Source is the view of the connection manager the projector needs.
type Source interface {
	OnStateChange(cb connection.StateCallback)
}

// Projector translates connection state changes into a stable banner.
type Projector struct {
	scheduler *sched.Scheduler
	opts      *Options

	mu       sync.Mutex
	banner   Banner
	debounce *sched.Handle
	retry    connection.RetryContext

	cbMu sync.RWMutex
	cbs  []ChangeCallback
}

// New creates a projector subscribed to source.
func New(source Source, scheduler *sched.Scheduler, opts *Options) *Projector {
	if opts == nil {
		opts = NewOptions()
	}
	p := &Projector{
		scheduler: scheduler,
		opts:      opts,
	}
	source.OnStateChange(p.observe)
	return p
}

// OnChange registers an observer for banner changes.
func (p *Projector) OnChange(cb ChangeCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.cbs = append(p.cbs, cb)
}

// Banner returns the currently projected banner.
func (p *Projector) Banner() Banner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.banner
}

// observe handles one connection state transition.
func (p *Projector) observe(state connection.State, retry connection.RetryContext) {
	p.mu.Lock()
	p.retry = retry

	if state == connection.StateConnected {
		p.cancelDebounceLocked()
		changed := p.setBannerLocked(Banner{Level: LevelHidden})
		p.mu.Unlock()
		if changed {
			p.notify(Banner{Level: LevelHidden})
		}
		return
	}

	// Credential rejection is not transient; show it without debounce.
	if connection.IsAuthError(retry.LastErr) {
		p.cancelDebounceLocked()
		b := Banner{
			Level:   LevelError,
			Text:    "Your session has expired. Please sign in again.",
			Attempt: retry.Attempt,
		}
		changed := p.setBannerLocked(b)
		p.mu.Unlock()
		if changed {
			p.notify(b)
		}
		return
	}

	// Already visible: refresh wording as attempts accumulate.
	if p.banner.Level != LevelHidden {
		b := p.composeLocked()
		changed := p.setBannerLocked(b)
		p.mu.Unlock()
		if changed {
			p.notify(b)
		}
		return
	}

	// Hidden and the connection just went down: arm the debounce once.
	if p.debounce == nil {
		p.debounce = p.scheduler.After(p.opts.DebounceWindow, p.debounceExpired)
	}
	p.mu.Unlock()
}

// debounceExpired shows the problem banner after the window elapses
// with the connection still down.
func (p *Projector) debounceExpired() {
	p.mu.Lock()
	p.debounce = nil
	b := p.composeLocked()
	changed := p.setBannerLocked(b)
	p.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function": "debounceExpired",
			"level":    b.Level.String(),
			"attempt":  b.Attempt,
		}).Debug("Showing connection banner")
		p.notify(b)
	}
}

// composeLocked picks wording and severity from the attempt count.
// The caller holds p.mu.
func (p *Projector) composeLocked() Banner {
	attempt := p.retry.Attempt
	switch {
	case attempt >= p.opts.SevereAttempts:
		return Banner{
			Level:   LevelError,
			Text:    "Having trouble reaching the server. We'll keep trying.",
			Attempt: attempt,
		}
	case attempt >= p.opts.EscalateAttempts:
		return Banner{
			Level:   LevelWarning,
			Text:    fmt.Sprintf("Still reconnecting (attempt %d)…", attempt),
			Attempt: attempt,
		}
	default:
		return Banner{
			Level:   LevelWarning,
			Text:    "Connection lost. Reconnecting…",
			Attempt: attempt,
		}
	}
}

// setBannerLocked stores the banner and reports whether it changed.
// The caller holds p.mu.
func (p *Projector) setBannerLocked(b Banner) bool {
	if p.banner == b {
		return false
	}
	p.banner = b
	return true
}

// cancelDebounceLocked drops a pending debounce timer, if any. The
// caller holds p.mu.
func (p *Projector) cancelDebounceLocked() {
	if p.debounce != nil {
		p.debounce.Cancel()
		p.debounce = nil
	}
}

func (p *Projector) notify(b Banner) {
	p.cbMu.RLock()
	cbs := make([]ChangeCallback, len(p.cbs))
	copy(cbs, p.cbs)
	p.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(b)
	}
}

// Package media bridges locally previewed media and server-durable
// media references. Outgoing messages carry a temporary local key
// until the out-of-band upload finishes; the resolver then rewrites
// every referencing message to the server-issued key and releases the
// local preview resource exactly once. Abandonment (message deleted
// before the upload completes) releases the same resource through the
// other path, still exactly once.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatclient/pipeline"
)

// Common errors for the media reference resolver.
var (
	// ErrNotLocalKey indicates a key without the temporary prefix.
	ErrNotLocalKey = errors.New("not a local media key")

	// ErrAlreadyAttached indicates a duplicate Attach for a key.
	ErrAlreadyAttached = errors.New("media key already attached")

	// ErrUnknownKey indicates no reference is registered for a key.
	ErrUnknownKey = errors.New("unknown media key")

	// ErrEmptyRemoteKey indicates a resolve without a server key.
	ErrEmptyRemoteKey = errors.New("empty remote media key")
)

// ResourceError describes a media resolution failure. It surfaces on
// the messages referencing the key and never crashes the pipeline.
type ResourceError struct {
	LocalKey string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("media resolution failed for %s: %v", e.LocalKey, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Log is the view of the message pipeline the resolver needs. All log
// mutation happens inside the pipeline; the resolver only directs it.
type Log interface {
	UpdateMediaKey(localKey, remoteKey string) int
	MarkMediaFailed(localKey, reason string) int
	OnRemove(cb pipeline.RemoveCallback)
}

type binding struct {
	handle    *PreviewHandle
	remoteKey string
	settled   bool
}

// Resolver tracks the lifecycle of locally previewed media attached
// to outgoing messages.
type Resolver struct {
	log Log

	mu   sync.Mutex
	refs map[string]*binding
}

// New creates a resolver bound to the message log. Messages leaving
// the log automatically abandon any unresolved local reference they
// carry.
func New(log Log) *Resolver {
	r := &Resolver{
		log:  log,
		refs: make(map[string]*binding),
	}
	log.OnRemove(func(msg pipeline.Message) {
		if IsLocalKey(msg.Content.MediaKey) {
			r.Abandon(msg.Content.MediaKey)
		}
	})
	return r
}

// Attach registers a pending reference. The message referencing the
// media must carry localKey until Resolve rewrites it.
func (r *Resolver) Attach(localKey string, handle *PreviewHandle) error {
	if !IsLocalKey(localKey) {
		return fmt.Errorf("%w: %q", ErrNotLocalKey, localKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.refs[localKey]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyAttached, localKey)
	}
	r.refs[localKey] = &binding{handle: handle}

	logrus.WithFields(logrus.Fields{
		"function":  "Attach",
		"local_key": localKey,
	}).Debug("Media reference attached")
	return nil
}

// Resolve records the server-issued key for a completed upload,
// rewrites every referencing message, and releases the preview
// resource. Calling it again for the same key is a no-op.
func (r *Resolver) Resolve(localKey, remoteKey string) error {
	if remoteKey == "" {
		return ErrEmptyRemoteKey
	}

	r.mu.Lock()
	b, ok := r.refs[localKey]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownKey, localKey)
	}
	if b.settled {
		r.mu.Unlock()
		return nil
	}
	b.settled = true
	b.remoteKey = remoteKey
	handle := b.handle
	r.mu.Unlock()

	updated := r.log.UpdateMediaKey(localKey, remoteKey)
	released := false
	if handle != nil {
		released = handle.Release()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Resolve",
		"local_key":  localKey,
		"remote_key": remoteKey,
		"updated":    updated,
		"released":   released,
	}).Info("Media reference resolved")
	return nil
}

// Abandon releases the preview resource for a reference that will
// never resolve, typically because its message was deleted. Idempotent,
// and a no-op after Resolve.
func (r *Resolver) Abandon(localKey string) {
	r.mu.Lock()
	b, ok := r.refs[localKey]
	if !ok || b.settled {
		r.mu.Unlock()
		return
	}
	b.settled = true
	handle := b.handle
	r.mu.Unlock()

	if handle != nil {
		handle.Release()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Abandon",
		"local_key": localKey,
	}).Debug("Media reference abandoned")
}

// Fail surfaces an upload or resolution failure on the messages that
// reference localKey. The reference stays registered: the caller may
// retry the upload and Resolve later, or Abandon it.
func (r *Resolver) Fail(localKey string, cause error) {
	r.mu.Lock()
	_, ok := r.refs[localKey]
	r.mu.Unlock()
	if !ok {
		return
	}

	rerr := &ResourceError{LocalKey: localKey, Err: cause}
	affected := r.log.MarkMediaFailed(localKey, rerr.Error())

	logrus.WithFields(logrus.Fields{
		"function":  "Fail",
		"local_key": localKey,
		"affected":  affected,
		"error":     cause.Error(),
	}).Warn("Media resolution failed")
}

// RemoteKey returns the server key a local reference resolved to.
func (r *Resolver) RemoteKey(localKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.refs[localKey]
	if !ok || b.remoteKey == "" {
		return "", false
	}
	return b.remoteKey, true
}

// Pending returns the number of references not yet resolved or
// abandoned.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.refs {
		if !b.settled {
			n++
		}
	}
	return n
}

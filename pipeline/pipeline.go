package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatclient/connection"
	"github.com/opd-ai/chatclient/protocol"
	"github.com/opd-ai/chatclient/sched"
)

// Link is the view of the connection manager the pipeline needs.
// *connection.Manager satisfies it; tests substitute fakes.
type Link interface {
	Send(frame []byte) error
	State() connection.State
	OnMessage(cb connection.MessageCallback)
	OnStateChange(cb connection.StateCallback)
}

// UpdateCallback is invoked whenever a message is created or mutated.
// RemoveCallback is invoked when a message leaves the log.
type (
	UpdateCallback func(msg Message)
	RemoveCallback func(msg Message)
)

// DefaultAckTimeout bounds the wait for a delivery acknowledgement.
// Expiry is treated as a delivery failure, not a connectivity failure.
const DefaultAckTimeout = 10 * time.Second

// Options configures a Pipeline.
type Options struct {
	AckTimeout time.Duration
}

// NewOptions returns the default pipeline configuration.
func NewOptions() *Options {
	return &Options{AckTimeout: DefaultAckTimeout}
}

type entry struct {
	msg      *Message
	ackTimer *sched.Handle
}

type conversation struct {
	order []*entry
}

// Pipeline owns the in-memory message logs. It is the single writer;
// callers only ever receive snapshots.
type Pipeline struct {
	link      Link
	scheduler *sched.Scheduler
	opts      *Options

	mu            sync.Mutex
	convs         map[string]*conversation
	byLocal       map[string]*entry
	localToServer map[string]string
	serverToLocal map[string]string
	deleted       map[string]struct{}
	seq           uint64
	closed        bool

	cbMu      sync.RWMutex
	updateCbs []UpdateCallback
	removeCbs []RemoveCallback
}

// New creates a pipeline bound to link. It registers itself as an
// observer for inbound frames and connection state changes.
func New(link Link, scheduler *sched.Scheduler, opts *Options) *Pipeline {
	if opts == nil {
		opts = NewOptions()
	}
	p := &Pipeline{
		link:          link,
		scheduler:     scheduler,
		opts:          opts,
		convs:         make(map[string]*conversation),
		byLocal:       make(map[string]*entry),
		localToServer: make(map[string]string),
		serverToLocal: make(map[string]string),
		deleted:       make(map[string]struct{}),
	}
	link.OnMessage(p.handleFrame)
	link.OnStateChange(p.handleStateChange)
	return p
}

// OnUpdate registers an observer for created and mutated messages.
func (p *Pipeline) OnUpdate(cb UpdateCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.updateCbs = append(p.updateCbs, cb)
}

// OnRemove registers an observer for messages leaving the log.
func (p *Pipeline) OnRemove(cb RemoveCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.removeCbs = append(p.removeCbs, cb)
}

// Submit creates an optimistic log entry and returns its snapshot
// immediately; delivery proceeds in the background. The returned
// message carries the permanent local ID.
func (p *Pipeline) Submit(conversationID string, content protocol.Content) (Message, error) {
	if err := validateContent(content); err != nil {
		return Message{}, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Message{}, ErrClosed
	}
	p.seq++
	msg := &Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		Seq:            p.seq,
		Content:        content,
		CreatedAt:      time.Now(),
		Status:         StatusPending,
	}
	e := &entry{msg: msg}
	conv := p.conversationLocked(conversationID)
	conv.order = append(conv.order, e)
	p.byLocal[msg.LocalID] = e
	snap := *msg
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Submit",
		"conversation_id": conversationID,
		"local_id":        snap.LocalID,
		"kind":            content.Kind,
	}).Info("Message submitted")

	p.notifyUpdate(snap)
	p.deliver(snap.LocalID)
	return snap, nil
}

// Retry re-attempts delivery of a failed message, reusing its local
// ID so the entry keeps a stable identity across retries.
func (p *Pipeline) Retry(localID string) error {
	p.mu.Lock()
	e, ok := p.byLocal[localID]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	if e.msg.Status != StatusFailed {
		p.mu.Unlock()
		return ErrNotFailed
	}
	e.msg.Status = StatusPending
	e.msg.Error = ""
	e.msg.CanRetry = false
	e.msg.CanDelete = false
	snap := *e.msg
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Retry",
		"local_id": localID,
	}).Info("Retrying failed message")

	p.notifyUpdate(snap)
	p.deliver(localID)
	return nil
}

// Delete removes a message from the log. Only messages whose
// CanDelete flag is set may be removed; the network layer never
// removes entries on its own.
func (p *Pipeline) Delete(localID string) error {
	p.mu.Lock()
	e, ok := p.byLocal[localID]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	if !e.msg.CanDelete {
		p.mu.Unlock()
		return ErrNotDeletable
	}
	p.removeLocked(e)
	snap := *e.msg
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Delete",
		"local_id": localID,
	}).Info("Message deleted")

	p.notifyRemove(snap)
	return nil
}

// Teardown drops an entire conversation log, canceling every
// acknowledgement timer it owns so no stale callback mutates the
// disposed entries.
func (p *Pipeline) Teardown(conversationID string) {
	p.mu.Lock()
	conv, ok := p.convs[conversationID]
	if !ok {
		p.mu.Unlock()
		return
	}
	removed := make([]Message, 0, len(conv.order))
	for _, e := range conv.order {
		p.removeLocked(e)
		removed = append(removed, *e.msg)
	}
	delete(p.convs, conversationID)
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Teardown",
		"conversation_id": conversationID,
		"messages":        len(removed),
	}).Info("Conversation torn down")

	for _, snap := range removed {
		p.notifyRemove(snap)
	}
}

// Messages returns a snapshot of a conversation log in insertion order.
func (p *Pipeline) Messages(conversationID string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	conv, ok := p.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(conv.order))
	for _, e := range conv.order {
		out = append(out, *e.msg)
	}
	return out
}

// Message returns a snapshot of a single entry by local ID.
func (p *Pipeline) Message(localID string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byLocal[localID]
	if !ok {
		return Message{}, false
	}
	return *e.msg, true
}

// ServerID returns the server identity reconciled for a local ID. The
// mapping is retained for the session even after the message itself
// is deleted.
func (p *Pipeline) ServerID(localID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.localToServer[localID]
	return id, ok
}

// UpdateMediaKey rewrites the media reference on every message that
// carries localKey, returning how many entries changed. It is the
// single log mutation the media resolver performs, and it runs inside
// the pipeline so the single-writer rule holds.
func (p *Pipeline) UpdateMediaKey(localKey, remoteKey string) int {
	p.mu.Lock()
	updated := make([]Message, 0, 1)
	for _, e := range p.byLocal {
		if e.msg.Content.MediaKey == localKey {
			e.msg.Content.MediaKey = remoteKey
			updated = append(updated, *e.msg)
		}
	}
	p.mu.Unlock()

	for _, snap := range updated {
		p.notifyUpdate(snap)
	}
	return len(updated)
}

// MarkMediaFailed surfaces a media resolution failure on the messages
// that reference localKey. Only those messages are affected; the rest
// of the log keeps flowing.
func (p *Pipeline) MarkMediaFailed(localKey, reason string) int {
	p.mu.Lock()
	updated := make([]Message, 0, 1)
	for _, e := range p.byLocal {
		if e.msg.Content.MediaKey != localKey {
			continue
		}
		if e.msg.Status == StatusPending {
			if e.ackTimer != nil {
				e.ackTimer.Cancel()
				e.ackTimer = nil
			}
			e.msg.Status = StatusFailed
		}
		e.msg.Error = reason
		e.msg.CanRetry = true
		e.msg.CanDelete = true
		updated = append(updated, *e.msg)
	}
	p.mu.Unlock()

	for _, snap := range updated {
		p.notifyUpdate(snap)
	}
	return len(updated)
}

// Close stops the pipeline: all acknowledgement timers are cancelled
// and further submissions are rejected. The logs remain readable.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, e := range p.byLocal {
		if e.ackTimer != nil {
			e.ackTimer.Cancel()
			e.ackTimer = nil
		}
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Pipeline closed")
}

// conversationLocked returns the log for conversationID, creating it
// if needed. The caller holds p.mu.
func (p *Pipeline) conversationLocked(conversationID string) *conversation {
	conv, ok := p.convs[conversationID]
	if !ok {
		conv = &conversation{}
		p.convs[conversationID] = conv
	}
	return conv
}

// removeLocked unlinks an entry from its conversation and the lookup
// maps and cancels its timer. The reconciliation maps and a tombstone
// are retained so a late server echo cannot resurrect the entry. The
// caller holds p.mu.
func (p *Pipeline) removeLocked(e *entry) {
	if e.ackTimer != nil {
		e.ackTimer.Cancel()
		e.ackTimer = nil
	}
	delete(p.byLocal, e.msg.LocalID)
	p.deleted[e.msg.LocalID] = struct{}{}
	if conv, ok := p.convs[e.msg.ConversationID]; ok {
		kept := conv.order[:0]
		for _, other := range conv.order {
			if other != e {
				kept = append(kept, other)
			}
		}
		conv.order = kept
	}
}

// deliver attempts to send a pending message. If the connection is
// down or the write fails, the message simply stays pending; the
// reconnect flush will pick it up.
func (p *Pipeline) deliver(localID string) {
	p.mu.Lock()
	e, ok := p.byLocal[localID]
	if !ok || e.msg.Status != StatusPending {
		p.mu.Unlock()
		return
	}
	if p.link.State() != connection.StateConnected {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"local_id": localID,
		}).Debug("Not connected, message stays pending")
		return
	}
	frame := protocol.NewMessageFrame(e.msg.ConversationID, e.msg.LocalID, e.msg.Content)
	p.mu.Unlock()

	data, err := frame.Encode()
	if err != nil {
		p.markFailed(localID, err.Error())
		return
	}

	if err := p.link.Send(data); err != nil {
		// Connectivity failure: absorbed, never a message failure.
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"local_id": localID,
			"error":    err.Error(),
		}).Debug("Send failed, message stays pending")
		return
	}

	p.mu.Lock()
	if e, ok := p.byLocal[localID]; ok && e.msg.Status == StatusPending {
		if e.ackTimer != nil {
			e.ackTimer.Cancel()
		}
		e.ackTimer = p.scheduler.After(p.opts.AckTimeout, func() { p.ackExpired(localID) })
	}
	p.mu.Unlock()
}

// ackExpired fires when the bounded acknowledgement wait runs out.
// The message surfaces as failed, like an explicit rejection, but the
// log line distinguishes the cause.
func (p *Pipeline) ackExpired(localID string) {
	p.mu.Lock()
	e, ok := p.byLocal[localID]
	if !ok || e.msg.Status != StatusPending {
		p.mu.Unlock()
		return
	}
	e.ackTimer = nil
	e.msg.Status = StatusFailed
	e.msg.Error = ErrAckTimeout.Error()
	e.msg.CanRetry = true
	e.msg.CanDelete = true
	snap := *e.msg
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ackExpired",
		"local_id": localID,
		"timeout":  p.opts.AckTimeout,
	}).Warn("Acknowledgement wait expired")

	p.notifyUpdate(snap)
}

// handleFrame routes one inbound frame.
func (p *Pipeline) handleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"error":    err.Error(),
		}).Warn("Dropping undecodable frame")
		return
	}

	switch frame.Type {
	case protocol.TypeAck:
		p.reconcile(frame.LocalID, frame.ServerID)
	case protocol.TypeError:
		if frame.LocalID == "" {
			logrus.WithFields(logrus.Fields{
				"function": "handleFrame",
				"reason":   frame.Reason,
			}).Warn("Server error without message reference")
			return
		}
		p.markFailed(frame.LocalID, frame.Reason)
	case protocol.TypeMessage:
		p.handleIncoming(frame)
	}
}

// reconcile merges a server acknowledgement into the optimistic entry.
// Calling it twice with the same arguments is a no-op.
func (p *Pipeline) reconcile(localID, serverID string) {
	if serverID == "" {
		logrus.WithFields(logrus.Fields{
			"function": "reconcile",
			"local_id": localID,
		}).Warn("Acknowledgement without server ID ignored")
		return
	}

	p.mu.Lock()
	e, ok := p.byLocal[localID]
	if !ok || e.msg.Status == StatusSent {
		// Unknown (possibly deleted) or already reconciled. The mapping
		// is still recorded so later echoes carrying only the server ID
		// are recognized as duplicates.
		p.localToServer[localID] = serverID
		p.serverToLocal[serverID] = localID
		p.mu.Unlock()
		return
	}
	if e.ackTimer != nil {
		e.ackTimer.Cancel()
		e.ackTimer = nil
	}
	e.msg.ServerID = serverID
	e.msg.Status = StatusSent
	e.msg.Error = ""
	e.msg.CanRetry = false
	e.msg.CanDelete = true
	p.localToServer[localID] = serverID
	p.serverToLocal[serverID] = localID
	snap := *e.msg
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "reconcile",
		"local_id":  localID,
		"server_id": serverID,
	}).Info("Message acknowledged")

	p.notifyUpdate(snap)
}

// markFailed records an explicit per-message rejection.
func (p *Pipeline) markFailed(localID, reason string) {
	p.mu.Lock()
	e, ok := p.byLocal[localID]
	if !ok {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "markFailed",
			"local_id": localID,
			"reason":   reason,
		}).Debug("Rejection for unknown message ignored")
		return
	}
	if e.ackTimer != nil {
		e.ackTimer.Cancel()
		e.ackTimer = nil
	}
	e.msg.Status = StatusFailed
	e.msg.Error = reason
	e.msg.CanRetry = true
	e.msg.CanDelete = true
	snap := *e.msg
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "markFailed",
		"local_id": localID,
		"reason":   reason,
	}).Info("Message delivery rejected")

	p.notifyUpdate(snap)
}

// handleIncoming inserts a server-pushed message, or reconciles it
// into the existing entry when it echoes one of our own submissions.
func (p *Pipeline) handleIncoming(frame *protocol.Frame) {
	if frame.LocalID != "" {
		p.mu.Lock()
		_, tombstoned := p.deleted[frame.LocalID]
		_, known := p.byLocal[frame.LocalID]
		p.mu.Unlock()
		if tombstoned {
			return
		}
		if known {
			p.reconcile(frame.LocalID, frame.ServerID)
			return
		}
	}

	p.mu.Lock()
	if frame.ServerID != "" {
		if _, seen := p.serverToLocal[frame.ServerID]; seen {
			p.mu.Unlock()
			return
		}
	}
	p.seq++
	msg := &Message{
		LocalID:        uuid.NewString(),
		ServerID:       frame.ServerID,
		ConversationID: frame.ConversationID,
		Seq:            p.seq,
		CreatedAt:      frame.Timestamp,
		Status:         StatusSent,
	}
	if frame.Content != nil {
		msg.Content = *frame.Content
	}
	if frame.Sender != nil {
		msg.Sender = *frame.Sender
	}
	e := &entry{msg: msg}
	conv := p.conversationLocked(frame.ConversationID)
	conv.order = append(conv.order, e)
	p.byLocal[msg.LocalID] = e
	if frame.ServerID != "" {
		p.serverToLocal[frame.ServerID] = msg.LocalID
		p.localToServer[msg.LocalID] = frame.ServerID
	}
	snap := *msg
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "handleIncoming",
		"conversation_id": frame.ConversationID,
		"server_id":       frame.ServerID,
	}).Debug("Incoming message inserted")

	p.notifyUpdate(snap)
}

// handleStateChange flushes pending messages, in original submission
// order, whenever the connection comes back.
func (p *Pipeline) handleStateChange(state connection.State, _ connection.RetryContext) {
	if state != connection.StateConnected {
		return
	}

	p.mu.Lock()
	pending := make([]*Message, 0)
	for _, e := range p.byLocal {
		if e.msg.Status == StatusPending {
			pending = append(pending, e.msg)
		}
	}
	p.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "handleStateChange",
			"pending":  len(pending),
		}).Info("Connection restored, flushing pending messages")
	}

	for _, msg := range pending {
		p.deliver(msg.LocalID)
	}
}

func (p *Pipeline) notifyUpdate(msg Message) {
	p.cbMu.RLock()
	cbs := make([]UpdateCallback, len(p.updateCbs))
	copy(cbs, p.updateCbs)
	p.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(msg)
	}
}

func (p *Pipeline) notifyRemove(msg Message) {
	p.cbMu.RLock()
	cbs := make([]RemoveCallback, len(p.removeCbs))
	copy(cbs, p.removeCbs)
	p.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(msg)
	}
}

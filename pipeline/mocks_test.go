package pipeline

import (
	"sync"

	"github.com/opd-ai/chatclient/connection"
	"github.com/opd-ai/chatclient/protocol"
)

// fakeLink is an in-memory Link. State changes and inbound frames are
// dispatched synchronously, which keeps the tests deterministic.
type fakeLink struct {
	mu       sync.Mutex
	state    connection.State
	frames   [][]byte
	sendErr  error
	msgCbs   []connection.MessageCallback
	stateCbs []connection.StateCallback
}

func newFakeLink(state connection.State) *fakeLink {
	return &fakeLink{state: state}
}

func (l *fakeLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.frames = append(l.frames, frame)
	return nil
}

func (l *fakeLink) State() connection.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) OnMessage(cb connection.MessageCallback) {
	l.msgCbs = append(l.msgCbs, cb)
}

func (l *fakeLink) OnStateChange(cb connection.StateCallback) {
	l.stateCbs = append(l.stateCbs, cb)
}

// setState changes the link state and notifies observers.
func (l *fakeLink) setState(state connection.State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
	for _, cb := range l.stateCbs {
		cb(state, connection.RetryContext{})
	}
}

// receive dispatches an inbound frame to observers.
func (l *fakeLink) receive(data []byte) {
	for _, cb := range l.msgCbs {
		cb(data)
	}
}

// receiveFrame encodes and dispatches a frame.
func (l *fakeLink) receiveFrame(f *protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		panic(err)
	}
	l.receive(data)
}

// sent returns the outbound frames, decoded.
func (l *fakeLink) sent() []*protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*protocol.Frame, 0, len(l.frames))
	for _, data := range l.frames {
		f, err := protocol.Decode(data)
		if err != nil {
			panic(err)
		}
		out = append(out, f)
	}
	return out
}

// recorder collects pipeline events.
type recorder struct {
	mu      sync.Mutex
	updates []Message
	removes []Message
}

func (r *recorder) attach(p *Pipeline) {
	p.OnUpdate(func(msg Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.updates = append(r.updates, msg)
	})
	p.OnRemove(func(msg Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removes = append(r.removes, msg)
	})
}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) removeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removes)
}

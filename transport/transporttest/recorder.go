// Package transporttest provides an in-memory transport.Connection for tests.
package transporttest

import (
	"sync"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// Recorder is a transport.Connection that records every message sent on it.
type Recorder struct {
	addr string

	mu      sync.Mutex
	sent    []message.Message
	closed  bool
	sendErr error
	onSend  func(message.Message)
}

func NewRecorder(addr string) *Recorder {
	return &Recorder{addr: addr}
}

func (r *Recorder) Send(msg message.Message) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrDisconnected
	}
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return err
	}
	r.sent = append(r.sent, msg)
	hook := r.onSend
	r.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (r *Recorder) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Recorder) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *Recorder) RemoteAddr() string {
	return r.addr
}

// FailWith makes every following Send return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.sendErr = err
	r.mu.Unlock()
}

// OnSend installs fn to run after each recorded Send, outside the lock.
func (r *Recorder) OnSend(fn func(message.Message)) {
	r.mu.Lock()
	r.onSend = fn
	r.mu.Unlock()
}

func (r *Recorder) Sent() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.sent...)
}

// Last returns the most recent message, nil when nothing was sent.
func (r *Recorder) Last() message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

var _ transport.Connection = (*Recorder)(nil)

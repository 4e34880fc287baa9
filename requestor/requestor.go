// Package requestor correlates outgoing requests with the responses that
// answer them.
//
// Every request is tracked by its id until the first response carrying the
// same id arrives. The response then resolves a Future (sync and async
// sends) or runs the request's callback, exactly once:
//
//	Send ──→ pending[id] ──→ conn.Send(req)
//	OnResponse(resp) ──→ take pending[resp.id] ──→ Future.Complete / callback
package requestor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

var (
	ErrDuplicateID = errors.New("requestor: duplicate outstanding request id")
	ErrTimeout     = errors.New("requestor: request timed out")
)

// Callback receives the response of a callback-mode request. It runs on the
// goroutine delivering the response.
type Callback func(resp message.Message)

type mode int

const (
	modeSync mode = iota
	modeAsync
	modeCallback
)

type descriptor struct {
	id       string
	conn     transport.Connection
	mode     mode
	future   *Future[message.Message]
	callback Callback
	timer    *time.Timer
}

type Requestor struct {
	mu      sync.Mutex
	pending map[string]*descriptor
	log     *zap.Logger
	timeout time.Duration
}

type Option func(*Requestor)

func WithLogger(l *zap.Logger) Option {
	return func(r *Requestor) { r.log = l }
}

// WithTimeout fails a request that got no response within d. Zero, the
// default, waits forever.
func WithTimeout(d time.Duration) Option {
	return func(r *Requestor) { r.timeout = d }
}

// New creates a requestor with no pending requests.
func New(opts ...Option) *Requestor {
	r := &Requestor{
		pending: make(map[string]*descriptor),
		log:     zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send sends req and blocks until its response arrives, ctx ends or the
// configured timeout expires.
func (r *Requestor) Send(ctx context.Context, conn transport.Connection, req message.Message) (message.Message, error) {
	d, err := r.send(conn, req, modeSync, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.future.Get(ctx)
	if err != nil && ctx.Err() != nil {
		r.drop(d)
	}
	return resp, err
}

// SendAsync sends req and returns a Future of its response.
func (r *Requestor) SendAsync(conn transport.Connection, req message.Message) (*Future[message.Message], error) {
	d, err := r.send(conn, req, modeAsync, nil)
	if err != nil {
		return nil, err
	}
	return d.future, nil
}

// SendCallback sends req and returns immediately; cb runs when the response
// arrives.
func (r *Requestor) SendCallback(conn transport.Connection, req message.Message, cb Callback) error {
	_, err := r.send(conn, req, modeCallback, cb)
	return err
}

// OnResponse resolves the request matching resp. Responses with no
// outstanding request are logged and dropped.
func (r *Requestor) OnResponse(conn transport.Connection, resp message.Message) {
	d := r.take(resp.ID(), nil)
	if d == nil {
		r.log.Warn("response for unknown request",
			zap.String("id", resp.ID()), zap.Stringer("type", resp.Type()))
		return
	}
	r.resolve(d, resp, nil)
}

// FailConnection fails every request still waiting on conn with
// transport.ErrDisconnected. Callback-mode requests are dropped.
func (r *Requestor) FailConnection(conn transport.Connection) {
	r.mu.Lock()
	var failed []*descriptor
	for id, d := range r.pending {
		if d.conn == conn {
			delete(r.pending, id)
			failed = append(failed, d)
		}
	}
	r.mu.Unlock()

	for _, d := range failed {
		r.resolve(d, nil, transport.ErrDisconnected)
	}
}

// Pending reports the number of outstanding requests.
func (r *Requestor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Requestor) send(conn transport.Connection, req message.Message, m mode, cb Callback) (*descriptor, error) {
	d := &descriptor{
		id:       req.ID(),
		conn:     conn,
		mode:     m,
		callback: cb,
	}
	if m != modeCallback {
		d.future = NewFuture[message.Message]()
	}

	r.mu.Lock()
	if _, ok := r.pending[d.id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, d.id)
	}
	r.pending[d.id] = d
	if r.timeout > 0 {
		d.timer = time.AfterFunc(r.timeout, func() { r.expire(d) })
	}
	r.mu.Unlock()

	if err := conn.Send(req); err != nil {
		r.drop(d)
		return nil, err
	}
	return d, nil
}

// take removes the descriptor for id. When want is set, only that exact
// descriptor is removed.
func (r *Requestor) take(id string, want *descriptor) *descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.pending[id]
	if !ok || (want != nil && d != want) {
		return nil
	}
	delete(r.pending, id)
	if d.timer != nil {
		d.timer.Stop()
	}
	return d
}

func (r *Requestor) drop(d *descriptor) {
	r.take(d.id, d)
}

func (r *Requestor) expire(d *descriptor) {
	if r.take(d.id, d) == nil {
		return
	}
	r.log.Warn("request timed out", zap.String("id", d.id), zap.Duration("timeout", r.timeout))
	r.resolve(d, nil, ErrTimeout)
}

// resolve runs outside the lock.
func (r *Requestor) resolve(d *descriptor, resp message.Message, err error) {
	switch d.mode {
	case modeCallback:
		if err != nil {
			r.log.Warn("callback request failed", zap.String("id", d.id), zap.Error(err))
			return
		}
		if d.callback != nil {
			d.callback(resp)
		}
	default:
		d.future.Complete(resp, err)
	}
}

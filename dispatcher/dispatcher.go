// Package dispatcher routes decoded messages to the handler registered for
// their type.
package dispatcher

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// handler reports false when msg is not the variant it was registered for.
type handler func(conn transport.Connection, msg message.Message) bool

type Dispatcher struct {
	mu       sync.Mutex
	handlers map[message.MsgType]handler
	log      *zap.Logger
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New creates a dispatcher with no handlers.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[message.MsgType]handler),
		log:      zap.L(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds fn to messages tagged tag. fn receives the message as T;
// a later registration for the same tag replaces the earlier one.
func Register[T message.Message](d *Dispatcher, tag message.MsgType, fn func(conn transport.Connection, msg T)) {
	h := func(conn transport.Connection, msg message.Message) bool {
		typed, ok := msg.(T)
		if !ok {
			return false
		}
		fn(conn, typed)
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = h
}

// OnMessage is a transport.MessageHandler. Messages with no handler, or whose
// variant does not match the registered one, close the connection.
func (d *Dispatcher) OnMessage(conn transport.Connection, msg message.Message) {
	d.mu.Lock()
	h, ok := d.handlers[msg.Type()]
	d.mu.Unlock()

	if !ok {
		d.log.Error("no handler for message type, closing connection",
			zap.Stringer("type", msg.Type()), zap.String("remote", conn.RemoteAddr()))
		conn.Shutdown()
		return
	}
	if !h(conn, msg) {
		d.log.Error("message variant does not match its type, closing connection",
			zap.Stringer("type", msg.Type()), zap.String("remote", conn.RemoteAddr()))
		conn.Shutdown()
	}
}

// Package transport carries framed messages over TCP.
//
// Each connection has a single read goroutine. It appends the bytes it reads
// to a buffer and drains every complete frame before reading again, so
// messages of one connection are delivered serially and in order while
// distinct connections run concurrently:
//
//	net.Conn.Read ──→ buffer ──→ CanProcessed? ──yes──→ Decode ──→ MessageHandler
//	                                  │
//	                                  no ──→ buffer > max? ──→ Shutdown
//
// Writes are serialised by a per-connection mutex so frames never interleave.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/protocol"
)

var ErrDisconnected = errors.New("transport: connection disconnected")

// Connection is one established peer.
type Connection interface {
	Send(msg message.Message) error
	Shutdown()
	IsConnected() bool
	RemoteAddr() string
}

type MessageHandler func(conn Connection, msg message.Message)

type ConnectionHandler func(conn Connection)

type options struct {
	onMessage MessageHandler
	onConnect ConnectionHandler
	onClose   ConnectionHandler
	logger    *zap.Logger
	maxBuffer int
	proto     protocol.Protocol
}

type Option func(*options)

func WithMessageHandler(h MessageHandler) Option {
	return func(o *options) { o.onMessage = h }
}

// WithConnectionHandler runs h once a connection is established, before any
// message of it is delivered.
func WithConnectionHandler(h ConnectionHandler) Option {
	return func(o *options) { o.onConnect = h }
}

// WithCloseHandler runs h once after a connection is closed, whichever side
// closed it.
func WithCloseHandler(h ConnectionHandler) Option {
	return func(o *options) { o.onClose = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxBuffer overrides protocol.MaxBufferSize.
func WithMaxBuffer(n int) Option {
	return func(o *options) { o.maxBuffer = n }
}

func WithProtocol(p protocol.Protocol) Option {
	return func(o *options) { o.proto = p }
}

// withCloseHook chains hook in front of the close handler set so far.
func withCloseHook(hook ConnectionHandler) Option {
	return func(o *options) {
		prev := o.onClose
		o.onClose = func(c Connection) {
			hook(c)
			if prev != nil {
				prev(c)
			}
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		maxBuffer: protocol.MaxBufferSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.proto == nil {
		o.proto = protocol.NewLVProtocol()
	}
	return o
}

type conn struct {
	raw       net.Conn
	opts      *options
	log       *zap.Logger
	writeMu   sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(raw net.Conn, opts *options) *conn {
	c := &conn{
		raw:  raw,
		opts: opts,
		log:  opts.logger.With(zap.String("remote", raw.RemoteAddr().String())),
		done: make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

func (c *conn) Send(msg message.Message) error {
	if !c.connected.Load() {
		return ErrDisconnected
	}
	data, err := c.opts.proto.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.raw.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *conn) Shutdown() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.raw.Close()
	})
}

func (c *conn) IsConnected() bool {
	return c.connected.Load()
}

func (c *conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// serve runs the read loop until the connection breaks or is shut down.
func (c *conn) serve() {
	defer func() {
		c.Shutdown()
		if c.opts.onClose != nil {
			c.opts.onClose(c)
		}
		close(c.done)
	}()

	if c.opts.onConnect != nil {
		c.opts.onConnect(c)
	}

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := c.raw.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if !c.drain(&buf) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && c.connected.Load() {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
	}
}

// drain delivers every complete frame in buf. It reports false when the
// connection has to be closed.
func (c *conn) drain(buf *bytes.Buffer) bool {
	for {
		if !c.opts.proto.CanProcessed(buf) {
			if buf.Len() > c.opts.maxBuffer {
				c.log.Warn("buffered data exceeds limit without a complete frame",
					zap.Int("buffered", buf.Len()), zap.Int("limit", c.opts.maxBuffer))
				return false
			}
			return true
		}
		msg, err := c.opts.proto.Decode(buf)
		if err != nil {
			c.log.Warn("decode frame failed", zap.Error(err))
			return false
		}
		if c.opts.onMessage != nil {
			c.opts.onMessage(c, msg)
		}
		if !c.connected.Load() {
			return false
		}
	}
}

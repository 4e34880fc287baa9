package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// Pool keeps one shared client connection per host. Connections are created
// lazily on first Get and dropped when they close or are evicted.
type Pool struct {
	mu      sync.Mutex
	network string
	clients map[string]*Client
	opts    []Option
	closed  bool
}

// NewPool creates an empty pool dialing network with opts.
func NewPool(network string, opts ...Option) *Pool {
	return &Pool{
		network: network,
		clients: make(map[string]*Client),
		opts:    opts,
	}
}

// Get returns the live connection to addr, dialing one if needed.
func (p *Pool) Get(ctx context.Context, addr string) (Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[addr]; ok && c.conn.IsConnected() {
		p.mu.Unlock()
		return c.conn, nil
	}
	p.mu.Unlock()

	// Dial outside the lock so one slow host does not stall the others.
	opts := append(append([]Option{}, p.opts...), withCloseHook(func(conn Connection) {
		p.forget(addr, conn)
	}))
	c, err := Dial(ctx, p.network, addr, opts...)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Shutdown()
		return nil, ErrPoolClosed
	}
	if prev, ok := p.clients[addr]; ok && prev.conn.IsConnected() {
		// lost the race against a concurrent Get
		c.Shutdown()
		return prev.conn, nil
	}
	p.clients[addr] = c
	return c.conn, nil
}

// Evict drops and closes the connection to addr, if any.
func (p *Pool) Evict(addr string) {
	p.mu.Lock()
	c, ok := p.clients[addr]
	delete(p.clients, addr)
	p.mu.Unlock()
	if ok {
		c.Shutdown()
	}
}

// Len reports the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close shuts every pooled connection down.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	for _, c := range clients {
		c.Shutdown()
	}
	return nil
}

func (p *Pool) forget(addr string, conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[addr]; ok && Connection(c.conn) == conn {
		delete(p.clients, addr)
	}
}

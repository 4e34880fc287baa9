package transport

import (
	"context"
	"net"
)

// Client is the dialing side of one connection.
//
// Requests and responses share the connection; correlation by id is the job of
// the requestor, so any number of goroutines may Send concurrently.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ peer
//	goroutine-3 ──Send(id=c)──┘
//
//	read loop: ←── response(id=b) → MessageHandler → requestor wakes goroutine-2
type Client struct {
	conn *conn
}

// Dial connects to address and starts the read loop.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Client, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c := newConn(raw, newOptions(opts))
	go c.serve()
	return &Client{conn: c}, nil
}

func (c *Client) Connection() Connection {
	return c.conn
}

func (c *Client) Shutdown() {
	c.conn.Shutdown()
}

// Done is closed once the read loop exited and the close handler ran.
func (c *Client) Done() <-chan struct{} {
	return c.conn.done
}

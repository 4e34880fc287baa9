package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/codec"
	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/requestor"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// Caller issues RPCs over a connection in one of three styles: blocking,
// future-based, or with a callback.
type Caller struct {
	requestor *requestor.Requestor
	log       *zap.Logger
}

// NewCaller sends calls through r.
func NewCaller(r *requestor.Requestor, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.L()
	}
	return &Caller{requestor: r, log: logger}
}

// Call invokes method and waits for its result. A response with a non-OK
// rcode is returned as *message.RcodeError.
func (c *Caller) Call(ctx context.Context, conn transport.Connection, method string, params codec.Document) (any, error) {
	resp, err := c.requestor.Send(ctx, conn, newRpcRequest(method, params))
	if err != nil {
		c.log.Error("rpc call failed", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	return c.unwrap(method, resp)
}

// CallAsync invokes method and returns a future of its result. The future is
// completed with an error if the call fails after it was sent.
func (c *Caller) CallAsync(conn transport.Connection, method string, params codec.Document) (*requestor.Future[any], error) {
	f, err := c.requestor.SendAsync(conn, newRpcRequest(method, params))
	if err != nil {
		return nil, err
	}
	return requestor.Then(f, func(resp message.Message) (any, error) {
		return c.unwrap(method, resp)
	}), nil
}

// CallWithCallback invokes method and runs cb with its result. cb runs only
// on success; failures are logged.
func (c *Caller) CallWithCallback(conn transport.Connection, method string, params codec.Document, cb func(result any)) error {
	return c.requestor.SendCallback(conn, newRpcRequest(method, params), func(resp message.Message) {
		result, err := c.unwrap(method, resp)
		if err != nil {
			return
		}
		cb(result)
	})
}

func (c *Caller) unwrap(method string, msg message.Message) (any, error) {
	resp, ok := msg.(*message.RpcResponse)
	if !ok {
		c.log.Error("rpc answered with wrong message type",
			zap.String("method", method), zap.Stringer("type", msg.Type()))
		return nil, fmt.Errorf("client: rpc %s answered with %s", method, msg.Type())
	}
	if err := resp.Check(); err != nil {
		c.log.Error("invalid rpc response", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	if err := resp.Err(); err != nil {
		c.log.Error("rpc failed", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	return resp.Result(), nil
}

func newRpcRequest(method string, params codec.Document) *message.RpcRequest {
	req := message.NewRpcRequest()
	req.SetID(message.NewID())
	req.SetMethod(method)
	req.SetParams(params)
	return req
}

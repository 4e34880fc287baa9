// Package middleware wraps RPC invocation in an onion of cross-cutting steps.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"github.com/Raykevin-live/RpcJsonix/message"
)

// HandlerFunc answers one RPC request. It always returns a response.
type HandlerFunc func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Failure builds the error response for req with a null result.
func Failure(req *message.RpcRequest, code message.RCode) *message.RpcResponse {
	resp := message.NewRpcResponse()
	resp.SetID(req.ID())
	resp.SetRcode(code)
	resp.SetResult(nil)
	return resp
}

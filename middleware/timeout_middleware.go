package middleware

import (
	"context"
	"time"

	"github.com/Raykevin-live/RpcJsonix/message"
)

// Timeout answers InternalError when next does not finish within timeout.
// The handler keeps running in the background with a cancelled ctx.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RpcResponse, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return Failure(req, message.RcodeInternalError)
			}
		}
	}
}

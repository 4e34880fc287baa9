package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Raykevin-live/RpcJsonix/message"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件，被拒绝的请求不会调用 handler
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			if !limiter.Allow() {
				return Failure(req, message.RcodeInternalError)
			}
			return next(ctx, req)
		}
	}
}

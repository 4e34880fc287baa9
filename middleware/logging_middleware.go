package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/message"
)

func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method()),
				zap.String("id", req.ID()),
				zap.Duration("duration", time.Since(start)),
			}
			if code := resp.Rcode(); code != message.RcodeOK {
				logger.Warn("rpc failed", append(fields, zap.String("reason", code.Reason()))...)
			} else {
				logger.Debug("rpc served", fields...)
			}
			return resp
		}
	}
}

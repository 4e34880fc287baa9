package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Raykevin-live/RpcJsonix/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
	resp := message.NewRpcResponse()
	resp.SetID(req.ID())
	resp.SetRcode(message.RcodeOK)
	resp.SetResult("ok")
	return resp
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func newRequest() *message.RpcRequest {
	req := message.NewRpcRequest()
	req.SetID(message.NewID())
	req.SetMethod("Add")
	req.SetParams(nil)
	return req
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	resp := handler(context.Background(), newRequest())
	if resp.Result() != "ok" {
		t.Fatalf("expect result 'ok', got '%v'", resp.Result())
	}
	if logs.FilterMessage("rpc served").Len() != 1 {
		t.Fatalf("expect one 'rpc served' entry, got %v", logs.All())
	}
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	failing := func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
		return Failure(req, message.RcodeInvalidParams)
	}
	Logging(zap.New(core))(failing)(context.Background(), newRequest())

	entries := logs.FilterMessage("rpc failed").All()
	if len(entries) != 1 {
		t.Fatalf("expect one 'rpc failed' entry, got %v", logs.All())
	}
	if reason := entries[0].ContextMap()["reason"]; reason != message.RcodeInvalidParams.Reason() {
		t.Errorf("unexpected reason field: %v", reason)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest())
	if resp.Rcode() != message.RcodeOK {
		t.Fatalf("expect OK, got '%s'", resp.Rcode())
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	req := newRequest()
	resp := handler(context.Background(), req)
	if resp.Rcode() != message.RcodeInternalError {
		t.Fatalf("expect internal error, got '%s'", resp.Rcode())
	}
	if resp.ID() != req.ID() {
		t.Errorf("timeout response must keep the request id")
	}
	if err := resp.Check(); err != nil {
		t.Errorf("timeout response must be well formed: %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	var calls atomic.Int32
	counting := func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
		calls.Add(1)
		return echoHandler(ctx, req)
	}
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimit(1, 2)(counting)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest())
		if resp.Rcode() != message.RcodeOK {
			t.Fatalf("request %d should pass, got: %s", i, resp.Rcode())
		}
	}

	resp := handler(context.Background(), newRequest())
	if resp.Rcode() != message.RcodeInternalError {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.Rcode())
	}
	if calls.Load() != 2 {
		t.Fatalf("rejected request must not reach the handler, calls=%d", calls.Load())
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}
	handler := Chain(mark("A"), mark("B"), Timeout(500*time.Millisecond))(echoHandler)

	resp := handler(context.Background(), newRequest())
	if resp.Rcode() != message.RcodeOK {
		t.Fatalf("expect OK, got '%s'", resp.Rcode())
	}
	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v", order)
		}
	}
}

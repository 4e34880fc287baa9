package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/codec"
	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/middleware"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// Router answers RpcRequests from the methods registered with it.
//
//	OnRpcRequest → go Handle → Middleware Chain → invoke → conn.Send(response)
//
// Each request runs on its own goroutine, so a slow method never holds up the
// read loop of its connection. Responses carry the request id and may leave
// in any order.
type Router struct {
	services    *ServiceManager
	middlewares []middleware.Middleware
	log         *zap.Logger

	once    sync.Once
	handler middleware.HandlerFunc // middleware(middleware(...(invoke)))

	mu     sync.Mutex
	active int           // in-flight requests
	idle   chan struct{} // closed when active drops to zero
}

type RouterOption func(*Router)

func WithRouterLogger(l *zap.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// WithMiddleware appends mws to the chain, applied in the order given.
func WithMiddleware(mws ...middleware.Middleware) RouterOption {
	return func(r *Router) { r.middlewares = append(r.middlewares, mws...) }
}

// NewRouter creates a router with no methods.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		services: NewServiceManager(),
		log:      zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Use appends a middleware. It has no effect once the first request was
// handled.
func (r *Router) Use(mw middleware.Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// RegisterMethod serves desc, replacing any method of the same name.
func (r *Router) RegisterMethod(desc *ServiceDescribe) {
	r.services.Insert(desc)
}

func (r *Router) Services() *ServiceManager { return r.services }

// OnRpcRequest is the dispatcher handler for RpcRequests. A panic anywhere in
// the chain is answered with InternalError.
func (r *Router) OnRpcRequest(conn transport.Connection, req *message.RpcRequest) {
	r.begin()
	go func() {
		defer r.end()
		resp := r.safeHandle(req)
		if err := conn.Send(resp); err != nil {
			r.log.Warn("send rpc response failed",
				zap.String("id", req.ID()), zap.String("remote", conn.RemoteAddr()), zap.Error(err))
		}
	}()
}

func (r *Router) safeHandle(req *message.RpcRequest) (resp *message.RpcResponse) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("rpc request panicked", zap.String("id", req.ID()),
				zap.String("method", req.Method()), zap.Any("panic", v), zap.Stack("stack"))
			resp = middleware.Failure(req, message.RcodeInternalError)
		}
	}()
	return r.Handle(context.Background(), req)
}

// Handle runs req through the middleware chain and returns its response.
func (r *Router) Handle(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
	r.once.Do(func() {
		r.handler = middleware.Chain(r.middlewares...)(r.invoke)
	})
	return r.handler(ctx, req)
}

func (r *Router) begin() {
	r.mu.Lock()
	if r.active == 0 {
		r.idle = make(chan struct{})
	}
	r.active++
	r.mu.Unlock()
}

func (r *Router) end() {
	r.mu.Lock()
	r.active--
	if r.active == 0 {
		close(r.idle)
	}
	r.mu.Unlock()
}

// idleChan returns a channel closed once no request is in flight.
func (r *Router) idleChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	return r.idle
}

// Wait blocks until every request handed to OnRpcRequest has been answered.
func (r *Router) Wait() {
	<-r.idleChan()
}

// WaitTimeout is Wait bounded by timeout.
func (r *Router) WaitTimeout(timeout time.Duration) error {
	select {
	case <-r.idleChan():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for in-flight requests")
	}
}

func (r *Router) invoke(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
	if err := req.Check(); err != nil {
		r.log.Warn("invalid rpc request", zap.String("id", req.ID()), zap.Error(err))
		return middleware.Failure(req, message.RcodeInvalidMessage)
	}

	method := req.Method()
	desc, ok := r.services.Select(method)
	if !ok {
		r.log.Warn("service not found", zap.String("method", method))
		return middleware.Failure(req, message.RcodeNotFoundService)
	}

	params := req.Params()
	if err := desc.CheckParams(params); err != nil {
		r.log.Warn("invalid rpc parameters", zap.String("method", method), zap.Error(err))
		return middleware.Failure(req, message.RcodeInvalidParams)
	}

	result, err := r.call(ctx, desc, params)
	if err != nil {
		r.log.Error("method failed", zap.String("method", method), zap.Error(err))
		return middleware.Failure(req, message.RcodeInternalError)
	}
	if !desc.CheckReturn(result) {
		r.log.Error("method result has the wrong kind", zap.String("method", method),
			zap.Stringer("want", desc.returns), zap.Any("result", result))
		return middleware.Failure(req, message.RcodeInternalError)
	}

	resp := message.NewRpcResponse()
	resp.SetID(req.ID())
	resp.SetRcode(message.RcodeOK)
	resp.SetResult(result)
	return resp
}

// call runs the method handler and reports a panic as an error. Under the
// Timeout middleware the handler runs off the request goroutine.
func (r *Router) call(ctx context.Context, desc *ServiceDescribe, params codec.Document) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("method panicked", zap.String("method", desc.Method()), zap.Stack("stack"))
			err = fmt.Errorf("method %s panicked: %v", desc.Method(), v)
		}
	}()
	return desc.Call(ctx, params)
}

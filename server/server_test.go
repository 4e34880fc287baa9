package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Raykevin-live/RpcJsonix/client"
	"github.com/Raykevin-live/RpcJsonix/codec"
	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/middleware"
	"github.com/Raykevin-live/RpcJsonix/transport/transporttest"
)

func add(ctx context.Context, params codec.Document) (any, error) {
	a, _ := params.GetInt("num1")
	b, _ := params.GetInt("num2")
	return a + b, nil
}

func addService(t *testing.T, h ServiceHandler) *ServiceDescribe {
	t.Helper()
	desc, err := NewServiceBuilder("Add").
		Param("num1", codec.KindIntegral).
		Param("num2", codec.KindIntegral).
		Returns(codec.KindIntegral).
		Handler(h).
		Build()
	require.NoError(t, err)
	return desc
}

func addRequest(params codec.Document) *message.RpcRequest {
	req := message.NewRpcRequest()
	req.SetID(message.NewID())
	req.SetMethod("Add")
	req.SetParams(params)
	return req
}

func TestServiceBuilderIncomplete(t *testing.T) {
	_, err := NewServiceBuilder("").Handler(add).Build()
	require.ErrorIs(t, err, ErrIncompleteService)

	_, err = NewServiceBuilder("Add").Param("num1", codec.KindIntegral).Build()
	require.ErrorIs(t, err, ErrIncompleteService)
}

func TestRouterValidation(t *testing.T) {
	var calls atomic.Int32
	counted := func(ctx context.Context, params codec.Document) (any, error) {
		calls.Add(1)
		return add(ctx, params)
	}
	router := NewRouter(WithRouterLogger(zaptest.NewLogger(t)))
	router.RegisterMethod(addService(t, counted))
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		req := addRequest(codec.Document{"num1": 2, "num2": 3})
		resp := router.Handle(ctx, req)
		require.Equal(t, req.ID(), resp.ID())
		require.Equal(t, message.RcodeOK, resp.Rcode())
		n, ok := codec.AsInt(resp.Result())
		require.True(t, ok)
		require.EqualValues(t, 5, n)
	})

	calls.Store(0)
	cases := []struct {
		name string
		req  *message.RpcRequest
		want message.RCode
	}{
		{"missing param", addRequest(codec.Document{"num1": 2}), message.RcodeInvalidParams},
		{"wrong kind", addRequest(codec.Document{"num1": 2, "num2": "x"}), message.RcodeInvalidParams},
		{"fraction for integral", addRequest(codec.Document{"num1": 2, "num2": 1.5}), message.RcodeInvalidParams},
		{"unknown method", func() *message.RpcRequest {
			r := addRequest(codec.Document{})
			r.SetMethod("Sub")
			return r
		}(), message.RcodeNotFoundService},
		{"no params object", func() *message.RpcRequest {
			r := addRequest(nil)
			r.Body().Delete(message.KeyParams)
			return r
		}(), message.RcodeInvalidMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := router.Handle(ctx, tc.req)
			require.Equal(t, tc.req.ID(), resp.ID())
			require.Equal(t, tc.want, resp.Rcode())
			require.True(t, resp.Body().Has(message.KeyResult))
			require.Nil(t, resp.Result())
			require.NoError(t, resp.Check())
		})
	}
	require.Zero(t, calls.Load(), "handler must not run for rejected requests")
}

func TestRouterHandlerFailures(t *testing.T) {
	router := NewRouter(WithRouterLogger(zaptest.NewLogger(t)))
	desc, err := NewServiceBuilder("Fail").
		Handler(func(context.Context, codec.Document) (any, error) { return nil, errors.New("boom") }).
		Build()
	require.NoError(t, err)
	router.RegisterMethod(desc)

	desc, err = NewServiceBuilder("Text").
		Returns(codec.KindIntegral).
		Handler(func(context.Context, codec.Document) (any, error) { return "five", nil }).
		Build()
	require.NoError(t, err)
	router.RegisterMethod(desc)

	for _, method := range []string{"Fail", "Text"} {
		req := addRequest(codec.Document{})
		req.SetMethod(method)
		resp := router.Handle(context.Background(), req)
		require.Equal(t, message.RcodeInternalError, resp.Rcode(), method)
	}
}

func TestRouterReturnKinds(t *testing.T) {
	router := NewRouter(WithRouterLogger(zaptest.NewLogger(t)))
	cases := []struct {
		name   string
		kind   codec.Kind
		result any
	}{
		{"strings", codec.KindArray, []string{"a", "b"}},
		{"int64s", codec.KindArray, []int64{1, 2}},
		{"int map", codec.KindObject, map[string]int{"a": 1}},
		{"struct", codec.KindObject, struct{ A int }{1}},
		{"struct pointer", codec.KindObject, &struct{ A int }{1}},
		{"int32", codec.KindIntegral, int32(7)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desc, err := NewServiceBuilder(tc.name).
				Returns(tc.kind).
				Handler(func(context.Context, codec.Document) (any, error) { return tc.result, nil }).
				Build()
			require.NoError(t, err)
			router.RegisterMethod(desc)

			req := addRequest(codec.Document{})
			req.SetMethod(tc.name)
			resp := router.Handle(context.Background(), req)
			require.Equal(t, message.RcodeOK, resp.Rcode())
		})
	}
}

func TestRouterRecoversPanic(t *testing.T) {
	router := NewRouter(WithRouterLogger(zaptest.NewLogger(t)),
		WithMiddleware(middleware.Timeout(time.Second)))
	desc, err := NewServiceBuilder("Panic").
		Handler(func(context.Context, codec.Document) (any, error) { panic("boom") }).
		Build()
	require.NoError(t, err)
	router.RegisterMethod(desc)
	conn := transporttest.NewRecorder("10.0.0.1:1")

	req := addRequest(codec.Document{})
	req.SetMethod("Panic")
	router.OnRpcRequest(conn, req)
	router.Wait()

	resp, ok := conn.Last().(*message.RpcResponse)
	require.True(t, ok)
	require.Equal(t, req.ID(), resp.ID())
	require.Equal(t, message.RcodeInternalError, resp.Rcode())

	// a panicking middleware is answered too
	router = NewRouter(WithRouterLogger(zaptest.NewLogger(t)),
		WithMiddleware(func(middleware.HandlerFunc) middleware.HandlerFunc {
			return func(context.Context, *message.RpcRequest) *message.RpcResponse { panic("boom") }
		}))
	router.OnRpcRequest(conn, req)
	router.Wait()
	resp, ok = conn.Last().(*message.RpcResponse)
	require.True(t, ok)
	require.Equal(t, message.RcodeInternalError, resp.Rcode())
	require.Len(t, conn.Sent(), 2)
}

func TestRouterWaitTimeout(t *testing.T) {
	release := make(chan struct{})
	router := NewRouter(WithRouterLogger(zaptest.NewLogger(t)))
	router.RegisterMethod(addService(t, func(ctx context.Context, params codec.Document) (any, error) {
		<-release
		return add(ctx, params)
	}))
	require.NoError(t, router.WaitTimeout(time.Millisecond))

	router.OnRpcRequest(transporttest.NewRecorder("10.0.0.1:1"), addRequest(codec.Document{"num1": 1, "num2": 1}))
	require.Error(t, router.WaitTimeout(20*time.Millisecond))
	close(release)
	require.NoError(t, router.WaitTimeout(time.Second))
}

func TestRouterOnRpcRequestSends(t *testing.T) {
	router := NewRouter(WithRouterLogger(zaptest.NewLogger(t)))
	router.RegisterMethod(addService(t, add))
	conn := transporttest.NewRecorder("10.0.0.1:1")

	req := addRequest(codec.Document{"num1": 40, "num2": 2})
	router.OnRpcRequest(conn, req)
	router.Wait()

	resp, ok := conn.Last().(*message.RpcResponse)
	require.True(t, ok)
	require.Equal(t, req.ID(), resp.ID())
	require.EqualValues(t, 42, resp.Result())
}

func TestRouterMiddleware(t *testing.T) {
	var order []string
	trace := func(name string) middleware.Middleware {
		return func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}
	router := NewRouter(WithRouterLogger(zaptest.NewLogger(t)), WithMiddleware(trace("A")))
	router.Use(trace("B"))
	router.RegisterMethod(addService(t, add))

	resp := router.Handle(context.Background(), addRequest(codec.Document{"num1": 1, "num2": 1}))
	require.Equal(t, message.RcodeOK, resp.Rcode())
	require.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

func startRegistry(t *testing.T) string {
	t.Helper()
	l := listen(t)
	reg := NewRegistryServer(WithLogger(zaptest.NewLogger(t)))
	go reg.Serve(l)
	t.Cleanup(func() { reg.Shutdown(time.Second) })
	return l.Addr().String()
}

func startRpcServer(t *testing.T, opts ...Option) (*RpcServer, string) {
	t.Helper()
	l := listen(t)
	access, err := message.ParseAddress(l.Addr().String())
	require.NoError(t, err)

	srv, err := NewRpcServer(context.Background(), access,
		append([]Option{WithLogger(zaptest.NewLogger(t)), WithRequestTimeout(3 * time.Second)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, srv.RegisterMethod(context.Background(), addService(t, add)))
	go srv.Serve(l)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, l.Addr().String()
}

func TestRpcDirect(t *testing.T) {
	_, addr := startRpcServer(t)

	cli, err := client.NewRpcClient(context.Background(), addr,
		client.WithLogger(zaptest.NewLogger(t)), client.WithTimeout(3*time.Second))
	require.NoError(t, err)
	defer cli.Shutdown()

	ctx := context.Background()
	result, err := cli.Call(ctx, "Add", codec.Document{"num1": 11, "num2": 22})
	require.NoError(t, err)
	n, _ := codec.AsInt(result)
	require.EqualValues(t, 33, n)

	_, err = cli.Call(ctx, "Add", codec.Document{"num1": 11})
	require.Equal(t, message.RcodeInvalidParams, message.RcodeOf(err))

	got := make(chan any, 1)
	require.NoError(t, cli.CallWithCallback(ctx, "Add", codec.Document{"num1": 1, "num2": 2}, func(r any) { got <- r }))
	select {
	case r := <-got:
		n, _ := codec.AsInt(r)
		require.EqualValues(t, 3, n)
	case <-time.After(3 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestRpcShutdownAnswersInFlight(t *testing.T) {
	srv, addr := startRpcServer(t)
	started := make(chan struct{})
	release := make(chan struct{})
	slow, err := NewServiceBuilder("Slow").
		Handler(func(context.Context, codec.Document) (any, error) {
			close(started)
			<-release
			return "done", nil
		}).
		Build()
	require.NoError(t, err)
	require.NoError(t, srv.RegisterMethod(context.Background(), slow))

	cli, err := client.NewRpcClient(context.Background(), addr,
		client.WithLogger(zaptest.NewLogger(t)), client.WithTimeout(3*time.Second))
	require.NoError(t, err)
	defer cli.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	future, err := cli.CallAsync(ctx, "Slow", codec.Document{})
	require.NoError(t, err)
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- srv.Shutdown(3 * time.Second) }()
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		c.Close()
		return false
	}, time.Second, 10*time.Millisecond, "listener still open during shutdown")
	close(release)

	result, err := future.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "done", result)
	require.NoError(t, <-shutdown)
}

// 通过注册中心发现服务，异步调用 Add(2,3)
func TestRpcThroughRegistry(t *testing.T) {
	regAddr := startRegistry(t)
	srv, _ := startRpcServer(t, WithRegistry(regAddr))

	cli, err := client.NewRpcClient(context.Background(), regAddr, client.WithDiscovery(),
		client.WithLogger(zaptest.NewLogger(t)), client.WithTimeout(3*time.Second))
	require.NoError(t, err)
	defer cli.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	future, err := cli.CallAsync(ctx, "Add", codec.Document{"num1": 2, "num2": 3})
	require.NoError(t, err)
	result, err := future.Get(ctx)
	require.NoError(t, err)
	n, ok := codec.AsInt(result)
	require.True(t, ok)
	require.EqualValues(t, 5, n)

	// the provider leaving is pushed to the client as OFFLINE
	require.NoError(t, srv.Shutdown(time.Second))
	require.Eventually(t, func() bool {
		_, err := cli.Call(ctx, "Add", codec.Document{"num1": 2, "num2": 3})
		return message.RcodeOf(err) == message.RcodeNotFoundService
	}, 3*time.Second, 20*time.Millisecond)
}

func TestTopicFanOut(t *testing.T) {
	l := listen(t)
	ts := NewTopicServer(WithLogger(zaptest.NewLogger(t)))
	go ts.Serve(l)
	t.Cleanup(func() { ts.Shutdown(time.Second) })
	addr := l.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dial := func() *client.TopicClient {
		c, err := client.NewTopicClient(ctx, addr,
			client.WithLogger(zaptest.NewLogger(t)), client.WithTimeout(3*time.Second))
		require.NoError(t, err)
		t.Cleanup(c.Shutdown)
		return c
	}
	a, b, pub := dial(), dial(), dial()

	err := a.Subscribe(ctx, "news", func(string, string) {})
	require.Equal(t, message.RcodeNotFoundTopic, message.RcodeOf(err))

	require.NoError(t, pub.Create(ctx, "news"))

	var mu sync.Mutex
	var wg sync.WaitGroup
	got := map[string]string{}
	wg.Add(2)
	subscribe := func(name string, c *client.TopicClient) {
		require.NoError(t, c.Subscribe(ctx, "news", func(key, msg string) {
			mu.Lock()
			got[name] = key + ":" + msg
			mu.Unlock()
			wg.Done()
		}))
	}
	subscribe("a", a)
	subscribe("b", b)

	require.NoError(t, pub.Publish(ctx, "news", "hello"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("subscribers did not receive the message")
	}
	mu.Lock()
	require.Equal(t, map[string]string{"a": "news:hello", "b": "news:hello"}, got)
	mu.Unlock()
	require.Len(t, ts.Broker().Subscribers("news"), 2)
}

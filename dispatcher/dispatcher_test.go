package dispatcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/transport"
	"github.com/Raykevin-live/RpcJsonix/transport/transporttest"
)

// impostor claims to be an RpcRequest without being one.
type impostor struct {
	*message.RpcResponse
}

func (impostor) Type() message.MsgType { return message.MsgTypeRpcRequest }

func TestDispatchToTypedHandler(t *testing.T) {
	d := New()
	conn := transporttest.NewRecorder("peer")

	var got *message.RpcRequest
	Register(d, message.MsgTypeRpcRequest, func(_ transport.Connection, req *message.RpcRequest) {
		got = req
	})

	req := message.NewRpcRequest()
	req.SetMethod("Add")
	d.OnMessage(conn, req)

	require.Same(t, req, got)
	require.True(t, conn.IsConnected())
}

func TestUnknownTypeShutsDown(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := New(WithLogger(zap.New(core)))
	conn := transporttest.NewRecorder("peer")

	d.OnMessage(conn, message.NewTopicRequest())

	require.False(t, conn.IsConnected())
	require.Equal(t, 1, logs.Len())
}

func TestVariantMismatchShutsDown(t *testing.T) {
	d := New(WithLogger(zap.NewNop()))
	conn := transporttest.NewRecorder("peer")

	called := false
	Register(d, message.MsgTypeRpcRequest, func(_ transport.Connection, req *message.RpcRequest) {
		called = true
	})
	d.OnMessage(conn, impostor{message.NewRpcResponse()})

	require.False(t, called)
	require.False(t, conn.IsConnected())
}

func TestConcurrentDispatch(t *testing.T) {
	d := New()
	var mu sync.Mutex
	count := 0
	Register(d, message.MsgTypeTopicResponse, func(_ transport.Connection, _ *message.TopicResponse) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.OnMessage(transporttest.NewRecorder("peer"), message.NewTopicResponse())
		}()
	}
	wg.Wait()
	require.Equal(t, 20, count)
}

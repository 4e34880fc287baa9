package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	"github.com/Raykevin-live/RpcJsonix/client"
	"github.com/Raykevin-live/RpcJsonix/codec"
	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/registry"
)

func dialEtcd(t *testing.T) *clientv3.Client {
	t.Helper()
	etcd, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := etcd.Status(ctx, "localhost:2379"); err != nil {
		etcd.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	return etcd
}

// 两个注册中心共享同一个 etcd：在 A 注册的服务可以通过 B 发现，
// A 上的提供者下线后 B 的客户端收到 OFFLINE
func TestFullIntegrationWithEtcd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	startMirrored := func(id string) string {
		mirror := registry.NewEtcdMirrorFromClient(dialEtcd(t),
			registry.WithEtcdPrefix("/rpcjsonix-integration/"), registry.WithEtcdTTL(5),
			registry.WithEtcdID(id), registry.WithEtcdLogger(logger))
		t.Cleanup(func() { mirror.Close() })

		l := listen(t)
		reg := NewRegistryServer(WithLogger(logger), WithMirror(mirror))
		go reg.Serve(l)
		t.Cleanup(func() { reg.Shutdown(time.Second) })
		return l.Addr().String()
	}
	regA, regB := startMirrored("reg-a"), startMirrored("reg-b")

	srv, _ := startRpcServer(t, WithRegistry(regA))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cli, err := client.NewRpcClient(ctx, regB, client.WithDiscovery(),
		client.WithLogger(logger), client.WithTimeout(3*time.Second))
	require.NoError(t, err)
	defer cli.Shutdown()

	result, err := cli.Call(ctx, "Add", codec.Document{"num1": 20, "num2": 22})
	require.NoError(t, err)
	n, _ := codec.AsInt(result)
	require.EqualValues(t, 42, n)

	require.NoError(t, srv.Shutdown(time.Second))
	require.Eventually(t, func() bool {
		_, err := cli.Call(ctx, "Add", codec.Document{"num1": 20, "num2": 22})
		return message.RcodeOf(err) == message.RcodeNotFoundService
	}, 5*time.Second, 50*time.Millisecond)
}

package registry

import (
	"context"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stretchr/testify/require"

	"github.com/Raykevin-live/RpcJsonix/message"
)

// newTestMirror connects to a local etcd, skipping the test when none runs.
func newTestMirror(t *testing.T, opts ...EtcdOption) *EtcdMirror {
	t.Helper()
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Status(ctx, "localhost:2379"); err != nil {
		c.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	opts = append([]EtcdOption{WithEtcdPrefix("/rpcjsonix-test/"), WithEtcdTTL(5)}, opts...)
	m := NewEtcdMirrorFromClient(c, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestEtcdOnlineAndLookup(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	h1 := message.Address{IP: "127.0.0.1", Port: 8001}
	h2 := message.Address{IP: "127.0.0.1", Port: 8002}
	if err := m.Online(ctx, "Add", h1); err != nil {
		t.Fatal(err)
	}
	if err := m.Online(ctx, "Add", h2); err != nil {
		t.Fatal(err)
	}

	hosts, err := m.Lookup(ctx, "Add")
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expect 2 hosts, got %d", len(hosts))
	}

	// Offline one
	if err := m.Offline(ctx, "Add", h1); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	hosts, err = m.Lookup(ctx, "Add")
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 1 {
		t.Fatalf("expect 1 host after offline, got %d", len(hosts))
	}
	if hosts[0] != h2 {
		t.Fatalf("expect %s, got %s", h2, hosts[0])
	}

	// Cleanup
	m.Offline(ctx, "Add", h2)
}

func TestEtcdParseKey(t *testing.T) {
	m := NewEtcdMirrorFromClient(nil, WithEtcdPrefix("/p/"), WithEtcdID("reg-a"))
	host := message.Address{IP: "10.0.0.1", Port: 9001}

	method, got, id, ok := m.parseKey(m.key("Add", host))
	require.True(t, ok)
	require.Equal(t, "Add", method)
	require.Equal(t, host, got)
	require.Equal(t, "reg-a", id)

	method, _, _, ok = m.parseKey("/p/math/Add/10.0.0.1:9001/reg-b")
	require.True(t, ok)
	require.Equal(t, "math/Add", method)

	for _, key := range []string{"/q/Add/10.0.0.1:9001/reg-a", "/p/Add/reg-a", "/p/Add/nohost/reg-a"} {
		_, _, _, ok := m.parseKey(key)
		require.False(t, ok, key)
	}
}

func TestEtcdWatchSkipsOwnKeys(t *testing.T) {
	a := newTestMirror(t, WithEtcdID("reg-a"))
	b := newTestMirror(t, WithEtcdID("reg-b"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan MirrorEvent, 8)
	wctx, stop := context.WithCancel(ctx)
	defer stop()
	go b.Watch(wctx, func(ev MirrorEvent) { events <- ev })
	time.Sleep(100 * time.Millisecond)

	host := message.Address{IP: "127.0.0.1", Port: 8101}
	require.NoError(t, b.Online(ctx, "Watched", host))
	require.NoError(t, a.Online(ctx, "Watched", host))
	require.NoError(t, a.Offline(ctx, "Watched", host))
	defer b.Offline(ctx, "Watched", host)

	next := func() MirrorEvent {
		select {
		case ev := <-events:
			return ev
		case <-ctx.Done():
			t.Fatal("no watch event")
		}
		return MirrorEvent{}
	}
	require.Equal(t, MirrorEvent{Method: "Watched", Host: host, Op: message.ServiceOnline}, next())
	require.Equal(t, MirrorEvent{Method: "Watched", Host: host, Op: message.ServiceOffline}, next())

	// both registries announced the host, Lookup reports it once
	hosts, err := b.Lookup(ctx, "Watched")
	require.NoError(t, err)
	require.Equal(t, []message.Address{host}, hosts)
}

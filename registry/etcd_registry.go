package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/codec"
	"github.com/Raykevin-live/RpcJsonix/message"
)

const DefaultEtcdPrefix = "/rpcjsonix/"

// EtcdMirror keeps provider state in etcd, a "distributed phonebook" shared by
// every registry pointed at the same cluster:
//
//	Key:   /rpcjsonix/{method}/{host}/{registry id}
//	Value: {"host_ip": ..., "host_port": ...}
//
// The registry id segment tells a mirror its own entries apart from those of
// the other registries, so Watch reports only foreign changes.
//
// Entries hang off a TTL lease renewed by KeepAlive: if the registry crashes,
// the lease expires and the entry is removed automatically, so no provider
// outlives the registry that saw it.
type EtcdMirror struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	codec  codec.Codec
	prefix string
	id     string
	ttl    int64
	log    *zap.Logger

	// keepCtx outlives the request contexts so KeepAlive keeps renewing.
	keepCtx  context.Context
	keepStop context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

type EtcdOption func(*EtcdMirror)

// WithEtcdPrefix sets the key prefix shared by cooperating registries.
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(m *EtcdMirror) { m.prefix = prefix }
}

// WithEtcdID names this registry in the keys it writes. It defaults to a
// random uuid.
func WithEtcdID(id string) EtcdOption {
	return func(m *EtcdMirror) { m.id = id }
}

// WithEtcdTTL sets the lease TTL in seconds.
func WithEtcdTTL(ttl int64) EtcdOption {
	return func(m *EtcdMirror) { m.ttl = ttl }
}

func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(m *EtcdMirror) { m.log = l }
}

// NewEtcdMirror connects to the given etcd endpoints.
func NewEtcdMirror(endpoints []string, opts ...EtcdOption) (*EtcdMirror, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return NewEtcdMirrorFromClient(c, opts...), nil
}

// NewEtcdMirrorFromClient wraps an existing client. Close closes it.
func NewEtcdMirrorFromClient(c *clientv3.Client, opts ...EtcdOption) *EtcdMirror {
	m := &EtcdMirror{
		client: c,
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		prefix: DefaultEtcdPrefix,
		id:     uuid.NewString(),
		ttl:    10,
		log:    zap.L(),
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.keepCtx, m.keepStop = context.WithCancel(context.Background())
	return m
}

func (m *EtcdMirror) key(method string, host message.Address) string {
	return m.prefix + method + "/" + host.String() + "/" + m.id
}

// ID returns the registry id written into every key.
func (m *EtcdMirror) ID() string { return m.id }

// parseKey splits a key written by any mirror sharing the prefix.
func (m *EtcdMirror) parseKey(key string) (method string, host message.Address, id string, ok bool) {
	rest, found := strings.CutPrefix(key, m.prefix)
	if !found {
		return "", message.Address{}, "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return "", message.Address{}, "", false
	}
	n := len(parts)
	host, err := message.ParseAddress(parts[n-2])
	if err != nil {
		return "", message.Address{}, "", false
	}
	return strings.Join(parts[:n-2], "/"), host, parts[n-1], true
}

// Online stores host under method with a fresh lease.
//
// Flow:
//  1. Create a lease with the configured TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (m *EtcdMirror) Online(ctx context.Context, method string, host message.Address) error {
	val, err := m.codec.Serialize(host.Document())
	if err != nil {
		return err
	}

	lease, err := m.client.Grant(ctx, m.ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	key := m.key(method, host)
	if _, err := m.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}

	ch, err := m.client.KeepAlive(m.keepCtx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	m.mu.Lock()
	prev, had := m.leases[key]
	m.leases[key] = lease.ID
	m.mu.Unlock()
	if had {
		// same provider registered again, keep only the newest lease
		m.client.Revoke(ctx, prev)
	}
	return nil
}

// Offline revokes the lease behind host, removing the key with it.
func (m *EtcdMirror) Offline(ctx context.Context, method string, host message.Address) error {
	key := m.key(method, host)
	m.mu.Lock()
	lease, ok := m.leases[key]
	delete(m.leases, key)
	m.mu.Unlock()

	if ok {
		if _, err := m.client.Revoke(ctx, lease); err != nil {
			return fmt.Errorf("etcd revoke %s: %w", key, err)
		}
		return nil
	}
	if _, err := m.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete %s: %w", key, err)
	}
	return nil
}

// Lookup returns every host stored under method.
func (m *EtcdMirror) Lookup(ctx context.Context, method string) ([]message.Address, error) {
	resp, err := m.client.Get(ctx, m.prefix+method+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	hosts := make([]message.Address, 0, len(resp.Kvs))
	seen := make(map[message.Address]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		doc, err := m.codec.Parse(kv.Value)
		if err != nil {
			m.log.Warn("skip malformed etcd entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		addr, ok := message.AddressFrom(doc)
		if !ok {
			m.log.Warn("skip malformed etcd entry", zap.ByteString("key", kv.Key))
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		hosts = append(hosts, addr)
	}
	return hosts, nil
}

// Watch reports the providers other registries put online or take offline
// (including lease expiry) until ctx ends. Changes made through this mirror
// are skipped; the registry that made them has already notified its own
// discoverers.
func (m *EtcdMirror) Watch(ctx context.Context, fn func(MirrorEvent)) error {
	wch := m.client.Watch(clientv3.WithRequireLeader(ctx), m.prefix, clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("etcd watch %s: %w", m.prefix, err)
		}
		for _, ev := range resp.Events {
			method, host, id, ok := m.parseKey(string(ev.Kv.Key))
			if !ok {
				m.log.Warn("skip malformed etcd key", zap.ByteString("key", ev.Kv.Key))
				continue
			}
			if id == m.id {
				continue
			}
			op := message.ServiceOnline
			if ev.Type == clientv3.EventTypeDelete {
				op = message.ServiceOffline
			}
			fn(MirrorEvent{Method: method, Host: host, Op: op})
		}
	}
	return ctx.Err()
}

// Close stops lease renewal and closes the client. Entries expire with their
// leases.
func (m *EtcdMirror) Close() error {
	m.keepStop()
	return m.client.Close()
}

// Package registry is the server side of service registration and discovery.
//
// Providers register the methods they serve over a connection that stays
// open; closing it takes the provider offline. Discoverers ask for the hosts
// of a method and are then kept informed as providers come and go:
//
//	provider ──REGISTRY──→ Manager ──ONLINE──→ every discoverer of the method
//	provider ──(closed)──→ Manager ──OFFLINE─→ every discoverer of the method
//	client ──DISCOVERY──→ Manager ──hosts──→ client
package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// Mirror copies provider state to an external store so that registries
// sharing the store can answer for each other's providers.
type Mirror interface {
	Online(ctx context.Context, method string, host message.Address) error
	Offline(ctx context.Context, method string, host message.Address) error
	Lookup(ctx context.Context, method string) ([]message.Address, error)
	// Watch calls fn for every provider change made by another registry
	// until ctx ends or the store fails.
	Watch(ctx context.Context, fn func(MirrorEvent)) error
}

// MirrorEvent is a provider change seen in the mirror. Op is ServiceOnline
// or ServiceOffline.
type MirrorEvent struct {
	Method string
	Host   message.Address
	Op     message.ServiceOpType
}

// Manager coordinates providers and discoverers.
type Manager struct {
	providers     *ProviderManager
	discoverers   *DiscovererManager
	mirror        Mirror
	mirrorTimeout time.Duration
	log           *zap.Logger
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMirror mirrors online and offline events to mi and falls back to it
// when no local provider serves a discovered method.
func WithMirror(mi Mirror) Option {
	return func(m *Manager) { m.mirror = mi }
}

func WithMirrorTimeout(d time.Duration) Option {
	return func(m *Manager) { m.mirrorTimeout = d }
}

// NewManager creates a registry coordinator with empty indexes.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		mirrorTimeout: 3 * time.Second,
		log:           zap.L(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.providers = NewProviderManager()
	m.discoverers = NewDiscovererManager(m.log)
	return m
}

// WatchMirror forwards the mirror's foreign provider changes to local
// discoverers as ONLINE and OFFLINE pushes. It blocks until ctx ends and
// returns nil without a mirror.
func (m *Manager) WatchMirror(ctx context.Context) error {
	if m.mirror == nil {
		return nil
	}
	err := m.mirror.Watch(ctx, m.OnMirrorEvent)
	if err != nil && ctx.Err() == nil {
		m.log.Error("mirror watch stopped", zap.Error(err))
		return err
	}
	return nil
}

// OnMirrorEvent pushes a provider change made through another registry to
// the discoverers of its method.
func (m *Manager) OnMirrorEvent(ev MirrorEvent) {
	m.log.Info("mirrored provider change", zap.String("method", ev.Method),
		zap.Stringer("host", ev.Host), zap.Stringer("op", ev.Op))
	m.discoverers.Notify(ev.Method, ev.Host, ev.Op)
}

// Providers exposes the provider index.
func (m *Manager) Providers() *ProviderManager { return m.providers }

// Discoverers exposes the discoverer index.
func (m *Manager) Discoverers() *DiscovererManager { return m.discoverers }

// OnServiceRequest serves REGISTRY and DISCOVERY requests.
func (m *Manager) OnServiceRequest(conn transport.Connection, req *message.ServiceRequest) {
	if err := req.Check(); err != nil {
		m.log.Warn("invalid service request", zap.String("id", req.ID()), zap.Error(err))
		m.reply(conn, req, message.RcodeInvalidMessage, message.ServiceUnknown)
		return
	}

	switch op := req.ServiceOp(); op {
	case message.ServiceRegistry:
		method, host := req.Method(), req.Host()
		m.providers.AddProvider(conn, host, method)
		m.log.Info("provider online", zap.String("method", method), zap.Stringer("host", host))
		m.discoverers.OnlineNotify(method, host)
		m.mirrorOnline(method, host)
		m.reply(conn, req, message.RcodeOK, message.ServiceRegistry)

	case message.ServiceDiscovery:
		m.discoverers.AddDiscoverer(conn, req.Method())
		m.discoveryReply(conn, req)

	default:
		m.log.Warn("unexpected service operation", zap.Stringer("op", op), zap.String("remote", conn.RemoteAddr()))
		m.reply(conn, req, message.RcodeInvalidOpType, message.ServiceUnknown)
	}
}

// OnConnShutdown takes a provider offline and forgets a discoverer. Either,
// both or neither may apply to conn.
func (m *Manager) OnConnShutdown(conn transport.Connection) {
	if p := m.providers.GetProvider(conn); p != nil {
		for _, method := range p.Methods() {
			m.log.Info("provider offline", zap.String("method", method), zap.Stringer("host", p.Host))
			m.discoverers.OfflineNotify(method, p.Host)
			m.mirrorOffline(method, p.Host)
		}
		m.providers.DelProvider(conn)
	}
	m.discoverers.DelDiscoverer(conn)
}

func (m *Manager) discoveryReply(conn transport.Connection, req *message.ServiceRequest) {
	method := req.Method()
	hosts := m.providers.MethodHosts(method)
	if len(hosts) == 0 && m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.mirrorTimeout)
		mirrored, err := m.mirror.Lookup(ctx, method)
		cancel()
		if err != nil {
			m.log.Warn("mirror lookup failed", zap.String("method", method), zap.Error(err))
		}
		hosts = mirrored
	}

	resp := message.NewServiceResponse()
	resp.SetID(req.ID())
	resp.SetServiceOp(message.ServiceDiscovery)
	resp.SetMethod(method)
	if len(hosts) == 0 {
		m.log.Warn("no provider for method", zap.String("method", method))
		resp.SetRcode(message.RcodeNotFoundService)
		resp.SetHosts(nil)
	} else {
		resp.SetRcode(message.RcodeOK)
		resp.SetHosts(hosts)
	}
	m.send(conn, resp)
}

func (m *Manager) reply(conn transport.Connection, req *message.ServiceRequest, code message.RCode, op message.ServiceOpType) {
	resp := message.NewServiceResponse()
	resp.SetID(req.ID())
	resp.SetRcode(code)
	resp.SetServiceOp(op)
	m.send(conn, resp)
}

func (m *Manager) send(conn transport.Connection, resp message.Message) {
	if err := conn.Send(resp); err != nil {
		m.log.Warn("send service response failed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

func (m *Manager) mirrorOnline(method string, host message.Address) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.mirrorTimeout)
	defer cancel()
	if err := m.mirror.Online(ctx, method, host); err != nil {
		m.log.Warn("mirror online failed", zap.String("method", method), zap.Stringer("host", host), zap.Error(err))
	}
}

func (m *Manager) mirrorOffline(method string, host message.Address) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.mirrorTimeout)
	defer cancel()
	if err := m.mirror.Offline(ctx, method, host); err != nil {
		m.log.Warn("mirror offline failed", zap.String("method", method), zap.Stringer("host", host), zap.Error(err))
	}
}

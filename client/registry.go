package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Raykevin-live/RpcJsonix/loadbalance"
	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/requestor"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// Provider registers the methods a server offers with the registry.
type Provider struct {
	requestor *requestor.Requestor
	log       *zap.Logger
}

// NewProvider sends registrations through r.
func NewProvider(r *requestor.Requestor, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.L()
	}
	return &Provider{requestor: r, log: logger}
}

// RegistryMethod announces that host serves method.
func (p *Provider) RegistryMethod(ctx context.Context, conn transport.Connection, method string, host message.Address) error {
	req := message.NewServiceRequest()
	req.SetID(message.NewID())
	req.SetMethod(method)
	req.SetServiceOp(message.ServiceRegistry)
	req.SetHost(host)

	msg, err := p.requestor.Send(ctx, conn, req)
	if err != nil {
		return fmt.Errorf("client: register %s: %w", method, err)
	}
	resp, err := serviceResponse(msg)
	if err != nil {
		return fmt.Errorf("client: register %s: %w", method, err)
	}
	if err := resp.Err(); err != nil {
		p.log.Error("service registration refused", zap.String("method", method), zap.Error(err))
		return err
	}
	p.log.Info("service registered", zap.String("method", method), zap.Stringer("host", host))
	return nil
}

// MethodHost is the list of hosts serving one method, picked from in
// round-robin order.
type MethodHost struct {
	mu       sync.Mutex
	hosts    []message.Address
	balancer loadbalance.Balancer
}

// NewMethodHost creates a round-robin host list.
func NewMethodHost(hosts ...message.Address) *MethodHost {
	return &MethodHost{
		hosts:    append([]message.Address(nil), hosts...),
		balancer: &loadbalance.RoundRobinBalancer{},
	}
}

// AppendHost adds host unless it is already listed.
func (m *MethodHost) AppendHost(host message.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(host)
}

// merge adds every host not yet listed.
func (m *MethodHost) merge(hosts []message.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hosts {
		m.appendLocked(h)
	}
}

func (m *MethodHost) appendLocked(host message.Address) {
	if slices.Contains(m.hosts, host) {
		return
	}
	m.hosts = append(m.hosts, host)
}

// RemoveHost drops the first host equal to host.
func (m *MethodHost) RemoveHost(host message.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.hosts {
		if h == host {
			m.hosts = append(m.hosts[:i], m.hosts[i+1:]...)
			return
		}
	}
}

// ChooseHost returns the next host in round-robin order.
func (m *MethodHost) ChooseHost() (message.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	host, err := m.balancer.Pick(m.hosts)
	if err != nil {
		return message.Address{}, fmt.Errorf("client: %s: %w", m.balancer.Name(), err)
	}
	return host, nil
}

func (m *MethodHost) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hosts) == 0
}

func (m *MethodHost) Hosts() []message.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message.Address(nil), m.hosts...)
}

// OfflineCallback runs when the registry reports a host offline.
type OfflineCallback func(host message.Address)

// Discoverer caches the hosts of each method it looked up and keeps the cache
// current from the registry's online and offline notifications.
type Discoverer struct {
	requestor *requestor.Requestor
	offline   OfflineCallback
	log       *zap.Logger

	mu          sync.Mutex
	methodHosts map[string]*MethodHost

	group singleflight.Group
}

// NewDiscoverer sends lookups through r. offline may be nil.
func NewDiscoverer(r *requestor.Requestor, offline OfflineCallback, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.L()
	}
	return &Discoverer{
		requestor:   r,
		offline:     offline,
		log:         logger,
		methodHosts: make(map[string]*MethodHost),
	}
}

// ServiceDiscovery returns a host serving method. Cached hosts are used in
// round-robin order; otherwise the registry on conn is asked.
func (d *Discoverer) ServiceDiscovery(ctx context.Context, conn transport.Connection, method string) (message.Address, error) {
	if mh := d.cached(method); mh != nil {
		return mh.ChooseHost()
	}

	v, err, _ := d.group.Do(method, func() (any, error) {
		if mh := d.cached(method); mh != nil {
			return mh, nil
		}
		return d.discover(ctx, conn, method)
	})
	if err != nil {
		return message.Address{}, err
	}
	return v.(*MethodHost).ChooseHost()
}

func (d *Discoverer) cached(method string) *MethodHost {
	d.mu.Lock()
	defer d.mu.Unlock()
	mh, ok := d.methodHosts[method]
	if !ok || mh.Empty() {
		return nil
	}
	return mh
}

func (d *Discoverer) discover(ctx context.Context, conn transport.Connection, method string) (*MethodHost, error) {
	d.log.Info("discovering service providers", zap.String("method", method))
	req := message.NewServiceRequest()
	req.SetID(message.NewID())
	req.SetMethod(method)
	req.SetServiceOp(message.ServiceDiscovery)

	msg, err := d.requestor.Send(ctx, conn, req)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", method, err)
	}
	resp, err := serviceResponse(msg)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", method, err)
	}
	if err := resp.Err(); err != nil {
		d.log.Warn("service discovery failed", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	hosts := resp.Hosts()
	if len(hosts) == 0 {
		return nil, &message.RcodeError{Code: message.RcodeNotFoundService}
	}

	// ONLINE pushes may have arrived while the reply was in flight
	d.mu.Lock()
	mh, ok := d.methodHosts[method]
	if !ok {
		mh = NewMethodHost()
		d.methodHosts[method] = mh
	}
	d.mu.Unlock()
	mh.merge(hosts)
	return mh, nil
}

// OnServiceRequest handles the registry's online and offline notifications.
func (d *Discoverer) OnServiceRequest(conn transport.Connection, req *message.ServiceRequest) {
	method, host := req.Method(), req.Host()
	switch req.ServiceOp() {
	case message.ServiceOnline:
		d.mu.Lock()
		mh, ok := d.methodHosts[method]
		if !ok {
			mh = NewMethodHost()
			d.methodHosts[method] = mh
		}
		d.mu.Unlock()
		mh.AppendHost(host)
		d.log.Info("service online", zap.String("method", method), zap.Stringer("host", host))
	case message.ServiceOffline:
		d.mu.Lock()
		mh, ok := d.methodHosts[method]
		d.mu.Unlock()
		if !ok {
			return
		}
		mh.RemoveHost(host)
		d.log.Info("service offline", zap.String("method", method), zap.Stringer("host", host))
		if d.offline != nil {
			d.offline(host)
		}
	default:
		d.log.Error("unexpected service notification", zap.Stringer("optype", req.ServiceOp()))
	}
}

// Hosts returns the cached hosts of method.
func (d *Discoverer) Hosts(method string) []message.Address {
	d.mu.Lock()
	mh, ok := d.methodHosts[method]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return mh.Hosts()
}

func serviceResponse(msg message.Message) (*message.ServiceResponse, error) {
	resp, ok := msg.(*message.ServiceResponse)
	if !ok {
		return nil, fmt.Errorf("answered with %s", msg.Type())
	}
	if err := resp.Check(); err != nil {
		return nil, err
	}
	return resp, nil
}

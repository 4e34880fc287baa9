package registry

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// Provider is a connection that registered at least one method.
type Provider struct {
	Conn transport.Connection
	Host message.Address

	mu      sync.Mutex
	methods []string
}

func (p *Provider) appendMethod(method string) {
	p.mu.Lock()
	p.methods = append(p.methods, method)
	p.mu.Unlock()
}

// Methods returns the methods p registered, in registration order.
func (p *Provider) Methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.methods...)
}

// ProviderManager indexes providers by connection and by method.
type ProviderManager struct {
	mu        sync.Mutex
	conns     map[transport.Connection]*Provider
	providers map[string]mapset.Set[*Provider]
}

// NewProviderManager creates an empty provider index.
func NewProviderManager() *ProviderManager {
	return &ProviderManager{
		conns:     make(map[transport.Connection]*Provider),
		providers: make(map[string]mapset.Set[*Provider]),
	}
}

// AddProvider records that conn serves method at host. The first registration
// of a connection fixes its host. Registering the same method twice is not
// deduplicated.
func (m *ProviderManager) AddProvider(conn transport.Connection, host message.Address, method string) *Provider {
	m.mu.Lock()
	p, ok := m.conns[conn]
	if !ok {
		p = &Provider{Conn: conn, Host: host}
		m.conns[conn] = p
	}
	set, ok := m.providers[method]
	if !ok {
		set = mapset.NewThreadUnsafeSet[*Provider]()
		m.providers[method] = set
	}
	set.Add(p)
	m.mu.Unlock()

	p.appendMethod(method)
	return p
}

// GetProvider returns the provider behind conn, nil if conn never registered.
func (m *ProviderManager) GetProvider(conn transport.Connection) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[conn]
}

// DelProvider forgets conn and unlinks it from every method it served.
func (m *ProviderManager) DelProvider(conn transport.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.conns[conn]
	if !ok {
		return
	}
	for _, method := range p.Methods() {
		if set, ok := m.providers[method]; ok {
			set.Remove(p)
			if set.Cardinality() == 0 {
				delete(m.providers, method)
			}
		}
	}
	delete(m.conns, conn)
}

// MethodHosts returns the hosts serving method, sorted by address.
func (m *ProviderManager) MethodHosts(method string) []message.Address {
	m.mu.Lock()
	set, ok := m.providers[method]
	var providers []*Provider
	if ok {
		providers = set.ToSlice()
	}
	m.mu.Unlock()

	hosts := make([]message.Address, 0, len(providers))
	for _, p := range providers {
		hosts = append(hosts, p.Host)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].String() < hosts[j].String() })
	return hosts
}

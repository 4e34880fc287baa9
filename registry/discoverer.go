package registry

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// Discoverer is a connection that asked for the hosts of at least one method.
type Discoverer struct {
	Conn transport.Connection

	mu      sync.Mutex
	methods []string
}

func (d *Discoverer) appendMethod(method string) {
	d.mu.Lock()
	d.methods = append(d.methods, method)
	d.mu.Unlock()
}

func (d *Discoverer) Methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.methods...)
}

// DiscovererManager remembers who discovered which method so provider
// changes can be pushed to them.
type DiscovererManager struct {
	mu          sync.Mutex
	conns       map[transport.Connection]*Discoverer
	discoverers map[string]mapset.Set[*Discoverer]
	log         *zap.Logger
}

// NewDiscovererManager creates an empty discoverer index.
func NewDiscovererManager(logger *zap.Logger) *DiscovererManager {
	if logger == nil {
		logger = zap.L()
	}
	return &DiscovererManager{
		conns:       make(map[transport.Connection]*Discoverer),
		discoverers: make(map[string]mapset.Set[*Discoverer]),
		log:         logger,
	}
}

// AddDiscoverer records that conn looked up method and returns its entry.
func (m *DiscovererManager) AddDiscoverer(conn transport.Connection, method string) *Discoverer {
	m.mu.Lock()
	d, ok := m.conns[conn]
	if !ok {
		d = &Discoverer{Conn: conn}
		m.conns[conn] = d
	}
	set, ok := m.discoverers[method]
	if !ok {
		set = mapset.NewThreadUnsafeSet[*Discoverer]()
		m.discoverers[method] = set
	}
	set.Add(d)
	m.mu.Unlock()

	d.appendMethod(method)
	return d
}

// GetDiscoverer returns the entry of conn, nil if it never discovered.
func (m *DiscovererManager) GetDiscoverer(conn transport.Connection) *Discoverer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[conn]
}

// DelDiscoverer forgets conn and every method it looked up.
func (m *DiscovererManager) DelDiscoverer(conn transport.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.conns[conn]
	if !ok {
		return
	}
	for _, method := range d.Methods() {
		if set, ok := m.discoverers[method]; ok {
			set.Remove(d)
			if set.Cardinality() == 0 {
				delete(m.discoverers, method)
			}
		}
	}
	delete(m.conns, conn)
}

// OnlineNotify pushes ONLINE for host to the discoverers of method.
func (m *DiscovererManager) OnlineNotify(method string, host message.Address) {
	m.Notify(method, host, message.ServiceOnline)
}

// OfflineNotify pushes OFFLINE for host to the discoverers of method.
func (m *DiscovererManager) OfflineNotify(method string, host message.Address) {
	m.Notify(method, host, message.ServiceOffline)
}

// Notify pushes an unsolicited service request to every connection that
// discovered method. Send failures are logged and skipped.
func (m *DiscovererManager) Notify(method string, host message.Address, op message.ServiceOpType) {
	m.mu.Lock()
	set, ok := m.discoverers[method]
	var targets []*Discoverer
	if ok {
		targets = set.ToSlice()
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		m.log.Debug("no discoverer to notify", zap.String("method", method), zap.Stringer("op", op))
		return
	}

	req := message.NewServiceRequest()
	req.SetID(message.NewID())
	req.SetMethod(method)
	req.SetHost(host)
	req.SetServiceOp(op)
	for _, d := range targets {
		if err := d.Conn.Send(req); err != nil {
			m.log.Warn("notify discoverer failed",
				zap.String("method", method), zap.String("remote", d.Conn.RemoteAddr()), zap.Error(err))
		}
	}
}

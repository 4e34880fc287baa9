package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Raykevin-live/RpcJsonix/codec"
)

var ErrIncompleteService = errors.New("server: incomplete service description")

// ServiceHandler runs one method. params has already been validated against
// the declared parameters.
type ServiceHandler func(ctx context.Context, params codec.Document) (any, error)

// Param is one declared parameter of a method.
type Param struct {
	Name string
	Kind codec.Kind
}

// ServiceDescribe declares a method: its parameters, the kind of its result
// and the handler that computes it.
type ServiceDescribe struct {
	method     string
	params     []Param
	returns    codec.Kind
	hasReturns bool
	handler    ServiceHandler
}

func (s *ServiceDescribe) Method() string { return s.method }

func (s *ServiceDescribe) Params() []Param {
	return append([]Param(nil), s.params...)
}

// CheckParams reports the first declared parameter missing from params or of
// the wrong kind.
func (s *ServiceDescribe) CheckParams(params codec.Document) error {
	for _, p := range s.params {
		if !params.Has(p.Name) {
			return fmt.Errorf("missing parameter %q", p.Name)
		}
		if !p.Kind.Match(params.Get(p.Name)) {
			return fmt.Errorf("parameter %q is %s, want %s", p.Name, params.Kind(p.Name), p.Kind)
		}
	}
	return nil
}

// CheckReturn reports whether v matches the declared result kind. A method
// built without Returns accepts any result.
func (s *ServiceDescribe) CheckReturn(v any) bool {
	if !s.hasReturns {
		return true
	}
	return s.returns.Match(v)
}

func (s *ServiceDescribe) Call(ctx context.Context, params codec.Document) (any, error) {
	return s.handler(ctx, params)
}

// ServiceBuilder assembles a ServiceDescribe:
//
//	desc, err := NewServiceBuilder("Add").
//		Param("num1", codec.KindIntegral).
//		Param("num2", codec.KindIntegral).
//		Returns(codec.KindIntegral).
//		Handler(add).
//		Build()
type ServiceBuilder struct {
	desc ServiceDescribe
}

// NewServiceBuilder starts the description of method.
func NewServiceBuilder(method string) *ServiceBuilder {
	return &ServiceBuilder{desc: ServiceDescribe{method: method}}
}

func (b *ServiceBuilder) Param(name string, kind codec.Kind) *ServiceBuilder {
	b.desc.params = append(b.desc.params, Param{Name: name, Kind: kind})
	return b
}

func (b *ServiceBuilder) Returns(kind codec.Kind) *ServiceBuilder {
	b.desc.returns = kind
	b.desc.hasReturns = true
	return b
}

func (b *ServiceBuilder) Handler(h ServiceHandler) *ServiceBuilder {
	b.desc.handler = h
	return b
}

// Build returns ErrIncompleteService without a name or a handler.
func (b *ServiceBuilder) Build() (*ServiceDescribe, error) {
	if b.desc.method == "" {
		return nil, fmt.Errorf("%w: empty method name", ErrIncompleteService)
	}
	if b.desc.handler == nil {
		return nil, fmt.Errorf("%w: method %q has no handler", ErrIncompleteService, b.desc.method)
	}
	desc := b.desc
	desc.params = append([]Param(nil), b.desc.params...)
	return &desc, nil
}

// ServiceManager maps method names to their descriptions.
type ServiceManager struct {
	mu       sync.Mutex
	services map[string]*ServiceDescribe
}

// NewServiceManager creates an empty method table.
func NewServiceManager() *ServiceManager {
	return &ServiceManager{services: make(map[string]*ServiceDescribe)}
}

// Insert adds desc, replacing any method of the same name.
func (m *ServiceManager) Insert(desc *ServiceDescribe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[desc.Method()] = desc
}

func (m *ServiceManager) Select(method string) (*ServiceDescribe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.services[method]
	return desc, ok
}

func (m *ServiceManager) Remove(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, method)
}

// Methods returns the served method names, sorted.
func (m *ServiceManager) Methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	methods := make([]string, 0, len(m.services))
	for method := range m.services {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

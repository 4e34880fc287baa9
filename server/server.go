// Package server hosts the three server roles of the framework: RPC
// providers, the service registry and the topic broker.
//
// Every server is a transport.Server whose messages go through a dispatcher
// to the component owning their type:
//
//	RpcServer      : RpcRequest     → Router → middleware chain → method
//	RegistryServer : ServiceRequest → registry.Manager
//	TopicServer    : TopicRequest   → topic.Broker
//
// Connection close events reach the registry manager and the broker, so
// providers go offline and subscriptions vanish with their connections.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/client"
	"github.com/Raykevin-live/RpcJsonix/dispatcher"
	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/middleware"
	"github.com/Raykevin-live/RpcJsonix/registry"
	"github.com/Raykevin-live/RpcJsonix/topic"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

const network = "tcp"

type options struct {
	logger        *zap.Logger
	registryAddr  string
	middlewares   []middleware.Middleware
	mirror        registry.Mirror
	mirrorTimeout time.Duration
	maxBuffer     int
	timeout       time.Duration
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry makes an RpcServer register every method with the registry
// server at addr.
func WithRegistry(addr string) Option {
	return func(o *options) { o.registryAddr = addr }
}

// WithMiddlewares wraps every method of an RpcServer in mws.
func WithMiddlewares(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithMirror makes a RegistryServer mirror its providers to mi.
func WithMirror(mi registry.Mirror) Option {
	return func(o *options) { o.mirror = mi }
}

// WithMirrorTimeout bounds each call a RegistryServer makes to its mirror.
func WithMirrorTimeout(d time.Duration) Option {
	return func(o *options) { o.mirrorTimeout = d }
}

func WithMaxBuffer(n int) Option {
	return func(o *options) { o.maxBuffer = n }
}

// WithRequestTimeout bounds the requests an RpcServer sends to its registry.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	return o
}

func (o *options) transportOptions(d *dispatcher.Dispatcher, onClose transport.ConnectionHandler) []transport.Option {
	opts := []transport.Option{
		transport.WithLogger(o.logger),
		transport.WithMessageHandler(d.OnMessage),
	}
	if onClose != nil {
		opts = append(opts, transport.WithCloseHandler(onClose))
	}
	if o.maxBuffer > 0 {
		opts = append(opts, transport.WithMaxBuffer(o.maxBuffer))
	}
	return opts
}

// RpcServer serves registered methods to RPC clients.
type RpcServer struct {
	access     message.Address // address announced to the registry
	router     *Router
	dispatcher *dispatcher.Dispatcher
	server     *transport.Server
	registry   *client.RegistryClient // nil without WithRegistry
	log        *zap.Logger
}

// NewRpcServer creates a server reachable by clients at access. With
// WithRegistry it connects to the registry right away.
func NewRpcServer(ctx context.Context, access message.Address, opts ...Option) (*RpcServer, error) {
	o := newOptions(opts)
	s := &RpcServer{
		access:     access,
		router:     NewRouter(WithRouterLogger(o.logger), WithMiddleware(o.middlewares...)),
		dispatcher: dispatcher.New(dispatcher.WithLogger(o.logger)),
		log:        o.logger,
	}
	dispatcher.Register(s.dispatcher, message.MsgTypeRpcRequest, s.router.OnRpcRequest)
	s.server = transport.NewServer(o.transportOptions(s.dispatcher, nil)...)

	if o.registryAddr != "" {
		rc, err := client.NewRegistryClient(ctx, o.registryAddr,
			client.WithLogger(o.logger), client.WithTimeout(o.timeout))
		if err != nil {
			return nil, fmt.Errorf("server: connect registry %s: %w", o.registryAddr, err)
		}
		s.registry = rc
	}
	return s, nil
}

// RegisterMethod serves desc and, with a registry, announces it there.
func (s *RpcServer) RegisterMethod(ctx context.Context, desc *ServiceDescribe) error {
	if s.registry != nil {
		if err := s.registry.RegistryMethod(ctx, desc.Method(), s.access); err != nil {
			return err
		}
	}
	s.router.RegisterMethod(desc)
	s.log.Info("method registered", zap.String("method", desc.Method()))
	return nil
}

// Router exposes the method table and middleware chain.
func (s *RpcServer) Router() *Router { return s.router }

// ListenAndServe serves RPC clients on address until Shutdown.
func (s *RpcServer) ListenAndServe(address string) error {
	return s.server.ListenAndServe(network, address)
}

// Serve serves RPC clients on l until Shutdown.
func (s *RpcServer) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Addr returns the listening address, nil before Serve.
func (s *RpcServer) Addr() net.Addr { return s.server.Addr() }

// Shutdown leaves the registry first, so clients stop being sent here, and
// stops accepting. Requests already in flight are answered on their
// connections before those close. timeout bounds the whole sequence.
func (s *RpcServer) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if s.registry != nil {
		s.registry.Shutdown()
	}
	s.server.StopAccepting()
	drainErr := s.router.WaitTimeout(timeout)
	if drainErr != nil {
		s.log.Warn("shutting down with requests in flight", zap.Error(drainErr))
	}
	err := s.server.Shutdown(max(time.Until(deadline), 0))
	if drainErr != nil {
		return drainErr
	}
	return err
}

// RegistryServer tracks providers and answers discovery requests. With a
// mirror it also pushes the providers other registries report to its own
// discoverers.
type RegistryServer struct {
	manager    *registry.Manager
	dispatcher *dispatcher.Dispatcher
	server     *transport.Server

	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// NewRegistryServer creates a registry server. With WithMirror it starts
// following the mirror right away.
func NewRegistryServer(opts ...Option) *RegistryServer {
	o := newOptions(opts)
	mopts := []registry.Option{registry.WithLogger(o.logger)}
	if o.mirror != nil {
		mopts = append(mopts, registry.WithMirror(o.mirror))
	}
	if o.mirrorTimeout > 0 {
		mopts = append(mopts, registry.WithMirrorTimeout(o.mirrorTimeout))
	}
	s := &RegistryServer{
		manager:    registry.NewManager(mopts...),
		dispatcher: dispatcher.New(dispatcher.WithLogger(o.logger)),
	}
	dispatcher.Register(s.dispatcher, message.MsgTypeServiceRequest, s.manager.OnServiceRequest)
	s.server = transport.NewServer(o.transportOptions(s.dispatcher, s.manager.OnConnShutdown)...)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopWatch, s.watchDone = cancel, make(chan struct{})
	go func() {
		defer close(s.watchDone)
		s.manager.WatchMirror(ctx)
	}()
	return s
}

func (s *RegistryServer) Manager() *registry.Manager { return s.manager }

// ListenAndServe serves providers and discoverers on address until Shutdown.
func (s *RegistryServer) ListenAndServe(address string) error {
	return s.server.ListenAndServe(network, address)
}

// Serve serves providers and discoverers on l until Shutdown.
func (s *RegistryServer) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Addr returns the listening address, nil before Serve.
func (s *RegistryServer) Addr() net.Addr { return s.server.Addr() }

// Shutdown stops following the mirror and closes every connection, taking
// its providers offline.
func (s *RegistryServer) Shutdown(timeout time.Duration) error {
	s.stopWatch()
	<-s.watchDone
	return s.server.Shutdown(timeout)
}

// TopicServer is a publish/subscribe broker.
type TopicServer struct {
	broker     *topic.Broker
	dispatcher *dispatcher.Dispatcher
	server     *transport.Server
}

// NewTopicServer creates a broker with no topics.
func NewTopicServer(opts ...Option) *TopicServer {
	o := newOptions(opts)
	s := &TopicServer{
		broker:     topic.NewBroker(topic.WithLogger(o.logger)),
		dispatcher: dispatcher.New(dispatcher.WithLogger(o.logger)),
	}
	dispatcher.Register(s.dispatcher, message.MsgTypeTopicRequest, s.broker.OnTopicRequest)
	s.server = transport.NewServer(o.transportOptions(s.dispatcher, s.broker.OnShutdown)...)
	return s
}

func (s *TopicServer) Broker() *topic.Broker { return s.broker }

// ListenAndServe serves topic clients on address until Shutdown.
func (s *TopicServer) ListenAndServe(address string) error {
	return s.server.ListenAndServe(network, address)
}

// Serve serves topic clients on l until Shutdown.
func (s *TopicServer) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Addr returns the listening address, nil before Serve.
func (s *TopicServer) Addr() net.Addr { return s.server.Addr() }

// Shutdown closes every connection, dropping its subscriptions.
func (s *TopicServer) Shutdown(timeout time.Duration) error {
	return s.server.Shutdown(timeout)
}

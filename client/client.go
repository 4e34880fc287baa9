// Package client holds the calling side of the framework: RPC callers, the
// registry and discovery clients and the topic client.
//
// Every client owns a dispatcher and a requestor. Responses arriving on its
// connections go to the requestor; unsolicited requests (online and offline
// notifications, published topic messages) go to the matching manager:
//
//	conn ──→ Dispatcher ──RpcResponse/ServiceResponse/TopicResponse──→ Requestor
//	                    ──ServiceRequest──→ Discoverer
//	                    ──TopicRequest────→ TopicManager
//
// A connection that closes fails every request still waiting on it.
package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/codec"
	"github.com/Raykevin-live/RpcJsonix/dispatcher"
	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/requestor"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

const network = "tcp"

type options struct {
	logger    *zap.Logger
	timeout   time.Duration
	discovery bool
	maxBuffer int
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTimeout bounds every request the client sends. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDiscovery makes an RpcClient treat its address as a registry and find
// the provider of each method there.
func WithDiscovery() Option {
	return func(o *options) { o.discovery = true }
}

func WithMaxBuffer(n int) Option {
	return func(o *options) { o.maxBuffer = n }
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

// endpoint is the plumbing shared by every client.
type endpoint struct {
	opts       *options
	log        *zap.Logger
	requestor  *requestor.Requestor
	dispatcher *dispatcher.Dispatcher
}

func newEndpoint(o *options, responses ...message.MsgType) *endpoint {
	e := &endpoint{
		opts:       o,
		log:        o.logger,
		requestor:  requestor.New(requestor.WithLogger(o.logger), requestor.WithTimeout(o.timeout)),
		dispatcher: dispatcher.New(dispatcher.WithLogger(o.logger)),
	}
	for _, tag := range responses {
		dispatcher.Register(e.dispatcher, tag, e.requestor.OnResponse)
	}
	return e
}

func (e *endpoint) transportOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithLogger(e.log),
		transport.WithMessageHandler(e.dispatcher.OnMessage),
		transport.WithCloseHandler(e.requestor.FailConnection),
	}
	if e.opts.maxBuffer > 0 {
		opts = append(opts, transport.WithMaxBuffer(e.opts.maxBuffer))
	}
	return opts
}

func (e *endpoint) dial(ctx context.Context, addr string) (*transport.Client, error) {
	return transport.Dial(ctx, network, addr, e.transportOptions()...)
}

// RegistryClient registers methods with a registry server. Its connection
// stays open for as long as the methods are served; closing it takes them
// offline.
type RegistryClient struct {
	*endpoint
	provider *Provider
	conn     *transport.Client
}

// NewRegistryClient connects to the registry at addr.
func NewRegistryClient(ctx context.Context, addr string, opts ...Option) (*RegistryClient, error) {
	e := newEndpoint(newOptions(opts), message.MsgTypeServiceResponse)
	conn, err := e.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &RegistryClient{
		endpoint: e,
		provider: NewProvider(e.requestor, e.log),
		conn:     conn,
	}, nil
}

// RegistryMethod announces that host serves method.
func (c *RegistryClient) RegistryMethod(ctx context.Context, method string, host message.Address) error {
	return c.provider.RegistryMethod(ctx, c.conn.Connection(), method, host)
}

func (c *RegistryClient) Shutdown() {
	c.conn.Shutdown()
}

// DiscoveryClient finds the hosts serving a method and follows the registry's
// online and offline notifications for the methods it looked up.
type DiscoveryClient struct {
	*endpoint
	discoverer *Discoverer
	conn       *transport.Client
}

// NewDiscoveryClient connects to the registry at addr. offline, if set, runs
// for every host the registry reports offline.
func NewDiscoveryClient(ctx context.Context, addr string, offline OfflineCallback, opts ...Option) (*DiscoveryClient, error) {
	e := newEndpoint(newOptions(opts), message.MsgTypeServiceResponse)
	d := NewDiscoverer(e.requestor, offline, e.log)
	dispatcher.Register(e.dispatcher, message.MsgTypeServiceRequest, d.OnServiceRequest)
	conn, err := e.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &DiscoveryClient{endpoint: e, discoverer: d, conn: conn}, nil
}

// ServiceDiscovery returns the next host serving method.
func (c *DiscoveryClient) ServiceDiscovery(ctx context.Context, method string) (message.Address, error) {
	return c.discoverer.ServiceDiscovery(ctx, c.conn.Connection(), method)
}

func (c *DiscoveryClient) Discoverer() *Discoverer { return c.discoverer }

func (c *DiscoveryClient) Shutdown() {
	c.conn.Shutdown()
}

// RpcClient calls methods either on one fixed provider or, with
// WithDiscovery, on whichever provider the registry names. Provider
// connections are pooled per host; a host reported offline is evicted.
type RpcClient struct {
	*endpoint
	caller    *Caller
	pool      *transport.Pool
	addr      string
	discovery *DiscoveryClient
}

// NewRpcClient calls the provider at addr, or with WithDiscovery the
// providers the registry at addr names.
func NewRpcClient(ctx context.Context, addr string, opts ...Option) (*RpcClient, error) {
	o := newOptions(opts)
	e := newEndpoint(o, message.MsgTypeRpcResponse)
	c := &RpcClient{
		endpoint: e,
		caller:   NewCaller(e.requestor, e.log),
		pool:     transport.NewPool(network, e.transportOptions()...),
		addr:     addr,
	}
	if o.discovery {
		d, err := NewDiscoveryClient(ctx, addr, c.evict, opts...)
		if err != nil {
			c.pool.Close()
			return nil, err
		}
		c.discovery = d
	}
	return c, nil
}

// Call invokes method and waits for its result.
func (c *RpcClient) Call(ctx context.Context, method string, params codec.Document) (any, error) {
	conn, err := c.connection(ctx, method)
	if err != nil {
		return nil, err
	}
	return c.caller.Call(ctx, conn, method, params)
}

// CallAsync invokes method and returns a future of its result.
func (c *RpcClient) CallAsync(ctx context.Context, method string, params codec.Document) (*requestor.Future[any], error) {
	conn, err := c.connection(ctx, method)
	if err != nil {
		return nil, err
	}
	return c.caller.CallAsync(conn, method, params)
}

// CallWithCallback invokes method and hands a successful result to cb.
func (c *RpcClient) CallWithCallback(ctx context.Context, method string, params codec.Document, cb func(result any)) error {
	conn, err := c.connection(ctx, method)
	if err != nil {
		return err
	}
	return c.caller.CallWithCallback(conn, method, params, cb)
}

// Shutdown closes the registry and provider connections.
func (c *RpcClient) Shutdown() {
	if c.discovery != nil {
		c.discovery.Shutdown()
	}
	c.pool.Close()
}

func (c *RpcClient) connection(ctx context.Context, method string) (transport.Connection, error) {
	addr := c.addr
	if c.discovery != nil {
		host, err := c.discovery.ServiceDiscovery(ctx, method)
		if err != nil {
			return nil, err
		}
		addr = host.String()
	}
	return c.pool.Get(ctx, addr)
}

func (c *RpcClient) evict(host message.Address) {
	c.log.Info("evicting offline provider", zap.Stringer("host", host))
	c.pool.Evict(host.String())
}

// TopicClient talks to a topic broker.
type TopicClient struct {
	*endpoint
	topics *TopicManager
	conn   *transport.Client
}

// NewTopicClient connects to the broker at addr.
func NewTopicClient(ctx context.Context, addr string, opts ...Option) (*TopicClient, error) {
	e := newEndpoint(newOptions(opts), message.MsgTypeTopicResponse)
	m := NewTopicManager(e.requestor, e.log)
	dispatcher.Register(e.dispatcher, message.MsgTypeTopicRequest, m.OnPublish)
	conn, err := e.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &TopicClient{endpoint: e, topics: m, conn: conn}, nil
}

func (c *TopicClient) Create(ctx context.Context, key string) error {
	return c.topics.Create(ctx, c.conn.Connection(), key)
}

func (c *TopicClient) Remove(ctx context.Context, key string) error {
	return c.topics.Remove(ctx, c.conn.Connection(), key)
}

func (c *TopicClient) Subscribe(ctx context.Context, key string, cb SubscribeCallback) error {
	if cb == nil {
		return errors.New("client: nil subscribe callback")
	}
	return c.topics.Subscribe(ctx, c.conn.Connection(), key, cb)
}

func (c *TopicClient) Cancel(ctx context.Context, key string) error {
	return c.topics.Cancel(ctx, c.conn.Connection(), key)
}

func (c *TopicClient) Publish(ctx context.Context, key, msg string) error {
	return c.topics.Publish(ctx, c.conn.Connection(), key, msg)
}

func (c *TopicClient) Shutdown() {
	c.conn.Shutdown()
}

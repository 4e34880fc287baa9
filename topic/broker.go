// Package topic implements the server side of named-topic publish/subscribe.
//
// A topic must be created before it can be subscribed to or published on.
// Publishing forwards the publish request itself to every current subscriber;
// delivery is best effort and unacknowledged.
package topic

import (
	"errors"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

var ErrTopicNotFound = errors.New("topic: not found")

type subscriber struct {
	conn   transport.Connection
	topics mapset.Set[string]
}

type topic struct {
	name        string
	subscribers mapset.Set[*subscriber]
}

// Broker keeps topics and subscribers in two indexes guarded by one mutex.
// Every operation leaves them mutually consistent: a subscriber lists a topic
// iff the topic lists the subscriber.
type Broker struct {
	mu          sync.Mutex
	topics      map[string]*topic
	subscribers map[transport.Connection]*subscriber
	log         *zap.Logger
}

type Option func(*Broker)

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// NewBroker creates a broker with no topics.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		topics:      make(map[string]*topic),
		subscribers: make(map[transport.Connection]*subscriber),
		log:         zap.L(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create makes an empty topic. Creating an existing topic replaces it, so its
// subscribers are unlinked.
func (b *Broker) Create(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.topics[name]; ok {
		b.unlinkLocked(old)
	}
	b.topics[name] = &topic{name: name, subscribers: mapset.NewThreadUnsafeSet[*subscriber]()}
}

// Remove deletes a topic and unlinks its subscribers. Removing an absent
// topic is a no-op.
func (b *Broker) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return
	}
	delete(b.topics, name)
	b.unlinkLocked(t)
}

func (b *Broker) unlinkLocked(t *topic) {
	for _, s := range t.subscribers.ToSlice() {
		s.topics.Remove(t.name)
	}
	t.subscribers.Clear()
}

func (b *Broker) Subscribe(conn transport.Connection, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return ErrTopicNotFound
	}
	s, ok := b.subscribers[conn]
	if !ok {
		s = &subscriber{conn: conn, topics: mapset.NewThreadUnsafeSet[string]()}
		b.subscribers[conn] = s
	}
	t.subscribers.Add(s)
	s.topics.Add(name)
	return nil
}

// Cancel unsubscribes conn from name. Unknown topics or connections are
// ignored.
func (b *Broker) Cancel(conn transport.Connection, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subscribers[conn]
	if !ok {
		return
	}
	s.topics.Remove(name)
	if t, ok := b.topics[name]; ok {
		t.subscribers.Remove(s)
	}
}

// Publish forwards req to every subscriber of its topic.
func (b *Broker) Publish(req *message.TopicRequest) error {
	b.mu.Lock()
	t, ok := b.topics[req.TopicKey()]
	var targets []*subscriber
	if ok {
		targets = t.subscribers.ToSlice()
	}
	b.mu.Unlock()

	if !ok {
		return ErrTopicNotFound
	}
	for _, s := range targets {
		if err := s.conn.Send(req); err != nil {
			b.log.Warn("deliver topic message failed",
				zap.String("topic", req.TopicKey()), zap.String("remote", s.conn.RemoteAddr()), zap.Error(err))
		}
	}
	return nil
}

// OnShutdown drops conn from every topic it subscribed to. Connections that
// never subscribed are ignored.
func (b *Broker) OnShutdown(conn transport.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subscribers[conn]
	if !ok {
		return
	}
	for _, name := range s.topics.ToSlice() {
		if t, ok := b.topics[name]; ok {
			t.subscribers.Remove(s)
		}
	}
	delete(b.subscribers, conn)
}

// OnTopicRequest serves one topic request and answers it.
func (b *Broker) OnTopicRequest(conn transport.Connection, req *message.TopicRequest) {
	if err := req.Check(); err != nil {
		b.log.Warn("invalid topic request", zap.String("id", req.ID()), zap.Error(err))
		b.reply(conn, req, message.RcodeInvalidMessage)
		return
	}

	name := req.TopicKey()
	var err error
	switch op := req.TopicOp(); op {
	case message.TopicCreate:
		b.Create(name)
	case message.TopicRemove:
		b.Remove(name)
	case message.TopicSubscribe:
		err = b.Subscribe(conn, name)
	case message.TopicCancel:
		b.Cancel(conn, name)
	case message.TopicPublish:
		err = b.Publish(req)
	default:
		b.log.Warn("unexpected topic operation", zap.Stringer("op", op), zap.String("remote", conn.RemoteAddr()))
		b.reply(conn, req, message.RcodeInvalidOpType)
		return
	}

	if errors.Is(err, ErrTopicNotFound) {
		b.log.Debug("topic not found", zap.String("topic", name), zap.Stringer("op", req.TopicOp()))
		b.reply(conn, req, message.RcodeNotFoundTopic)
		return
	}
	b.reply(conn, req, message.RcodeOK)
}

func (b *Broker) reply(conn transport.Connection, req *message.TopicRequest, code message.RCode) {
	resp := message.NewTopicResponse()
	resp.SetID(req.ID())
	resp.SetRcode(code)
	if err := conn.Send(resp); err != nil {
		b.log.Warn("send topic response failed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// Topics returns the existing topic names, sorted.
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribers returns the connections subscribed to name.
func (b *Broker) Subscribers(name string) []transport.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	conns := make([]transport.Connection, 0, t.subscribers.Cardinality())
	for _, s := range t.subscribers.ToSlice() {
		conns = append(conns, s.conn)
	}
	return conns
}

// SubscribedTopics returns the topics conn is subscribed to, sorted.
func (b *Broker) SubscribedTopics(conn transport.Connection) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subscribers[conn]
	if !ok {
		return nil
	}
	names := s.topics.ToSlice()
	sort.Strings(names)
	return names
}

package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Raykevin-live/RpcJsonix/message"
	"github.com/Raykevin-live/RpcJsonix/requestor"
	"github.com/Raykevin-live/RpcJsonix/transport"
)

// SubscribeCallback receives the messages published on a subscribed topic.
type SubscribeCallback func(key, msg string)

// TopicManager issues topic operations to a broker and delivers the messages
// of subscribed topics to their callbacks.
type TopicManager struct {
	requestor *requestor.Requestor
	log       *zap.Logger

	mu        sync.Mutex
	callbacks map[string]SubscribeCallback
}

// NewTopicManager sends topic operations through r.
func NewTopicManager(r *requestor.Requestor, logger *zap.Logger) *TopicManager {
	if logger == nil {
		logger = zap.L()
	}
	return &TopicManager{
		requestor: r,
		log:       logger,
		callbacks: make(map[string]SubscribeCallback),
	}
}

func (m *TopicManager) Create(ctx context.Context, conn transport.Connection, key string) error {
	return m.request(ctx, conn, key, message.TopicCreate, "")
}

func (m *TopicManager) Remove(ctx context.Context, conn transport.Connection, key string) error {
	return m.request(ctx, conn, key, message.TopicRemove, "")
}

// Subscribe registers cb for key before asking the broker, so no message
// published right after the subscription is missed. cb is dropped again if
// the broker refuses.
func (m *TopicManager) Subscribe(ctx context.Context, conn transport.Connection, key string, cb SubscribeCallback) error {
	m.mu.Lock()
	m.callbacks[key] = cb
	m.mu.Unlock()

	if err := m.request(ctx, conn, key, message.TopicSubscribe, ""); err != nil {
		m.dropCallback(key)
		return err
	}
	return nil
}

func (m *TopicManager) Cancel(ctx context.Context, conn transport.Connection, key string) error {
	m.dropCallback(key)
	return m.request(ctx, conn, key, message.TopicCancel, "")
}

func (m *TopicManager) Publish(ctx context.Context, conn transport.Connection, key, msg string) error {
	return m.request(ctx, conn, key, message.TopicPublish, msg)
}

// OnPublish delivers a message pushed by the broker to the callback of its
// topic.
func (m *TopicManager) OnPublish(conn transport.Connection, req *message.TopicRequest) {
	if req.TopicOp() != message.TopicPublish {
		m.log.Error("unexpected topic request from broker", zap.Stringer("optype", req.TopicOp()))
		return
	}
	key := req.TopicKey()
	m.mu.Lock()
	cb, ok := m.callbacks[key]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("message for topic without subscription", zap.String("topic", key))
		return
	}
	cb(key, req.TopicMessage())
}

func (m *TopicManager) dropCallback(key string) {
	m.mu.Lock()
	delete(m.callbacks, key)
	m.mu.Unlock()
}

func (m *TopicManager) request(ctx context.Context, conn transport.Connection, key string, op message.TopicOpType, msg string) error {
	req := message.NewTopicRequest()
	req.SetID(message.NewID())
	req.SetTopicKey(key)
	req.SetTopicOp(op)
	if op == message.TopicPublish {
		req.SetTopicMessage(msg)
	}

	got, err := m.requestor.Send(ctx, conn, req)
	if err != nil {
		return fmt.Errorf("client: topic %s %s: %w", op, key, err)
	}
	resp, ok := got.(*message.TopicResponse)
	if !ok {
		return fmt.Errorf("client: topic %s %s answered with %s", op, key, got.Type())
	}
	if err := resp.Check(); err != nil {
		return fmt.Errorf("client: topic %s %s: %w", op, key, err)
	}
	if err := resp.Err(); err != nil {
		m.log.Warn("topic request refused", zap.String("topic", key), zap.Stringer("optype", op), zap.Error(err))
		return err
	}
	return nil
}

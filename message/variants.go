package message

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Raykevin-live/RpcJsonix/codec"
)

// NewID returns a fresh correlation id for a request.
func NewID() string {
	return uuid.NewString()
}

// New builds an empty message of the given type. The protocol decoder uses it
// to materialize the variant named by a frame header.
func New(t MsgType) (Message, error) {
	switch t {
	case MsgTypeRpcRequest:
		return NewRpcRequest(), nil
	case MsgTypeRpcResponse:
		return NewRpcResponse(), nil
	case MsgTypeTopicRequest:
		return NewTopicRequest(), nil
	case MsgTypeTopicResponse:
		return NewTopicResponse(), nil
	case MsgTypeServiceRequest:
		return NewServiceRequest(), nil
	case MsgTypeServiceResponse:
		return NewServiceResponse(), nil
	}
	return nil, fmt.Errorf("message: unknown type %d", int32(t))
}

// RpcRequest asks a provider to invoke method with parameters.
type RpcRequest struct {
	envelope
}

func NewRpcRequest() *RpcRequest {
	return &RpcRequest{envelope{body: codec.Document{}}}
}

func (r *RpcRequest) Type() MsgType { return MsgTypeRpcRequest }

func (r *RpcRequest) Check() error {
	body := r.Body()
	if !body.Is(KeyMethod, codec.KindString) {
		return invalid("rpc request without string %q", KeyMethod)
	}
	if !body.Is(KeyParams, codec.KindObject) {
		return invalid("rpc request without object %q", KeyParams)
	}
	return nil
}

func (r *RpcRequest) Method() string {
	s, _ := r.Body().GetString(KeyMethod)
	return s
}

func (r *RpcRequest) SetMethod(method string) {
	r.Body().SetString(KeyMethod, method)
}

func (r *RpcRequest) Params() codec.Document {
	params, ok := r.Body().GetObject(KeyParams)
	if !ok {
		return codec.Document{}
	}
	return params
}

func (r *RpcRequest) SetParams(params codec.Document) {
	if params == nil {
		params = codec.Document{}
	}
	r.Body().SetObject(KeyParams, params)
}

// RpcResponse carries the rcode and result of an RPC.
type RpcResponse struct {
	response
}

func NewRpcResponse() *RpcResponse {
	return &RpcResponse{response{envelope{body: codec.Document{}}}}
}

func (r *RpcResponse) Type() MsgType { return MsgTypeRpcResponse }

func (r *RpcResponse) Check() error {
	if err := r.checkRcode(); err != nil {
		return err
	}
	if !r.Body().Has(KeyResult) {
		return invalid("rpc response without %q", KeyResult)
	}
	return nil
}

func (r *RpcResponse) Result() any {
	return r.Body().Get(KeyResult)
}

func (r *RpcResponse) SetResult(v any) {
	r.Body().Set(KeyResult, v)
}

// TopicRequest carries a broker operation on a topic.
type TopicRequest struct {
	envelope
}

func NewTopicRequest() *TopicRequest {
	return &TopicRequest{envelope{body: codec.Document{}}}
}

func (r *TopicRequest) Type() MsgType { return MsgTypeTopicRequest }

func (r *TopicRequest) Check() error {
	body := r.Body()
	if !body.Is(KeyTopicKey, codec.KindString) {
		return invalid("topic request without string %q", KeyTopicKey)
	}
	if !body.Is(KeyOpType, codec.KindIntegral) {
		return invalid("topic request without integral %q", KeyOpType)
	}
	if r.TopicOp() == TopicPublish && !body.Is(KeyTopicMsg, codec.KindString) {
		return invalid("topic publish without string %q", KeyTopicMsg)
	}
	return nil
}

func (r *TopicRequest) TopicKey() string {
	s, _ := r.Body().GetString(KeyTopicKey)
	return s
}

func (r *TopicRequest) SetTopicKey(key string) {
	r.Body().SetString(KeyTopicKey, key)
}

func (r *TopicRequest) TopicOp() TopicOpType {
	n, _ := r.Body().GetInt(KeyOpType)
	return TopicOpType(n)
}

func (r *TopicRequest) SetTopicOp(op TopicOpType) {
	r.Body().SetInt(KeyOpType, int64(op))
}

func (r *TopicRequest) TopicMessage() string {
	s, _ := r.Body().GetString(KeyTopicMsg)
	return s
}

func (r *TopicRequest) SetTopicMessage(msg string) {
	r.Body().SetString(KeyTopicMsg, msg)
}

// TopicResponse acknowledges a topic request.
type TopicResponse struct {
	response
}

func NewTopicResponse() *TopicResponse {
	return &TopicResponse{response{envelope{body: codec.Document{}}}}
}

func (r *TopicResponse) Type() MsgType { return MsgTypeTopicResponse }

func (r *TopicResponse) Check() error {
	return r.checkRcode()
}

// ServiceRequest carries a registry operation. Registry, online and offline
// requests name the provider host; discovery requests only name the method.
type ServiceRequest struct {
	envelope
}

func NewServiceRequest() *ServiceRequest {
	return &ServiceRequest{envelope{body: codec.Document{}}}
}

func (r *ServiceRequest) Type() MsgType { return MsgTypeServiceRequest }

func (r *ServiceRequest) Check() error {
	body := r.Body()
	if !body.Is(KeyMethod, codec.KindString) {
		return invalid("service request without string %q", KeyMethod)
	}
	if !body.Is(KeyOpType, codec.KindIntegral) {
		return invalid("service request without integral %q", KeyOpType)
	}
	if r.ServiceOp() != ServiceDiscovery {
		if _, ok := AddressFrom(body.Get(KeyHost)); !ok {
			return invalid("service %s request without valid %q", r.ServiceOp(), KeyHost)
		}
	}
	return nil
}

func (r *ServiceRequest) Method() string {
	s, _ := r.Body().GetString(KeyMethod)
	return s
}

func (r *ServiceRequest) SetMethod(method string) {
	r.Body().SetString(KeyMethod, method)
}

func (r *ServiceRequest) ServiceOp() ServiceOpType {
	n, ok := r.Body().GetInt(KeyOpType)
	if !ok {
		return ServiceUnknown
	}
	return ServiceOpType(n)
}

func (r *ServiceRequest) SetServiceOp(op ServiceOpType) {
	r.Body().SetInt(KeyOpType, int64(op))
}

func (r *ServiceRequest) Host() Address {
	addr, _ := AddressFrom(r.Body().Get(KeyHost))
	return addr
}

func (r *ServiceRequest) SetHost(addr Address) {
	r.Body().SetObject(KeyHost, addr.Document())
}

// ServiceResponse answers a service request. Discovery responses carry the
// method and the list of hosts currently providing it.
type ServiceResponse struct {
	response
}

func NewServiceResponse() *ServiceResponse {
	return &ServiceResponse{response{envelope{body: codec.Document{}}}}
}

func (r *ServiceResponse) Type() MsgType { return MsgTypeServiceResponse }

func (r *ServiceResponse) Check() error {
	if err := r.checkRcode(); err != nil {
		return err
	}
	body := r.Body()
	if !body.Is(KeyOpType, codec.KindIntegral) {
		return invalid("service response without integral %q", KeyOpType)
	}
	if r.ServiceOp() == ServiceDiscovery {
		if !body.Is(KeyMethod, codec.KindString) {
			return invalid("discovery response without string %q", KeyMethod)
		}
		if !body.Is(KeyHost, codec.KindArray) {
			return invalid("discovery response without array %q", KeyHost)
		}
	}
	return nil
}

func (r *ServiceResponse) Method() string {
	s, _ := r.Body().GetString(KeyMethod)
	return s
}

func (r *ServiceResponse) SetMethod(method string) {
	r.Body().SetString(KeyMethod, method)
}

func (r *ServiceResponse) ServiceOp() ServiceOpType {
	n, ok := r.Body().GetInt(KeyOpType)
	if !ok {
		return ServiceUnknown
	}
	return ServiceOpType(n)
}

func (r *ServiceResponse) SetServiceOp(op ServiceOpType) {
	r.Body().SetInt(KeyOpType, int64(op))
}

// Hosts returns the well-formed hosts of a discovery response, skipping
// malformed entries.
func (r *ServiceResponse) Hosts() []Address {
	arr, _ := r.Body().GetArray(KeyHost)
	hosts := make([]Address, 0, len(arr))
	for _, v := range arr {
		if addr, ok := AddressFrom(v); ok {
			hosts = append(hosts, addr)
		}
	}
	return hosts
}

func (r *ServiceResponse) SetHosts(hosts []Address) {
	arr := make([]any, 0, len(hosts))
	for _, h := range hosts {
		arr = append(arr, h.Document())
	}
	r.Body().SetArray(KeyHost, arr)
}

// ResponseFor builds the response variant matching req, carrying the same id.
func ResponseFor(req Message) (Message, error) {
	var resp Message
	switch req.Type() {
	case MsgTypeRpcRequest:
		resp = NewRpcResponse()
	case MsgTypeTopicRequest:
		resp = NewTopicResponse()
	case MsgTypeServiceRequest:
		resp = NewServiceResponse()
	default:
		return nil, fmt.Errorf("message: %s has no response variant", req.Type())
	}
	resp.SetID(req.ID())
	return resp, nil
}

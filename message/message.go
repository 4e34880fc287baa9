// Package message defines the messages exchanged between clients, RPC servers,
// the registry and the topic broker.
//
// Every message is an envelope of {id, type, body}. The id correlates a
// response with its request, the type selects the variant, and the body is a
// codec.Document whose field keys are the stable contract below.
package message

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/Raykevin-live/RpcJsonix/codec"
)

// Body field keys.
const (
	KeyMethod   = "method"
	KeyParams   = "parameters"
	KeyTopicKey = "topic_key"
	KeyTopicMsg = "topic_message"
	KeyOpType   = "optype"
	KeyHost     = "host"
	KeyHostIP   = "host_ip"
	KeyHostPort = "host_port"
	KeyRcode    = "rcode"
	KeyResult   = "result"
)

// MsgType is the variant tag carried in every frame header.
type MsgType int32

const (
	MsgTypeRpcRequest MsgType = iota
	MsgTypeRpcResponse
	MsgTypeTopicRequest
	MsgTypeTopicResponse
	MsgTypeServiceRequest
	MsgTypeServiceResponse
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRpcRequest:
		return "RpcRequest"
	case MsgTypeRpcResponse:
		return "RpcResponse"
	case MsgTypeTopicRequest:
		return "TopicRequest"
	case MsgTypeTopicResponse:
		return "TopicResponse"
	case MsgTypeServiceRequest:
		return "ServiceRequest"
	case MsgTypeServiceResponse:
		return "ServiceResponse"
	}
	return "MsgType(" + strconv.Itoa(int(t)) + ")"
}

// RCode is the result code carried by every response.
type RCode int

const (
	RcodeOK RCode = iota
	RcodeParseFailed
	RcodeInvalidMessage
	RcodeDisconnected
	RcodeInvalidParams
	RcodeNotFoundService
	RcodeInvalidOpType
	RcodeNotFoundTopic
	RcodeInternalError
)

var rcodeReasons = map[RCode]string{
	RcodeOK:              "success",
	RcodeParseFailed:     "message parse failed",
	RcodeInvalidMessage:  "invalid message",
	RcodeDisconnected:    "connection disconnected",
	RcodeInvalidParams:   "invalid rpc parameters",
	RcodeNotFoundService: "service not found",
	RcodeInvalidOpType:   "invalid operation type",
	RcodeNotFoundTopic:   "topic not found",
	RcodeInternalError:   "internal error",
}

// Reason returns the human readable reason for c, or a fallback for codes
// outside the taxonomy.
func (c RCode) Reason() string {
	if reason, ok := rcodeReasons[c]; ok {
		return reason
	}
	return "invalid rcode " + strconv.Itoa(int(c))
}

func (c RCode) String() string {
	return c.Reason()
}

// RcodeError reports a response whose rcode is not RcodeOK.
type RcodeError struct {
	Code RCode
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("rpc: %s (rcode %d)", e.Code.Reason(), int(e.Code))
}

// RcodeOf extracts the rcode from err, returning RcodeOK for nil and
// RcodeInternalError for errors that carry no code.
func RcodeOf(err error) RCode {
	if err == nil {
		return RcodeOK
	}
	var re *RcodeError
	if errors.As(err, &re) {
		return re.Code
	}
	return RcodeInternalError
}

// TopicOpType is the operation carried by a topic request.
type TopicOpType int

const (
	TopicCreate TopicOpType = iota
	TopicRemove
	TopicSubscribe
	TopicCancel
	TopicPublish
)

func (t TopicOpType) String() string {
	switch t {
	case TopicCreate:
		return "create"
	case TopicRemove:
		return "remove"
	case TopicSubscribe:
		return "subscribe"
	case TopicCancel:
		return "cancel"
	case TopicPublish:
		return "publish"
	}
	return "topic-op(" + strconv.Itoa(int(t)) + ")"
}

// ServiceOpType is the operation carried by a service request or response.
type ServiceOpType int

const (
	ServiceRegistry ServiceOpType = iota
	ServiceDiscovery
	ServiceOnline
	ServiceOffline
	ServiceUnknown
)

func (t ServiceOpType) String() string {
	switch t {
	case ServiceRegistry:
		return "registry"
	case ServiceDiscovery:
		return "discovery"
	case ServiceOnline:
		return "online"
	case ServiceOffline:
		return "offline"
	}
	return "unknown"
}

// Address is a provider host reachable by clients.
type Address struct {
	IP   string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	return Address{IP: host, Port: p}, nil
}

// Document renders a as the {host_ip, host_port} object used on the wire.
func (a Address) Document() codec.Document {
	doc := codec.Document{}
	doc.SetString(KeyHostIP, a.IP)
	doc.SetInt(KeyHostPort, int64(a.Port))
	return doc
}

// AddressFrom reads an address from a {host_ip, host_port} object. Ports
// outside 0-65535 are rejected.
func AddressFrom(v any) (Address, bool) {
	doc, ok := codec.AsDocument(v)
	if !ok {
		return Address{}, false
	}
	ip, ok := doc.GetString(KeyHostIP)
	if !ok {
		return Address{}, false
	}
	port, ok := doc.GetInt(KeyHostPort)
	if !ok || port < 0 || port > 65535 {
		return Address{}, false
	}
	return Address{IP: ip, Port: int(port)}, true
}

// Message is the envelope shared by every variant.
type Message interface {
	ID() string
	SetID(id string)
	Type() MsgType
	Body() codec.Document
	SetBody(body codec.Document)
	// Check validates that the body carries the fields the variant requires.
	Check() error
}

var ErrInvalidBody = errors.New("message: invalid body")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidBody, fmt.Sprintf(format, args...))
}

type envelope struct {
	id   string
	body codec.Document
}

func (e *envelope) ID() string { return e.id }

func (e *envelope) SetID(id string) { e.id = id }

func (e *envelope) Body() codec.Document {
	if e.body == nil {
		e.body = codec.Document{}
	}
	return e.body
}

func (e *envelope) SetBody(body codec.Document) {
	if body == nil {
		body = codec.Document{}
	}
	e.body = body
}

// response is embedded by every response variant.
type response struct {
	envelope
}

func (r *response) Rcode() RCode {
	n, _ := r.Body().GetInt(KeyRcode)
	return RCode(n)
}

func (r *response) SetRcode(code RCode) {
	r.Body().SetInt(KeyRcode, int64(code))
}

// Err returns nil for RcodeOK and an *RcodeError otherwise.
func (r *response) Err() error {
	if code := r.Rcode(); code != RcodeOK {
		return &RcodeError{Code: code}
	}
	return nil
}

func (r *response) checkRcode() error {
	if !r.Body().Is(KeyRcode, codec.KindIntegral) {
		return invalid("response without integral %q", KeyRcode)
	}
	return nil
}

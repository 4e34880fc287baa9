// Package protocol implements the length-value frame protocol used on every
// connection.
//
// It solves TCP's sticky packet problem with a length prefix: the receiver
// accumulates bytes in a buffer and only decodes once a whole frame is there.
// All integers are big-endian (network byte order).
//
// Frame format:
//
//	0          4          8          12             12+idLen
//	┌──────────┬──────────┬──────────┬──────────────┬───────────────┐
//	│ totalLen │ msgType  │  idLen   │     id       │    body ...   │
//	│  uint32  │  int32   │  uint32  │ idLen bytes  │  JSON object  │
//	└──────────┴──────────┴──────────┴──────────────┴───────────────┘
//
// totalLen counts every byte after the totalLen field itself, so
// bodyLen = totalLen - 8 - idLen.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Raykevin-live/RpcJsonix/codec"
	"github.com/Raykevin-live/RpcJsonix/message"
)

const (
	LenFieldSize   = 4
	TypeFieldSize  = 4
	IDLenFieldSize = 4
	HeaderSize     = LenFieldSize + TypeFieldSize + IDLenFieldSize

	// MaxBufferSize bounds the unread bytes a connection may hold while
	// waiting for a frame to complete.
	MaxBufferSize = 1 << 16
)

var (
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrBodyParse          = errors.New("protocol: body parse failed")
	ErrBodySerialize      = errors.New("protocol: body serialize failed")
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
)

// Protocol frames messages for one connection.
type Protocol interface {
	// CanProcessed reports whether buf holds at least one complete frame.
	// It never consumes bytes.
	CanProcessed(buf *bytes.Buffer) bool
	// Decode consumes exactly one frame from buf. The caller must check
	// CanProcessed first.
	Decode(buf *bytes.Buffer) (message.Message, error)
	Encode(msg message.Message) ([]byte, error)
}

// LVProtocol is the length-value Protocol with a pluggable body codec.
type LVProtocol struct {
	codec codec.Codec
}

// NewLVProtocol frames messages with the JSON codec.
func NewLVProtocol() *LVProtocol {
	return &LVProtocol{codec: codec.GetCodec(codec.CodecTypeJSON)}
}

// NewLVProtocolWithCodec frames messages with c.
func NewLVProtocolWithCodec(c codec.Codec) *LVProtocol {
	return &LVProtocol{codec: c}
}

// CanProcessed reports whether buf holds at least one complete frame.
func (p *LVProtocol) CanProcessed(buf *bytes.Buffer) bool {
	data := buf.Bytes()
	if len(data) < LenFieldSize {
		return false
	}
	total := binary.BigEndian.Uint32(data[:LenFieldSize])
	return uint64(len(data)) >= uint64(total)+LenFieldSize
}

// Decode reads one frame. The frame is consumed even when its type is unknown
// or its body fails to parse, so the caller may keep reading the stream.
func (p *LVProtocol) Decode(buf *bytes.Buffer) (message.Message, error) {
	data := buf.Bytes()
	if len(data) < LenFieldSize {
		return nil, fmt.Errorf("%w: incomplete length field", ErrMalformedFrame)
	}
	total := binary.BigEndian.Uint32(data[:LenFieldSize])
	if uint64(len(data)) < uint64(total)+LenFieldSize {
		return nil, fmt.Errorf("%w: incomplete frame", ErrMalformedFrame)
	}
	frame := buf.Next(LenFieldSize + int(total))[LenFieldSize:]

	if total < TypeFieldSize+IDLenFieldSize {
		return nil, fmt.Errorf("%w: total length %d shorter than header", ErrMalformedFrame, total)
	}
	msgType := message.MsgType(int32(binary.BigEndian.Uint32(frame[0:4])))
	idLen := binary.BigEndian.Uint32(frame[4:8])
	if uint64(idLen) > uint64(total)-TypeFieldSize-IDLenFieldSize {
		return nil, fmt.Errorf("%w: id length %d exceeds frame", ErrMalformedFrame, idLen)
	}
	id := string(frame[8 : 8+idLen])
	body := frame[8+idLen:]

	msg, err := message.New(msgType)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, int32(msgType))
	}
	doc, err := p.codec.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBodyParse, err)
	}
	msg.SetID(id)
	msg.SetBody(doc)
	return msg, nil
}

// Encode renders msg as one frame.
func (p *LVProtocol) Encode(msg message.Message) ([]byte, error) {
	body, err := p.codec.Serialize(msg.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBodySerialize, err)
	}
	id := msg.ID()
	total := TypeFieldSize + IDLenFieldSize + len(id) + len(body)

	out := make([]byte, LenFieldSize+total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	binary.BigEndian.PutUint32(out[4:8], uint32(int32(msg.Type())))
	binary.BigEndian.PutUint32(out[8:12], uint32(len(id)))
	copy(out[HeaderSize:], id)
	copy(out[HeaderSize+len(id):], body)
	return out, nil
}

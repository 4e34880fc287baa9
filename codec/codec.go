// Package codec provides the document body carried by every message and the
// serializer that turns it into bytes.
//
// A Document is a JSON object. Values stored in it keep their Go types when set
// locally (string, int64, bool, []any, Document ...); values produced by Parse
// use json.Number for numbers and map[string]any for nested objects. The typed
// getters and Kind accept both shapes.
package codec

import "errors"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

var (
	ErrSerialize = errors.New("codec: serialize failed")
	ErrParse     = errors.New("codec: parse failed")
)

// Codec serializes documents for the wire. Both directions are fallible.
type Codec interface {
	Serialize(doc Document) ([]byte, error)
	Parse(data []byte) (Document, error)
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	switch codecType {
	default:
		return &JSONCodec{}
	}
}

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Numbers are decoded as json.Number so integral and floating values stay
// distinguishable for parameter validation.
type JSONCodec struct{}

func (c *JSONCodec) Serialize(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	return data, nil
}

func (c *JSONCodec) Parse(data []byte) (Document, error) {
	doc := Document{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrParse)
	}
	if doc == nil {
		// body was the literal null
		doc = Document{}
	}
	return doc, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

package codec

import (
	"bytes"
	"encoding"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

// Kind is the JSON type tag of a document value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindIntegral
	KindNumeric
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindIntegral:
		return "integral"
	case KindNumeric:
		return "numeric"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Match reports whether v satisfies k. KindNumeric accepts every number,
// KindIntegral only whole numbers.
func (k Kind) Match(v any) bool {
	actual := KindOf(v)
	switch k {
	case KindNumeric:
		return actual == KindNumeric || actual == KindIntegral
	default:
		return actual == k
	}
}

// KindOf classifies a value by the JSON it encodes to. Typed slices, maps,
// structs and pointers are classified like their encoding.
func KindOf(v any) Kind {
	switch x := v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindIntegral
	case float32:
		return floatKind(float64(x))
	case float64:
		return floatKind(x)
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return KindIntegral
		}
		if f, err := x.Float64(); err == nil {
			return floatKind(f)
		}
		return KindNull
	case string:
		return KindString
	case []any:
		return KindArray
	case Document, map[string]any:
		return KindObject
	}
	return reflectKind(v)
}

func reflectKind(v any) Kind {
	switch v.(type) {
	case json.Marshaler:
		return marshalledKind(v)
	case encoding.TextMarshaler:
		return KindString
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return KindNull
		}
		rv = rv.Elem()
		if rv.CanInterface() && rv.Kind() != reflect.Interface {
			return KindOf(rv.Interface())
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return KindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return KindIntegral
	case reflect.Float32, reflect.Float64:
		return floatKind(rv.Float())
	case reflect.String:
		return KindString
	case reflect.Slice:
		if rv.IsNil() {
			return KindNull
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// encoding/json writes []byte as base64
			return KindString
		}
		return KindArray
	case reflect.Array:
		return KindArray
	case reflect.Map:
		if rv.IsNil() {
			return KindNull
		}
		return KindObject
	case reflect.Struct:
		return KindObject
	}
	return KindNull
}

// marshalledKind classifies v by the JSON its MarshalJSON produces.
func marshalledKind(v any) Kind {
	raw, err := json.Marshal(v)
	if err != nil {
		return KindNull
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return KindNull
	}
	return KindOf(decoded)
}

func floatKind(f float64) Kind {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return KindIntegral
	}
	return KindNumeric
}

// AsInt converts an integral document value to int64.
func AsInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		if f, err := x.Float64(); err == nil && floatKind(f) == KindIntegral {
			return int64(f), true
		}
	case float32:
		if floatKind(float64(x)) == KindIntegral {
			return int64(x), true
		}
	case float64:
		if floatKind(x) == KindIntegral {
			return int64(x), true
		}
	}
	return 0, false
}

// AsFloat converts any numeric document value to float64.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	if n, ok := AsInt(v); ok {
		return float64(n), true
	}
	return 0, false
}

// AsDocument converts an object value to a Document.
func AsDocument(v any) (Document, bool) {
	switch x := v.(type) {
	case Document:
		return x, true
	case map[string]any:
		return Document(x), true
	}
	return nil, false
}

// Document is a JSON object body.
type Document map[string]any

func New() Document {
	return Document{}
}

func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Kind returns the kind of the value under key, KindNull when absent.
func (d Document) Kind(key string) Kind {
	return KindOf(d[key])
}

// Is reports presence of key with a value matching kind.
func (d Document) Is(key string, kind Kind) bool {
	v, ok := d[key]
	return ok && kind.Match(v)
}

func (d Document) Get(key string) any {
	return d[key]
}

func (d Document) Set(key string, v any) {
	d[key] = v
}

func (d Document) Delete(key string) {
	delete(d, key)
}

func (d Document) GetString(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

func (d Document) GetInt(key string) (int64, bool) {
	return AsInt(d[key])
}

func (d Document) GetFloat(key string) (float64, bool) {
	return AsFloat(d[key])
}

func (d Document) GetBool(key string) (bool, bool) {
	b, ok := d[key].(bool)
	return b, ok
}

func (d Document) GetArray(key string) ([]any, bool) {
	a, ok := d[key].([]any)
	return a, ok
}

func (d Document) GetObject(key string) (Document, bool) {
	return AsDocument(d[key])
}

func (d Document) SetString(key, v string) { d[key] = v }
func (d Document) SetInt(key string, v int64) { d[key] = v }
func (d Document) SetBool(key string, v bool) { d[key] = v }
func (d Document) SetArray(key string, v []any) { d[key] = v }
func (d Document) SetObject(key string, v Document) { d[key] = v }

// Append adds v to the array under key, creating it when absent.
func (d Document) Append(key string, v any) {
	arr, _ := d[key].([]any)
	d[key] = append(arr, v)
}

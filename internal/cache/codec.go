package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes values for size estimation and compressed storage.
type Codec[V any] interface {
	Name() string
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// JSONCodec serializes with encoding/json. The zero value is ready to use.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Name() string               { return "json" }
func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

// MsgpackCodec serializes with vmihailenco/msgpack. The zero value is ready to use.
type MsgpackCodec[V any] struct{}

func (MsgpackCodec[V]) Name() string               { return "msgpack" }
func (MsgpackCodec[V]) Encode(v V) ([]byte, error) { return msgpack.Marshal(v) }
func (MsgpackCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// CBORCodec serializes with fxamacker/cbor. Construct with NewCBORCodec.
type CBORCodec[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBOR codec using preferred unsorted encoding and
// RFC3339Nano timestamps.
func NewCBORCodec[V any]() (CBORCodec[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBORCodec[V]{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBORCodec[V]{}, err
	}
	return CBORCodec[V]{enc: em, dec: dm}, nil
}

func (CBORCodec[V]) Name() string                 { return "cbor" }
func (c CBORCodec[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }
func (c CBORCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}

// CodecFor returns the codec registered under name (json, msgpack, cbor).
// Empty name selects json.
func CodecFor[V any](name string) (Codec[V], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec[V]{}, nil
	case "msgpack":
		return MsgpackCodec[V]{}, nil
	case "cbor":
		c, err := NewCBORCodec[V]()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown cache codec %q", name)
}

package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

var (
	ErrSerialization   = errors.New("objcache: serialization failed")
	ErrDeserialization = errors.New("objcache: deserialization failed")
	ErrDecompression   = errors.New("objcache: decompression failed")
	ErrUnknown         = errors.New("objcache: unknown codec")
)

// Serializer names accepted by ByName.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
	NameCBOR    = "cbor"
	NameRaw     = "raw" // []byte or string values only
)

// ByName resolves a serializer by its configuration name. Empty means JSON.
// Protobuf is only available through NewProtobuf.
func ByName[V any](name string) (Codec[V], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJSON:
		return JSON[V]{}, nil
	case NameMsgpack:
		return Msgpack[V]{}, nil
	case NameCBOR:
		c, err := NewCBOR[V](false)
		if err != nil {
			return nil, err
		}
		return c, nil
	case NameRaw:
		if c, ok := any(Bytes{}).(Codec[V]); ok {
			return c, nil
		}
		if c, ok := any(String{}).(Codec[V]); ok {
			return c, nil
		}
		var zero V
		return nil, fmt.Errorf("%w: raw serializer cannot hold %T", ErrUnknown, zero)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

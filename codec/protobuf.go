package codec

import "google.golang.org/protobuf/proto"

// Protobuf serializes a concrete message type. Deterministic marshaling keeps
// equal messages byte-identical on the backend.
// The zero value allocates messages through protoreflect.
type Protobuf[T proto.Message] struct {
	new func() T // e.g. func() *pb.Post { return &pb.Post{} }
}

// NewProtobuf uses ctor to allocate decode targets. A nil ctor behaves like the zero value.
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}
func (c Protobuf[T]) Decode(b []byte) (T, error) {
	var m T
	if c.new != nil {
		m = c.new()
	} else {
		var zero T
		m = zero.ProtoReflect().New().Interface().(T)
	}
	err := proto.Unmarshal(b, m)
	return m, err
}

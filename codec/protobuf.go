package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf encodes concrete proto messages.
type Protobuf[T proto.Message] struct {
	new func() T // e.g. func() *pb.Auction { return &pb.Auction{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

// Struct stores map[string]any documents as google.protobuf.Struct.
// Numbers come back as float64 and values must be JSON-representable;
// monetary fields are expected to be strings and survive unchanged.
type Struct struct {
	pb Protobuf[*structpb.Struct]
}

func NewStruct() Struct {
	return Struct{pb: NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })}
}

func (c Struct) Encode(v map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(v)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

func (c Struct) Decode(b []byte) (map[string]any, error) {
	s, err := c.pb.Decode(b)
	if err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

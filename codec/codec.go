// Package codec holds the value serializers a Store can use.
//
// Store payloads are Documents (map[string]any), so every codec here must
// round-trip nested maps as map[string]any rather than map[any]any.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

package codec

import (
	"bytes"
	"encoding/json"
)

// JSON encodes with encoding/json. Decode keeps numbers as json.Number so a
// numeric field is never rounded through float64 between write and read.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	err := dec.Decode(&v)
	return v, err
}

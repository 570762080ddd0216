package codec

import "encoding/json"

// JSON is the default serializer. Counters written through it stay plain
// ASCII integers on the backend, so INCRBY/DECRBY keep working.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

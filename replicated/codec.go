package replicated

import (
	"encoding/json"
)

// Codec turns keys or values into bytes and back.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// BytesCodec passes byte slices through unchanged.
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) {
	return append([]byte{}, v...), nil
}

func (BytesCodec) Decode(data []byte) ([]byte, error) {
	return append([]byte{}, data...), nil
}

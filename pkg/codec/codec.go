// pkg/codec/codec.go
package codec

import (
	"encoding/json"
	"fmt"
)

// Serializer turns outbound values into frames and inbound frames back into
// generic values (maps, slices, float64, string, bool, nil).
type Serializer interface {
	// Serialize encodes v into a wire frame.
	Serialize(v any) ([]byte, error)
	// Deserialize decodes a wire frame.
	Deserialize(b []byte) (any, error)
}

// NewJSON returns the default JSON serializer.
func NewJSON() Serializer {
	return jsonSerializer{}
}

type jsonSerializer struct{}

func (jsonSerializer) Serialize(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: serialize: %w", err)
	}
	return b, nil
}

func (jsonSerializer) Deserialize(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("codec: deserialize: %w", err)
	}
	return v, nil
}

// Decode re-encodes a generic value into a typed one using s.
func Decode[T any](s Serializer, v any) (T, error) {
	var out T
	raw, err := s.Serialize(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("codec: decode into %T: %w", out, err)
	}
	return out, nil
}

// Package packet defines the typed packet registry and the core packet
// catalog. A Type pairs an identifier with a payload codec; the typed
// handle is parametric while the registry stores the erased form, and the
// concrete decode path is re-imposed when a handler is registered.
package packet

import (
	"fmt"

	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// Type is a registered packet type. The identifier's key is the on-wire
// discriminator; the codec converts the payload.
type Type struct {
	ID protocol.Identifier

	encode func(any) ([]byte, error)
	decode func([]byte) (any, error)
}

// NewType creates a packet type from a typed codec. The erased wrapper
// rejects payload values of the wrong dynamic type at send time.
func NewType[T any](id protocol.Identifier, c codec.Codec[T]) *Type {
	return &Type{
		ID: id,
		encode: func(v any) ([]byte, error) {
			t, ok := v.(T)
			if !ok {
				return nil, fmt.Errorf("packet %s: payload is %T, want %T", id, v, t)
			}
			return c.Encode(t)
		},
		decode: func(b []byte) (any, error) {
			v, err := c.Decode(b)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Encode serializes a payload value for this type.
func (t *Type) Encode(v any) ([]byte, error) {
	return t.encode(v)
}

// Decode deserializes a payload for this type.
func (t *Type) Decode(b []byte) (any, error) {
	return t.decode(b)
}

// Packet is one on-wire message: a type plus its decoded payload.
type Packet struct {
	Type *Type
	Data any
}

// New pairs a type with a payload value.
func New(t *Type, data any) Packet {
	return Packet{Type: t, Data: data}
}

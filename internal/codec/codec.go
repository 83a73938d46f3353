// Package codec provides the composable encode/decode pipelines used by
// every packet payload. A Codec is typed; combinators build aggregate
// codecs (slices, string-keyed maps) on top of element codecs using the
// shared wire primitives.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// Codec converts between a value and its wire bytes.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

type funcs[T any] struct {
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
}

func (f funcs[T]) Encode(v T) ([]byte, error) { return f.encode(v) }
func (f funcs[T]) Decode(b []byte) (T, error) { return f.decode(b) }

// Of builds a codec from an encode/decode pair.
func Of[T any](encode func(T) ([]byte, error), decode func([]byte) (T, error)) Codec[T] {
	return funcs[T]{encode: encode, decode: decode}
}

// Raw is the identity codec over byte slices.
func Raw() Codec[[]byte] {
	return funcs[[]byte]{
		encode: func(b []byte) ([]byte, error) { return b, nil },
		decode: func(b []byte) ([]byte, error) { return b, nil },
	}
}

// JSON marshals values through encoding/json.
func JSON[T any]() Codec[T] {
	return funcs[T]{
		encode: func(v T) ([]byte, error) { return json.Marshal(v) },
		decode: func(b []byte) (T, error) {
			var v T
			if err := json.Unmarshal(b, &v); err != nil {
				return v, err
			}
			return v, nil
		},
	}
}

// String encodes a bare UTF-8 string payload.
func String() Codec[string] {
	return funcs[string]{
		encode: func(s string) ([]byte, error) { return []byte(s), nil },
		decode: func(b []byte) (string, error) { return string(b), nil },
	}
}

// Empty encodes the unit payload; the wire form is zero bytes.
func Empty() Codec[struct{}] {
	return funcs[struct{}]{
		encode: func(struct{}) ([]byte, error) { return nil, nil },
		decode: func(b []byte) (struct{}, error) {
			if len(b) != 0 {
				return struct{}{}, fmt.Errorf("codec: expected empty payload, got %d bytes", len(b))
			}
			return struct{}{}, nil
		},
	}
}

// Identifier encodes an identifier as its canonical key.
func Identifier() Codec[protocol.Identifier] {
	return funcs[protocol.Identifier]{
		encode: func(id protocol.Identifier) ([]byte, error) { return []byte(id.Key()), nil },
		decode: func(b []byte) (protocol.Identifier, error) { return protocol.ParseIdentifier(string(b)) },
	}
}

// Slice lifts an element codec to a length-prefixed array codec.
func Slice[T any](elem Codec[T]) Codec[[]T] {
	return funcs[[]T]{
		encode: func(items []T) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteU32(uint32(len(items)))
			for _, item := range items {
				b, err := elem.Encode(item)
				if err != nil {
					return nil, err
				}
				w.WriteBytes(b)
			}
			return w.Bytes(), nil
		},
		decode: func(b []byte) ([]T, error) {
			r := protocol.NewByteReader(b)
			n := r.ReadU32()
			items := make([]T, 0, n)
			for i := uint32(0); i < n; i++ {
				item, err := decodeElem(elem, r.ReadBytes(), r)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
			if err := r.Finish(); err != nil {
				return nil, err
			}
			return items, nil
		},
	}
}

// MapOf lifts an element codec to an insertion-order-preserving map codec
// keyed by string. The wire form is a count followed by key/value pairs.
func MapOf[T any](elem Codec[T]) Codec[map[string]T] {
	return funcs[map[string]T]{
		encode: func(items map[string]T) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteU32(uint32(len(items)))
			for key, item := range items {
				w.WriteString(key)
				b, err := elem.Encode(item)
				if err != nil {
					return nil, err
				}
				w.WriteBytes(b)
			}
			return w.Bytes(), nil
		},
		decode: func(b []byte) (map[string]T, error) {
			r := protocol.NewByteReader(b)
			n := r.ReadU32()
			items := make(map[string]T, n)
			for i := uint32(0); i < n; i++ {
				key := r.ReadString()
				item, err := decodeElem(elem, r.ReadBytes(), r)
				if err != nil {
					return nil, err
				}
				items[key] = item
			}
			if err := r.Finish(); err != nil {
				return nil, err
			}
			return items, nil
		},
	}
}

// Pipe composes two codecs: outer runs over inner's wire form.
func Pipe[T, M any](first func(T) (M, error), firstInv func(M) (T, error), inner Codec[M]) Codec[T] {
	return funcs[T]{
		encode: func(v T) ([]byte, error) {
			m, err := first(v)
			if err != nil {
				return nil, err
			}
			return inner.Encode(m)
		},
		decode: func(b []byte) (T, error) {
			var zero T
			m, err := inner.Decode(b)
			if err != nil {
				return zero, err
			}
			return firstInv(m)
		},
	}
}

func decodeElem[T any](elem Codec[T], raw []byte, r *protocol.ByteReader) (T, error) {
	var zero T
	if err := r.Err(); err != nil {
		return zero, err
	}
	return elem.Decode(raw)
}

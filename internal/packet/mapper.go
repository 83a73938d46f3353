package packet

import (
	"errors"
	"fmt"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// ErrUnknownType marks a wire type-key with no registered packet type.
// Receiving one is a protocol violation and disconnects the sender.
var ErrUnknownType = errors.New("packet: unknown type")

// Mapper is the bi-directional registry between packet types and their
// wire form. Registration happens once at server construction, so reads
// are unsynchronized.
type Mapper struct {
	types map[string]*Type
}

// NewMapper returns an empty registry.
func NewMapper() *Mapper {
	return &Mapper{types: make(map[string]*Type)}
}

// Register adds packet types; duplicate identifiers are a wiring bug.
func (m *Mapper) Register(types ...*Type) error {
	for _, t := range types {
		key := t.ID.Key()
		if _, ok := m.types[key]; ok {
			return fmt.Errorf("packet type %s already registered", key)
		}
		m.types[key] = t
	}
	return nil
}

// Lookup resolves a wire type-key.
func (m *Mapper) Lookup(key string) (*Type, bool) {
	t, ok := m.types[key]
	return t, ok
}

// Encode serializes a packet into its wire frame payload: a
// length-prefixed type-key followed by a length-prefixed payload.
func (m *Mapper) Encode(p Packet) ([]byte, error) {
	data, err := p.Type.Encode(p.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type.ID, err)
	}
	w := protocol.NewByteWriter()
	w.WriteString(p.Type.ID.Key())
	w.WriteBytes(data)
	return w.Bytes(), nil
}

// Decode parses one wire frame into a packet. An unregistered type-key
// returns ErrUnknownType; a payload the codec rejects returns
// ErrInvalidData, both wrapped with the offending key.
func (m *Mapper) Decode(frame []byte) (Packet, error) {
	r := protocol.NewByteReader(frame)
	key := r.ReadString()
	payload := r.ReadBytes()
	if err := r.Finish(); err != nil {
		return Packet{}, fmt.Errorf("packet frame: %w", err)
	}
	t, ok := m.types[key]
	if !ok {
		return Packet{}, fmt.Errorf("%w: %s", ErrUnknownType, key)
	}
	data, err := t.Decode(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	return Packet{Type: t, Data: data}, nil
}

// ErrInvalidData marks a payload the registered codec could not decode.
var ErrInvalidData = errors.New("packet: invalid data")

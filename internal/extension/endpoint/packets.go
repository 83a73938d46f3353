// Package endpoint implements typed request/response between apps, plus
// server-hosted endpoints. Calls are correlated by (endpoint id, caller
// key); the key is a caller-local monotonic u32.
package endpoint

import (
	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// Registration declares one endpoint an app exposes, with an optional
// gating permission.
type Registration struct {
	ID         protocol.Identifier  `json:"id"`
	Permission *protocol.Identifier `json:"permission,omitempty"`
}

// Data is the shared shape of CALL and RECEIVE packets.
type Data struct {
	ID   protocol.Identifier
	Key  uint32
	Data []byte
}

// ErrorData reports a failed call back to the caller.
type ErrorData struct {
	ID    protocol.Identifier
	Key   uint32
	Error string
}

func dataCodec() codec.Codec[Data] {
	return codec.Of(
		func(d Data) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteString(d.ID.Key())
			w.WriteU32(d.Key)
			w.WriteBytes(d.Data)
			return w.Bytes(), nil
		},
		func(b []byte) (Data, error) {
			r := protocol.NewByteReader(b)
			key := r.ReadString()
			callKey := r.ReadU32()
			payload := r.ReadBytes()
			if err := r.Finish(); err != nil {
				return Data{}, err
			}
			id, err := protocol.ParseIdentifier(key)
			if err != nil {
				return Data{}, err
			}
			return Data{ID: id, Key: callKey, Data: payload}, nil
		},
	)
}

func errorCodec() codec.Codec[ErrorData] {
	return codec.Of(
		func(d ErrorData) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteString(d.ID.Key())
			w.WriteU32(d.Key)
			w.WriteString(d.Error)
			return w.Bytes(), nil
		},
		func(b []byte) (ErrorData, error) {
			r := protocol.NewByteReader(b)
			key := r.ReadString()
			callKey := r.ReadU32()
			msg := r.ReadString()
			if err := r.Finish(); err != nil {
				return ErrorData{}, err
			}
			id, err := protocol.ParseIdentifier(key)
			if err != nil {
				return ErrorData{}, err
			}
			return ErrorData{ID: id, Key: callKey, Error: msg}, nil
		},
	)
}

var (
	extID = protocol.MustIdentifier("ext", "endpoint")

	// RegisterPacket lists the endpoints a session exposes.
	RegisterPacket = packet.NewType(extID.Join("register"), codec.JSON[[]Registration]())
	// CallPacket carries a request toward the endpoint owner.
	CallPacket = packet.NewType(extID.Join("call"), dataCodec())
	// ReceivePacket carries a successful response back to the caller.
	ReceivePacket = packet.NewType(extID.Join("receive"), dataCodec())
	// ErrorPacket carries a failure back to the caller.
	ErrorPacket = packet.NewType(extID.Join("error"), errorCodec())
)

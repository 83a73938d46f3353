package packet

import (
	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// Core packet catalog under core:packet/<name>. Every other packet type
// lives under ext:<extension>/<name> and is registered by its extension.

// ConnectData is the first packet of every session.
type ConnectData struct {
	App   protocol.App `json:"app"`
	Token string       `json:"token,omitempty"`
}

// DisconnectData tells the peer why the session is going away.
type DisconnectData struct {
	Reason  DisconnectReason `json:"type"`
	Message string           `json:"message,omitempty"`
}

var (
	coreID = protocol.MustIdentifier("core", "packet")

	// Connect opens the handshake; payload carries the app and an
	// optional persisted token.
	Connect = NewType(coreID.Join("connect"), codec.JSON[ConnectData]())

	// Disconnect carries the typed disconnect reason.
	Disconnect = NewType(coreID.Join("disconnect"), codec.JSON[DisconnectData]())

	// Token echoes the validated or freshly minted app token.
	Token = NewType(coreID.Join("token"), codec.JSON[string]())

	// Ready is sent by the client when its setup packets are flushed and
	// by the server once every ready task has resolved.
	Ready = NewType(coreID.Join("ready"), codec.Empty())
)

// Core lists the packet types every session understands.
func Core() []*Type {
	return []*Type{Connect, Disconnect, Token, Ready}
}

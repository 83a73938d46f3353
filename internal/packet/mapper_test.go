package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/protocol"
)

func TestMapperRoundTrip(t *testing.T) {
	m := NewMapper()
	require.NoError(t, m.Register(Core()...))

	frame, err := m.Encode(New(Connect, ConnectData{
		App: protocol.App{ID: protocol.MustIdentifier("com.example", "app"), Version: "1.0.0"},
	}))
	require.NoError(t, err)

	pkt, err := m.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Connect, pkt.Type)
	data := pkt.Data.(ConnectData)
	assert.Equal(t, "com.example:app", data.App.Key())
	assert.Equal(t, "1.0.0", data.App.Version)
}

func TestMapperDuplicateRegistration(t *testing.T) {
	m := NewMapper()
	require.NoError(t, m.Register(Connect))
	assert.Error(t, m.Register(Connect))
}

func TestMapperUnknownType(t *testing.T) {
	m := NewMapper()
	require.NoError(t, m.Register(Core()...))

	other := NewType(protocol.MustIdentifier("ext", "nowhere", "packet"), codec.String())
	frame, err := (&Mapper{types: map[string]*Type{other.ID.Key(): other}}).Encode(New(other, "x"))
	require.NoError(t, err)

	_, err = m.Decode(frame)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestMapperInvalidData(t *testing.T) {
	m := NewMapper()
	require.NoError(t, m.Register(Connect))

	w := protocol.NewByteWriter()
	w.WriteString(Connect.ID.Key())
	w.WriteBytes([]byte("{broken"))

	_, err := m.Decode(w.Bytes())
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestMapperMalformedFrame(t *testing.T) {
	m := NewMapper()
	require.NoError(t, m.Register(Core()...))

	// Truncated type-key length prefix.
	_, err := m.Decode([]byte{0, 0})
	assert.Error(t, err)

	// Trailing garbage after the payload.
	frame, err := m.Encode(New(Ready, struct{}{}))
	require.NoError(t, err)
	_, err = m.Decode(append(frame, 0xFF))
	assert.Error(t, err)
}

func TestDisconnectError(t *testing.T) {
	err := Disconnectf(DisconnectInvalidToken, "token for %s", "com.example:app")
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, DisconnectInvalidToken, de.Reason)
	assert.Contains(t, de.Message, "com.example:app")

	assert.True(t, DisconnectInvalidToken.IsError())
	assert.False(t, DisconnectShutdown.IsError())
	assert.False(t, DisconnectClose.IsError())
}

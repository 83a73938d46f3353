package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

func TestJSONCodec(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	c := JSON[payload]()

	b, err := c.Encode(payload{Name: "x", Count: 3})
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, payload{Name: "x", Count: 3}, got)

	_, err = c.Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestEmptyCodec(t *testing.T) {
	c := Empty()
	b, err := c.Encode(struct{}{})
	require.NoError(t, err)
	assert.Empty(t, b)

	_, err = c.Decode([]byte{1})
	assert.Error(t, err)
}

func TestIdentifierCodec(t *testing.T) {
	c := Identifier()
	id := protocol.MustIdentifier("com.example", "app")

	b, err := c.Encode(id)
	require.NoError(t, err)
	assert.Equal(t, "com.example:app", string(b))

	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.True(t, id.Equal(got))

	_, err = c.Decode([]byte("no-separator"))
	assert.Error(t, err)
}

func TestSliceCodec(t *testing.T) {
	c := Slice(Identifier())
	ids := []protocol.Identifier{
		protocol.MustIdentifier("a", "one"),
		protocol.MustIdentifier("b", "two", "three"),
	}

	b, err := c.Encode(ids)
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	empty, err := c.Decode(mustEncode(t, c, nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMapCodec(t *testing.T) {
	c := MapOf(String())
	in := map[string]string{"a": "1", "b": "2"}

	b, err := c.Encode(in)
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestSliceCodecTruncated(t *testing.T) {
	c := Slice(String())
	b, err := c.Encode([]string{"hello", "world"})
	require.NoError(t, err)

	_, err = c.Decode(b[:len(b)-3])
	assert.Error(t, err)
}

func mustEncode[T any](t *testing.T, c Codec[T], v T) []byte {
	t.Helper()
	b, err := c.Encode(v)
	require.NoError(t, err)
	return b
}

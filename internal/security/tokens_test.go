package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

func testApp(path string) protocol.App {
	return protocol.App{ID: protocol.MustIdentifier("com.example", path), Version: "1.0.0"}
}

func TestTokenGenerateValidate(t *testing.T) {
	store, err := OpenTokenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	app := testApp("app")
	token, err := store.Generate(app)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ok, err := store.Validate(app, token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Validate(app, "bogus")
	require.NoError(t, err)
	assert.False(t, ok)

	// Tokens are bound to the app identifier.
	ok, err = store.Validate(testApp("other"), token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	app := testApp("app")

	store, err := OpenTokenStore(dir)
	require.NoError(t, err)
	token, err := store.Generate(app)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenTokenStore(dir)
	require.NoError(t, err)
	defer store.Close()

	ok, err := store.Validate(app, token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTokenMultiplePerApp(t *testing.T) {
	store, err := OpenTokenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	app := testApp("app")
	first, err := store.Generate(app)
	require.NoError(t, err)
	second, err := store.Generate(app)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	for _, token := range []string{first, second} {
		ok, err := store.Validate(app, token)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

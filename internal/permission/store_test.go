package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

func TestStoreGrantAndLoad(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	token := "tok-1"
	grants, err := store.Grants(token)
	require.NoError(t, err)
	assert.Empty(t, grants)

	a := protocol.MustIdentifier("com.example", "perm", "a")
	b := protocol.MustIdentifier("com.example", "perm", "b")
	require.NoError(t, store.Grant(token, a, b))

	grants, err = store.Grants(token)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.True(t, grants[0].Equal(a))
	assert.True(t, grants[1].Equal(b))
}

func TestStoreGrantMerges(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	token := "tok-1"
	a := protocol.MustIdentifier("com.example", "perm", "a")
	b := protocol.MustIdentifier("com.example", "perm", "b")

	require.NoError(t, store.Grant(token, a))
	// Regranting a and adding b must not duplicate a.
	require.NoError(t, store.Grant(token, a, b))

	grants, err := store.Grants(token)
	require.NoError(t, err)
	require.Len(t, grants, 2)
}

func TestStoreTokensAreIsolated(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	a := protocol.MustIdentifier("com.example", "perm", "a")
	require.NoError(t, store.Grant("tok-1", a))

	grants, err := store.Grants("tok-2")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	a := protocol.MustIdentifier("com.example", "perm", "a")

	store, err := OpenStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Grant("tok-1", a))
	require.NoError(t, store.Close())

	store, err = OpenStore(dir)
	require.NoError(t, err)
	defer store.Close()

	grants, err := store.Grants("tok-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].Equal(a))
}

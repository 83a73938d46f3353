package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantNS  string
		wantPth []string
		wantErr bool
	}{
		{name: "simple", key: "com.example:app", wantNS: "com.example", wantPth: []string{"app"}},
		{name: "nested path", key: "com.example:app/table/items", wantNS: "com.example", wantPth: []string{"app", "table", "items"}},
		{name: "dashes and underscores", key: "my-ns_1:seg-one", wantNS: "my-ns_1", wantPth: []string{"seg-one"}},
		{name: "missing separator", key: "com.example", wantErr: true},
		{name: "empty path", key: "com.example:", wantErr: true},
		{name: "colon in segment", key: "ns:a:b", wantErr: true},
		{name: "dot in segment", key: "ns:a.b", wantErr: true},
		{name: "empty segment", key: "ns:a//b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseIdentifier(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNS, id.Namespace)
			assert.Equal(t, tt.wantPth, id.Path)
			assert.Equal(t, tt.key, id.Key())
		})
	}
}

func TestIdentifierSubpath(t *testing.T) {
	app := MustIdentifier("com.example", "app")
	table := app.Join("table", "items")

	assert.True(t, table.IsSubpathOf(app))
	assert.True(t, app.IsSubpathOf(app))
	assert.False(t, app.IsSubpathOf(table))
	assert.False(t, MustIdentifier("org.other", "app").IsSubpathOf(app))
}

func TestIdentifierFromURL(t *testing.T) {
	id, err := IdentifierFromURL("https://app.example.com/studio/main")
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", id.Namespace)
	assert.Equal(t, []string{"studio", "main"}, id.Path)

	id, err = IdentifierFromURL("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "com.example:-", id.Key())
}

func TestReverseHost(t *testing.T) {
	assert.Equal(t, "com.example.app", ReverseHost("app.example.com"))
	assert.Equal(t, "localhost", ReverseHost("localhost"))
}

func TestSanitizedPath(t *testing.T) {
	id := MustIdentifier("com.example", "app", "state")
	assert.Equal(t, "com.example/app/state", id.SanitizedPath())

	// Hostile segments cannot introduce separators or dot-dot.
	hostile := Identifier{Namespace: "com.example", Path: []string{"../etc", "pass wd"}}
	path := hostile.SanitizedPath()
	assert.NotContains(t, path, "..")
	assert.Equal(t, "com.example/_etc/pass_wd", path)
}

func TestIdentifierTextRoundTrip(t *testing.T) {
	id := MustIdentifier("com.example", "app", "x")
	text, err := id.MarshalText()
	require.NoError(t, err)

	var back Identifier
	require.NoError(t, back.UnmarshalText(text))
	assert.True(t, id.Equal(back))
}

package protocol

import "encoding/json"

// App identifies a connecting client: an identifier plus optional
// version, URL and free-form metadata.
type App struct {
	ID       Identifier      `json:"id"`
	Version  string          `json:"version,omitempty"`
	URL      string          `json:"url,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Key returns the app identifier's canonical key.
func (a App) Key() string {
	return a.ID.Key()
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Directories is the on-disk layout under the data directory.
type Directories struct {
	Root        string
	Tables      string
	Registry    string
	Security    string
	Permissions string
	Assets      string
}

// NewDirectories derives the layout from a data directory root.
func NewDirectories(root string) Directories {
	return Directories{
		Root:        root,
		Tables:      filepath.Join(root, "tables"),
		Registry:    filepath.Join(root, "registry"),
		Security:    filepath.Join(root, "security"),
		Permissions: filepath.Join(root, "permissions"),
		Assets:      filepath.Join(root, "assets"),
	}
}

// MkdirAll creates every directory in the layout.
func (d Directories) MkdirAll() error {
	for _, dir := range []string{d.Root, d.Tables, d.Registry, d.Security, d.Permissions, d.Assets} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

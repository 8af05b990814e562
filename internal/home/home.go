// Package home manages the rapidlog home directory layout.
//
// The home directory owns all persistent state of a single node: the
// document store file and the node identity.
//
// Layout:
//
//	<root>/
//	  node_id                          (persistent node identity)
//	  store.db      or  store.bolt     (document store, type-dependent)
//	  repositories.json                (optional repository definitions)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a rapidlog home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/rapidlog
//   - macOS:   ~/Library/Application Support/rapidlog
//   - Windows: %APPDATA%/rapidlog
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "rapidlog")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// StorePath returns the path of the document store file for the given
// store type ("sqlite" -> store.db, "bolt" -> store.bolt).
func (d Dir) StorePath(storeType string) string {
	switch storeType {
	case "bolt":
		return filepath.Join(d.root, "store.bolt")
	default:
		return filepath.Join(d.root, "store.db")
	}
}

// RepositoriesPath returns the default path of the repository definition file.
func (d Dir) RepositoriesPath() string {
	return filepath.Join(d.root, "repositories.json")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// NodeID reads the persistent node identity from <root>/node_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) NodeID() (string, error) {
	return d.readOrCreate("node_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: node-id file is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}

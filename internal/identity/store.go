package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore persists the identity blob to a single file with owner-only
// permissions.
type FileStore struct {
	Path string
}

// NewFileStore creates a file-backed identity store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the identity blob. Returns ErrNotFound if the file does
// not exist yet.
func (s *FileStore) Load() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file %s: %w", s.Path, err)
	}
	return data, nil
}

// Save writes the identity blob, creating parent directories as needed.
func (s *FileStore) Save(blob []byte) error {
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create identity directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.Path, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file %s: %w", s.Path, err)
	}
	return nil
}

package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileStore keeps the map in a YAML document on disk.
type FileStore struct {
	memory
	path string
}

// NewFileStore creates a store backed by path. Nothing is read until Load.
func NewFileStore(path string) *FileStore {
	return &FileStore{memory: memory{values: make(map[string]string)}, path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads the file. A missing file yields an empty store.
func (s *FileStore) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("kvstore: read %s: %w", s.path, err)
	}

	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("kvstore: parse %s: %w", s.path, err)
	}
	s.replace(values)
	return nil
}

// Save writes the map through a temp file and rename so a crash never
// leaves a truncated document.
func (s *FileStore) Save() error {
	data, err := yaml.Marshal(s.snapshot())
	if err != nil {
		return fmt.Errorf("kvstore: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("kvstore: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".kvstore-*")
	if err != nil {
		return fmt.Errorf("kvstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: replace %s: %w", s.path, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

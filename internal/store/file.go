// internal/store/file.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"example.com/backstage/services/endpoint/internal/core"
)

const fileFormatVersion = 1

// fileImage is the on-disk layout of a FileBackend.
type fileImage struct {
	Version    int                          `json:"version"`
	Namespaces map[string]map[string]string `json:"namespaces"`
}

// FileBackend persists all namespaces in a single JSON file. Every commit
// writes a complete new image to a temp file, syncs it, and renames it over
// the old one, so a crash leaves either the old or the new image.
type FileBackend struct {
	path  string
	mu    sync.Mutex
	image fileImage
}

// NewFileBackend creates a file backend rooted at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Open loads the image from disk. A missing file is an empty store.
func (f *FileBackend) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create store directory: %v", core.ErrStorageUnavailable, err)
	}

	f.image = fileImage{Version: fileFormatVersion, Namespaces: make(map[string]map[string]string)}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read store file: %v", core.ErrStorageUnavailable, err)
	}

	var image fileImage
	if err := json.Unmarshal(data, &image); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	if image.Version != fileFormatVersion {
		return fmt.Errorf("%w: unknown format version %d", core.ErrCorrupt, image.Version)
	}
	if image.Namespaces == nil {
		image.Namespaces = make(map[string]map[string]string)
	}
	f.image = image

	return nil
}

func (f *FileBackend) Load(ctx context.Context, namespace string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneValues(f.image.Namespaces[namespace]), nil
}

func (f *FileBackend) Commit(ctx context.Context, changes Changes) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := fileImage{Version: fileFormatVersion, Namespaces: make(map[string]map[string]string, len(f.image.Namespaces))}
	for ns, values := range f.image.Namespaces {
		next.Namespaces[ns] = values
	}
	for ns, values := range changes {
		if len(values) == 0 {
			delete(next.Namespaces, ns)
			continue
		}
		next.Namespaces[ns] = cloneValues(values)
	}

	if err := f.writeImage(next); err != nil {
		return err
	}
	f.image = next
	return nil
}

func (f *FileBackend) Erase(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to erase store file: %v", core.ErrStorageUnavailable, err)
	}
	f.image = fileImage{Version: fileFormatVersion, Namespaces: make(map[string]map[string]string)}
	return nil
}

func (f *FileBackend) Close() error { return nil }

// writeImage replaces the store file with image.
func (f *FileBackend) writeImage(image fileImage) error {
	data, err := json.MarshalIndent(image, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store image: %w", err)
	}

	tempPath := f.path + ".tmp"
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: failed to create temp store file: %v", core.ErrStorageUnavailable, err)
	}

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("%w: failed to write temp store file: %v", core.ErrStorageUnavailable, err)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("%w: failed to sync temp store file: %v", core.ErrStorageUnavailable, err)
	}

	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: failed to close temp store file: %v", core.ErrStorageUnavailable, err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: failed to replace store file: %v", core.ErrStorageUnavailable, err)
	}

	// Persist the rename itself.
	if dir, err := os.Open(filepath.Dir(f.path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

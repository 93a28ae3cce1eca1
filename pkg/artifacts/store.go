// Package artifacts stores intake documents under caller-chosen keys.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for a key that has no document.
var ErrNotFound = errors.New("document not found")

// Store persists documents by key.
type Store interface {
	// Put writes data under key, replacing any previous document, and
	// returns where it was stored (a path or an object URL).
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects keys that could escape the store's namespace.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("invalid document key: empty")
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("invalid document key %q: separators not allowed", key)
	case key == "." || key == "..":
		return fmt.Errorf("invalid document key %q", key)
	}
	return nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared intake directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure intake dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// BaseDir returns the directory documents are written to.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func (s *FileStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, key), nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write to temp, then rename
	tmp, err := os.CreateTemp(s.baseDir, ".upload-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp document: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close document: %w", err)
	}
	//nolint:gosec // G302: intake documents are read by downstream stages
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to chmod document: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to commit document: %w", err)
	}
	return path, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path) //nolint:gosec // key validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	defer f.Close() //nolint:errcheck // best-effort close

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	//nolint:wrapcheck // caller provides context
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

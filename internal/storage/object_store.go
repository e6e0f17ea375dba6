package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidObjectPath indicates the object path is empty or escapes the store root.
	ErrInvalidObjectPath = errors.New("storage: invalid object path")
)

// ObjectStore persists uploaded objects on the local filesystem and resolves
// public download URLs for them.
type ObjectStore struct {
	root       string
	publicBase string
}

// NewObjectStore prepares the store root directory.
func NewObjectStore(root, publicBase string) (*ObjectStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &ObjectStore{
		root:       root,
		publicBase: strings.TrimRight(publicBase, "/"),
	}, nil
}

// Upload writes the object under the store root, creating parent directories
// as needed, and returns the number of bytes written.
func (s *ObjectStore) Upload(ctx context.Context, objectPath string, reader io.Reader) (int64, error) {
	local, err := s.localPath(objectPath)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, fmt.Errorf("storage: create object directory: %w", err)
	}
	file, err := os.Create(local)
	if err != nil {
		return 0, fmt.Errorf("storage: create object: %w", err)
	}
	written, err := io.Copy(file, reader)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("storage: write object: %w", err)
	}
	return written, nil
}

// Remove deletes a stored object. Removing a missing object is not an error.
func (s *ObjectStore) Remove(objectPath string) error {
	local, err := s.localPath(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove object: %w", err)
	}
	return nil
}

// PublicURL resolves the public download reference for a stored object.
func (s *ObjectStore) PublicURL(objectPath string) string {
	return s.publicBase + "/" + strings.TrimLeft(path.Clean(objectPath), "/")
}

// Root exposes the store root for static file serving.
func (s *ObjectStore) Root() string {
	return s.root
}

func (s *ObjectStore) localPath(objectPath string) (string, error) {
	cleaned := path.Clean(strings.TrimLeft(objectPath, "/"))
	if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidObjectPath, objectPath)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

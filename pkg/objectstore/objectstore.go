// Package objectstore defines the deletion contract the engine holds against
// external binary storage, plus a local-disk implementation.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Deleter removes a stored binary object by key. Reads and writes are owned
// by collaborators outside the engine; only deletion matters here.
type Deleter interface {
	Delete(ctx context.Context, objectKey string) error
}

// DiskStore stores objects as files under a root directory, keyed by their
// storage key.
type DiskStore struct {
	root string
}

// NewDiskStore creates a disk store rooted at dir.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{root: dir}
}

// Delete removes the object file for a key. A missing file is not an error;
// a key escaping the root directory is rejected.
func (s *DiskStore) Delete(ctx context.Context, objectKey string) error {
	path := filepath.Join(s.root, filepath.FromSlash(objectKey))

	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("object key %q resolves outside the store root", objectKey)
	}

	err = os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", objectKey, err)
	}

	return nil
}

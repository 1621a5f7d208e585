package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend stores objects as plain files under a root directory.
// Keys are slash-separated relative paths.
type FileBackend struct {
	root string
}

// NewFileBackend constructs a filesystem backend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file storage directory is required")
	}
	return &FileBackend{root: dir}, nil
}

// EnsureBucket creates the root directory if it does not exist.
func (f *FileBackend) EnsureBucket(ctx context.Context) error {
	return os.MkdirAll(f.root, 0o755)
}

// Put writes an object to a file under the root directory.
func (f *FileBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// Get opens a reader for a stored file.
func (f *FileBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Delete removes a stored file. A missing file is not an error.
func (f *FileBackend) Delete(ctx context.Context, key string) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Bucket returns the root directory.
func (f *FileBackend) Bucket() string {
	return f.root
}

// resolve maps a key to a path under the root, rejecting traversal.
func (f *FileBackend) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.New("invalid storage key")
	}
	return filepath.Join(f.root, clean), nil
}

package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Blobs stores page image bytes under content-addressed keys.
type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// DirBlobs keeps blobs in a local directory, fanned out by key prefix.
type DirBlobs struct {
	Root string
}

// NewDirBlobs creates the root directory if needed.
func NewDirBlobs(root string) (*DirBlobs, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DirBlobs{Root: root}, nil
}

func (d *DirBlobs) path(key string) string {
	if len(key) < 2 {
		return filepath.Join(d.Root, key)
	}
	return filepath.Join(d.Root, key[:2], key)
}

// Put writes to a temporary file and renames it into place, so a blob is
// either complete or absent.
func (d *DirBlobs) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dst := d.path(key)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".%s.tmp", uuid.New()))
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Get opens a blob for reading.
func (d *DirBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(d.path(key))
}

// Exists reports whether a blob is present.
func (d *DirBlobs) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

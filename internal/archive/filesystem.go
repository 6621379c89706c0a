package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"tmlsync/internal/catalog"
)

// FileSystemArchive stores snapshots as files under a root directory,
// using the snapshot name as the relative path:
//
//	<root>/
//	  snapshots/
//	    <YYYY-MM-DD>/
//	      <runID>.json
type FileSystemArchive struct {
	root string
}

// NewFileSystemArchive creates the root directory if needed.
func NewFileSystemArchive(root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FileSystemArchive{root: root}, nil
}

// Root returns the archive directory.
func (a *FileSystemArchive) Root() string { return a.root }

// PutSnapshot writes r to <root>/<name> atomically.
func (a *FileSystemArchive) PutSnapshot(_ context.Context, name string, r io.Reader, size int64) error {
	if !filepath.IsLocal(name) {
		return fmt.Errorf("invalid snapshot name %q", name)
	}
	destPath := filepath.Join(a.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return writeFile(destPath, r, size)
}

// writeFile writes data from r to destPath using a temp file and rename.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ catalog.Archive = (*FileSystemArchive)(nil)

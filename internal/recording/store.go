// Package recording persists call recording artifacts: it lays the
// files out on disk, transcodes raw captures into their canonical
// containers, and turns uploads into ready recordings on the call.
package recording

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store owns the recordings directory under the data dir. Artifacts are
// flat files named <file id>.<container>.
type Store struct {
	dir string
}

// NewStore creates the recordings directory if needed.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "recordings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recordings dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the artifact path for a file id and container extension.
func (s *Store) Path(fileID, ext string) string {
	return filepath.Join(s.dir, fileID+"."+ext)
}

// SaveTemp spools an upload to a temporary file in the recordings
// directory and returns its path and size. The caller removes it.
func (s *Store) SaveTemp(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(s.dir, "upload-*.raw")
	if err != nil {
		return "", 0, fmt.Errorf("creating upload spool: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("spooling upload: %w", err)
	}
	return f.Name(), n, nil
}

// Open opens a stored artifact for reading.
func (s *Store) Open(fileID, ext string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(s.Path(fileID, ext))
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// Remove deletes a stored artifact. Missing files are not an error.
func (s *Store) Remove(fileID, ext string) error {
	if err := os.Remove(s.Path(fileID, ext)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

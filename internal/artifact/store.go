// Package artifact manages the on-disk files exchanged with the render
// engine: the staged scene, the output buffer and the completion marker.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/dustin/go-humanize"
)

// ErrNotFound is returned when a requested artifact does not exist.
var ErrNotFound = errors.New("artifact: not found")

// Store reads and writes artifacts under a root directory. Relative paths are
// resolved against the root; absolute paths are used as-is.
type Store struct {
	root string
}

// NewStore creates root if needed and returns a store rooted there.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root %q: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Path resolves name against the store root.
func (s *Store) Path(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(s.root, name)
}

// Write replaces the artifact at name with payload. The payload is written to
// a temporary file in the destination directory and renamed into place, so a
// concurrent reader sees either the old content or the new content.
func (s *Store) Write(name string, payload []byte) error {
	dest := s.Path(name)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: create directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+"-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp for %q: %w", dest, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: write %q: %w", dest, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: sync %q: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: close %q: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: rename into %q: %w", dest, err)
	}
	logger.Tracef("[artifact] wrote %s (%s)", dest, humanize.Bytes(uint64(len(payload))))
	return nil
}

// Exists reports whether a regular file exists at name. It never fails; any
// stat error is treated as absence.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// Size returns the size of the artifact at name.
func (s *Store) Size(name string) (int64, error) {
	info, err := os.Stat(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("artifact: stat %q: %w", name, err)
	}
	return info.Size(), nil
}

// Delete removes the artifact at name. Deleting a missing artifact is not an
// error.
func (s *Store) Delete(name string) error {
	path := s.Path(name)
	if !s.Exists(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("artifact: delete %q: %w", path, err)
	}
	logger.Tracef("[artifact] deleted %s", path)
	return nil
}

// ReadAll reads a small artifact fully into memory.
func (s *Store) ReadAll(name string) ([]byte, error) {
	payload, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: read %q: %w", name, err)
	}
	return payload, nil
}

// Open returns a stream over the artifact at name along with its size. The
// caller must close the stream; it is read once and cannot be rewound.
func (s *Store) Open(name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("artifact: open %q: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("artifact: stat %q: %w", name, err)
	}
	return f, info.Size(), nil
}

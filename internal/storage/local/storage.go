package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Storage keeps generated artifacts in a directory on the local filesystem.
type Storage struct {
	dir string
}

// NewStorage creates the output directory if needed and returns the backend.
func NewStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	return &Storage{dir: dir}, nil
}

// Save writes the artifact under the given filename and returns its path.
// The filename is flattened to its base to keep writes inside the directory.
func (s *Storage) Save(ctx context.Context, filename string, src io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, filepath.Base(filename))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return path, nil
}

// Load opens a stored artifact for reading.
func (s *Storage) Load(ctx context.Context, filename string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, filepath.Base(filename)))
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return f, nil
}

// Delete removes a stored artifact.
func (s *Storage) Delete(ctx context.Context, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return os.Remove(filepath.Join(s.dir, filepath.Base(filename)))
}

// Package blob places opaque encrypted payloads on a byte-addressable medium,
// keyed by storage identifier. It knows nothing about expiry or deletion keys.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/abduss/nullpath/internal/token"
)

// FSStore keeps one file per blob under a root directory.
type FSStore struct {
	root string
}

// NewFSStore resolves root to an absolute path and creates it if missing.
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %q: %w", abs, err)
	}
	return &FSStore{root: abs}, nil
}

// Root returns the absolute storage directory.
func (s *FSStore) Root() string {
	return s.root
}

// Put streams r into the blob named id, replacing any previous content. Data is
// written to a temporary file and renamed into place, so a failed or cancelled
// write never leaves a partial blob under id.
func (s *FSStore) Put(ctx context.Context, id string, r io.Reader, _ int64) (int64, error) {
	target, err := s.path(id)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+id+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename blob: %w", err)
	}
	return written, nil
}

// Open returns a reader positioned at the start of the blob. The caller closes it.
func (s *FSStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	target, err := s.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Delete removes the blob and reports whether this call removed it.
func (s *FSStore) Delete(_ context.Context, id string) (bool, error) {
	target, err := s.path(id)
	if err != nil {
		return false, err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove blob: %w", err)
	}
	return true, nil
}

// Ping checks that the storage directory is still present.
func (s *FSStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("stat upload dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("upload dir is not a directory")
	}
	return nil
}

// path maps id to a file inside root, refusing anything that is not a storage
// token or that would resolve outside root.
func (s *FSStore) path(id string) (string, error) {
	if !token.ValidStorageID(id) {
		return "", ErrInvalidIdentifier
	}
	target := filepath.Join(s.root, id)
	rel, err := filepath.Rel(s.root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidIdentifier
	}
	return target, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local is a filesystem-backed Store rooted at a single directory.
type Local struct {
	root string
}

// NewLocal creates a Local store. The root is created if missing and probed
// for writability so the binary can refuse to start on a read-only mount.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	probe := filepath.Join(root, ".archon-write-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return nil, fmt.Errorf("blob: root not writable: %w", err)
	}
	os.Remove(probe)
	return &Local{root: root}, nil
}

// resolve validates that joining root and p does not escape root.
// Adapted from the SafePath traversal guard.
func (l *Local) resolve(p string) (string, error) {
	if strings.Contains(p, "..") {
		return "", ErrUnsafePath
	}
	cleaned := filepath.Join(l.root, filepath.Clean("/"+filepath.FromSlash(p)))
	if !strings.HasPrefix(cleaned, filepath.Clean(l.root)+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return cleaned, nil
}

// Put streams r to disk, writing to a temp file first and renaming into
// place so readers never observe a partial blob.
func (l *Local) Put(_ context.Context, p string, r io.Reader) (string, int64, error) {
	dst, err := l.resolve(p)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("blob: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", 0, fmt.Errorf("blob: temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("blob: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("blob: rename: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// Open returns a reader over the blob at p.
func (l *Local) Open(_ context.Context, p string) (io.ReadCloser, error) {
	src, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open: %w", err)
	}
	return f, nil
}

// Delete removes a single blob; missing blobs are ignored.
func (l *Local) Delete(_ context.Context, p string) error {
	dst, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}

// DeletePrefix removes a whole subtree (recursively).
func (l *Local) DeletePrefix(_ context.Context, prefix string) error {
	dst, err := l.resolve(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("blob: delete prefix: %w", err)
	}
	return nil
}

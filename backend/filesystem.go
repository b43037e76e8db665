package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	tmpPrefix      = ".tmp-"
	defaultDirMode = 0o700
)

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root    string
	dirMode os.FileMode
}

// FilesystemOption configures a Filesystem backend.
type FilesystemOption func(*Filesystem)

// WithDirMode sets the permission bits for directories created by the backend.
func WithDirMode(mode os.FileMode) FilesystemOption {
	return func(f *Filesystem) {
		f.dirMode = mode
	}
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	f := &Filesystem{root: absRoot, dirMode: defaultDirMode}
	for _, opt := range opts {
		opt(f)
	}
	if err := os.MkdirAll(absRoot, f.dirMode); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return f, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores data at the given key using an atomic write.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := f.Writer(ctx, key)
	if err != nil {
		return err
	}
	aw := w.(*atomicWriter)

	if _, err := io.Copy(aw, r); err != nil {
		_ = aw.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return aw.Close()
}

// Read opens the data at the given key. The returned value implements
// ReadAtCloser so independent readers can share one open file.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes data at the given key.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.keyToPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix. In-flight temp files are skipped.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := f.walk(prefix, func(path string, _ fs.FileInfo) error {
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	return keys, nil
}

// Size returns the size of the data at the given key.
func (f *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// DeletePrefix removes the directory tree backing prefix.
func (f *Filesystem) DeletePrefix(ctx context.Context, prefix string) error {
	path := f.keyToPath(prefix)
	if path == f.root {
		return fmt.Errorf("refusing to delete backend root")
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", prefix, err)
	}
	return nil
}

// Usage returns the total size of committed files under prefix.
func (f *Filesystem) Usage(ctx context.Context, prefix string) (int64, error) {
	var total int64
	err := f.walk(prefix, func(_ string, info fs.FileInfo) error {
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", prefix, err)
	}
	return total, nil
}

// Writer returns a WriteCloser for writing to the given key.
// Data is written to a temp file and renamed into place on Close.
func (f *Filesystem) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	path := f.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, f.dirMode); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{
		f:       tmp,
		tmpPath: tmp.Name(),
		dstPath: path,
	}, nil
}

// walk visits committed regular files under prefix. A missing prefix yields nothing.
func (f *Filesystem) walk(prefix string, fn func(path string, info fs.FileInfo) error) error {
	dir := f.keyToPath(prefix)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fn(dir, info)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(path, info)
	})
}

// keyToPath converts a key to a filesystem path.
func (f *Filesystem) keyToPath(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// atomicWriter wraps a temp file that is renamed into place on Close.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	closed  bool
}

// Write implements io.Writer.
func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close commits the write by renaming the temp file.
func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// Abort cancels the write and removes the temp file.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

// Compile-time interface checks
var (
	_ Backend          = (*Filesystem)(nil)
	_ WriterBackend    = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
	_ PrefixBackend    = (*Filesystem)(nil)
	_ Aborter          = (*atomicWriter)(nil)
)

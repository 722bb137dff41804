// Package artifact stores build files under builds/<buildId>/ on the local
// disk and, optionally, in an object store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Backend is a flat object store addressed by slash-separated keys.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get returns ErrNotFound when the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Size returns ErrNotFound when the key doesn't exist.
	Size(ctx context.Context, key string) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete succeeds when the key doesn't exist.
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || !filepath.IsLocal(filepath.FromSlash(key)) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func contentType(key string) string {
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

var _ Backend = (*Local)(nil)

// Local keeps objects as files below Root.
type Local struct {
	Root string // required
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

// Path returns the file path of key.
func (l *Local) Path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, filepath.FromSlash(key)), nil
}

func (l *Local) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	p, err := l.Path(key)
	if err != nil {
		return fmt.Errorf("artifact.Local: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("artifact.Local: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact.Local: %w", err)
	}
	_, err = io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifact.Local: %w", err)
	}
	return nil
}

func (l *Local) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := l.Path(key)
	if err != nil {
		return nil, fmt.Errorf("artifact.Local: %w", err)
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("artifact.Local: %w", ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("artifact.Local: %w", err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("artifact.Local: %w", ErrNotFound)
	}
	return f, nil
}

func (l *Local) Size(_ context.Context, key string) (int64, error) {
	p, err := l.Path(key)
	if err != nil {
		return 0, fmt.Errorf("artifact.Local: %w", err)
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return 0, fmt.Errorf("artifact.Local: %w", ErrNotFound)
	} else if err != nil {
		return 0, fmt.Errorf("artifact.Local: %w", err)
	}
	return info.Size(), nil
}

// List returns the keys of regular files under prefix in lexical order.
func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	dir, err := l.Path(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return nil, fmt.Errorf("artifact.Local: %w", err)
	}

	var keys []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("artifact.Local: %w", err)
	}
	return keys, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.Path(key)
	if err != nil {
		return fmt.Errorf("artifact.Local: %w", err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("artifact.Local: %w", err)
	}
	return nil
}

func (l *Local) DeletePrefix(_ context.Context, prefix string) error {
	p, err := l.Path(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return fmt.Errorf("artifact.Local: %w", err)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("artifact.Local: %w", err)
	}
	return nil
}

// Package storage persists media files and hands out their public URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys that would escape the storage root.
var ErrInvalidKey = errors.New("invalid storage key")

// Store is an object store.
type Store interface {
	UploadFile(ctx context.Context, key string, r io.Reader, contentType string) error
	PublicURL(key string) string
}

// Local stores files under a directory and serves them from baseURL.
type Local struct {
	root    string
	baseURL string
}

// NewLocal creates a local store rooted at dir. Files are published under
// baseURL, for example "http://localhost:8080/media".
func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Local{root: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory files are written to.
func (l *Local) Root() string { return l.root }

// UploadFile writes r to key atomically.
func (l *Local) UploadFile(ctx context.Context, key string, r io.Reader, _ string) error {
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// PublicURL returns the URL key is served at.
func (l *Local) PublicURL(key string) string {
	parts := strings.Split(path.Clean("/"+key), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return l.baseURL + strings.Join(parts, "/")
}

func (l *Local) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

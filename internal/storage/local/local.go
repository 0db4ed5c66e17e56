// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{
		rootPath:   filepath.Clean(cfg.RootPath),
		createDirs: cfg.CreateDirs,
	}, nil
}

func (b *LocalBackend) fullPath(key string) (string, error) {
	path := filepath.Join(b.rootPath, filepath.FromSlash(key))
	if path == b.rootPath || !strings.HasPrefix(path, b.rootPath+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes storage root", key)
	}
	return path, nil
}

// GetObject opens a file from the local filesystem.
func (b *LocalBackend) GetObject(_ context.Context, key string) (rc io.ReadCloser, size int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("local", "get", time.Since(start), err == nil) }()

	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, fmt.Errorf("object %s: %w", key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// PutObject writes content to the local filesystem atomically.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("local", "put", time.Since(start), err == nil) }()

	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".hcloud-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if size >= 0 && written != size {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: got %d bytes, expected %d", key, written, size)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	logging.Debug("local put object", zap.String("key", key), zap.Int64("size", written))
	return nil
}

// DeleteObject removes a file from the local filesystem.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("local", "delete", time.Since(start), err == nil) }()

	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ObjectExists checks if a file exists on the local filesystem.
func (b *LocalBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

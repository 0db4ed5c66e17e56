// Package storage defines the Backend interface for content storage and the
// Transfer adapter that streams bytes through it with progress reporting.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for blob storage backends.
// Implementations handle raw object I/O. Entry metadata is handled
// separately by the document store.
type Backend interface {
	// GetObject retrieves a whole object and its size. A missing key
	// yields an error matching errs.ErrNotFound.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing keys are not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

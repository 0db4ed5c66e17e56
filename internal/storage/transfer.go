package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/logging"
)

// ProgressFunc receives the bytes moved so far and the expected total.
type ProgressFunc func(transferred, total int64)

// Transfer streams content between callers and a Backend. Locators it
// returns are backend keys.
type Transfer struct {
	backend Backend
}

// NewTransfer creates a transfer adapter over backend.
func NewTransfer(backend Backend) *Transfer {
	return &Transfer{backend: backend}
}

// ContentKey returns a fresh blob key for a user's file.
func ContentKey(userID string) string {
	return userID + "/" + uuid.NewString()
}

// ThumbnailKey returns the blob key of the thumbnail stored beside content.
func ThumbnailKey(contentKey string) string {
	return contentKey + ".thumb"
}

// Upload streams body to key and returns the locator. progress is invoked
// from the reading goroutine as bytes flow. Cancelling ctx stops the stream
// at the next read and yields errs.ErrCancelled.
func (t *Transfer) Upload(ctx context.Context, key string, body io.Reader, size int64, progress ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(int64, int64) {}
	}

	var r io.Reader
	pr := &progressReader{ctx: ctx, r: body, total: size, fn: progress}
	if rs, ok := body.(io.ReadSeeker); ok {
		r = &progressReadSeeker{progressReader: pr, seeker: rs}
	} else {
		r = pr
	}

	if err := t.backend.PutObject(ctx, key, r, size); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("upload %s: %w", key, errs.ErrCancelled)
		}
		return "", errs.Transfer("upload", err)
	}
	if size >= 0 && pr.count.Load() != size {
		t.discard(key)
		return "", errs.Transfer("upload", fmt.Errorf("short body: read %d of %d bytes", pr.count.Load(), size))
	}

	logging.Debug("upload finished", zap.String("key", key), zap.Int64("size", size))
	return key, nil
}

// Put stores a small payload without progress reporting.
func (t *Transfer) Put(ctx context.Context, key string, data []byte) error {
	if err := t.backend.PutObject(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return errs.Transfer("put", err)
	}
	return nil
}

// Open returns the full content behind locator.
func (t *Transfer) Open(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	rc, size, err := t.backend.GetObject(ctx, locator)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, 0, err
		}
		return nil, 0, errs.Transfer("download", err)
	}
	return rc, size, nil
}

// Delete removes the content behind locator.
func (t *Transfer) Delete(ctx context.Context, locator string) error {
	if err := t.backend.DeleteObject(ctx, locator); err != nil {
		return errs.Transfer("delete", err)
	}
	return nil
}

func (t *Transfer) discard(key string) {
	if err := t.backend.DeleteObject(context.Background(), key); err != nil {
		logging.Warn("discard partial upload failed", zap.String("key", key), zap.Error(err))
	}
}

// progressReader counts bytes and checks for cancellation on every read.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	count atomic.Int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.fn(p.count.Add(int64(n)), p.total)
	}
	return n, err
}

// progressReadSeeker keeps the body seekable so backends can rewind for
// retries. Rewinding resets the count.
type progressReadSeeker struct {
	*progressReader
	seeker io.Seeker
}

func (p *progressReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.seeker.Seek(offset, whence)
	if err == nil {
		p.count.Store(pos)
	}
	return pos, err
}

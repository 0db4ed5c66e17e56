package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/logging"
)

const (
	DefaultChunkSize   = 5 * 1024 * 1024
	DefaultChunkExpiry = 24 * time.Hour
)

var errUploadExpired = errors.New("upload expired")

// ChunkStatus reports a resumable upload and the chunks received so far.
type ChunkStatus struct {
	Task        Task  `json:"task"`
	ChunkSize   int64 `json:"chunk_size"`
	TotalChunks int   `json:"total_chunks"`
	Received    []int `json:"received"`
}

// chunkedUpload stages a resumable upload in a sparse temp file. received,
// bytes and finalizing are guarded by Orchestrator.mu.
type chunkedUpload struct {
	userID    string
	src       Source
	path      string
	chunkSize int64
	total     int

	received   map[int]struct{}
	bytes      int64
	finalizing bool

	// Chunk writers hold a read lock; finalizing waits for them.
	writes sync.RWMutex

	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopAbort func() bool
	idle      *time.Timer
}

// ─── Begin ──────────────────────────────────────────────────────────────────

// BeginChunked admits a resumable upload of src (its Body is ignored) and
// registers its task in the uploading state. The task completes when every
// chunk has arrived and CompleteChunked runs. An upload that receives no
// chunk for the configured expiry fails and its staged bytes are removed.
func (o *Orchestrator) BeginChunked(ctx context.Context, userID, parentID string, src Source) (ChunkStatus, error) {
	if strings.TrimSpace(src.Name) == "" {
		return ChunkStatus{}, fmt.Errorf("begin upload: %w", errs.ErrInvalidName)
	}
	if src.Size <= 0 {
		return ChunkStatus{}, fmt.Errorf("begin upload: %w: size must be positive", errs.ErrInvalidChunk)
	}
	if err := o.admit(ctx, userID, parentID, src.Name, src.Size); err != nil {
		return ChunkStatus{}, fmt.Errorf("begin upload: %w", err)
	}

	if err := os.MkdirAll(o.opts.TempDir, 0o750); err != nil {
		return ChunkStatus{}, fmt.Errorf("begin upload: %w", err)
	}
	f, err := os.CreateTemp(o.opts.TempDir, "chunked-*.part")
	if err != nil {
		return ChunkStatus{}, fmt.Errorf("begin upload: %w", err)
	}
	if err := f.Truncate(src.Size); err != nil {
		f.Close()
		os.Remove(f.Name())
		return ChunkStatus{}, fmt.Errorf("begin upload: allocate: %w", err)
	}
	f.Close()

	src.Body = nil
	taskCtx, cancel := context.WithCancelCause(context.Background())
	cu := &chunkedUpload{
		userID:    userID,
		src:       src,
		path:      f.Name(),
		chunkSize: o.opts.ChunkSize,
		total:     int((src.Size + o.opts.ChunkSize - 1) / o.opts.ChunkSize),
		received:  make(map[int]struct{}),
		ctx:       taskCtx,
		cancel:    cancel,
	}
	t := &task{
		Task: Task{
			ID:        uuid.NewString(),
			Name:      src.Name,
			Size:      src.Size,
			ParentID:  parentID,
			State:     StateUploading,
			CreatedAt: time.Now(),
		},
		cancel:  func() { cancel(errs.ErrCancelled) },
		chunked: cu,
	}

	o.mu.Lock()
	o.seq++
	t.seq = o.seq
	o.tasks[t.ID] = t
	o.wg.Add(1)
	cu.idle = time.AfterFunc(o.opts.ChunkExpiry, func() { cancel(errUploadExpired) })
	cu.stopAbort = context.AfterFunc(taskCtx, func() { o.abortChunked(t, context.Cause(taskCtx)) })
	st := o.chunkStatusLocked(t)
	o.mu.Unlock()
	o.publish(userID, st.Task)

	logging.Info("chunked upload started",
		logging.UserID(userID),
		logging.TaskID(t.ID),
		zap.Int64("size", src.Size),
		zap.Int("chunks", cu.total))
	return st, nil
}

// ─── Chunks ─────────────────────────────────────────────────────────────────

// WriteChunk stores chunk index of a resumable upload. Chunks may arrive in
// any order and may be resent; every chunk but the last must be exactly the
// chunk size.
func (o *Orchestrator) WriteChunk(ctx context.Context, taskID string, index int, body io.Reader) (ChunkStatus, error) {
	if err := ctx.Err(); err != nil {
		return ChunkStatus{}, err
	}

	o.mu.Lock()
	t, cu, err := o.activeChunkedLocked(taskID)
	if err != nil {
		o.mu.Unlock()
		return ChunkStatus{}, err
	}
	if index < 0 || index >= cu.total {
		o.mu.Unlock()
		return ChunkStatus{}, fmt.Errorf("%w: index %d outside 0..%d", errs.ErrInvalidChunk, index, cu.total-1)
	}
	cu.writes.RLock()
	o.mu.Unlock()
	defer cu.writes.RUnlock()

	offset := int64(index) * cu.chunkSize
	want := min(cu.chunkSize, t.Size-offset)
	if err := cu.writeAt(offset, want, body); err != nil {
		return ChunkStatus{}, fmt.Errorf("chunk %d: %w", index, err)
	}

	o.mu.Lock()
	if cu.finalizing || t.State.Terminal() {
		o.mu.Unlock()
		return ChunkStatus{}, fmt.Errorf("task %s: %w: upload is %s", taskID, errs.ErrUploadConflict, t.State)
	}
	if _, dup := cu.received[index]; !dup {
		cu.received[index] = struct{}{}
		cu.bytes += want
	}
	received := cu.bytes
	st := o.chunkStatusLocked(t)
	o.mu.Unlock()

	cu.idle.Reset(o.opts.ChunkExpiry)
	// 100 is reserved for a completed task.
	o.setPercent(cu.userID, t, int(received*99/t.Size))
	return st, nil
}

func (cu *chunkedUpload) writeAt(offset, want int64, body io.Reader) error {
	f, err := os.OpenFile(cu.path, os.O_WRONLY, 0)
	if err != nil {
		return errs.Transfer("open staging file", err)
	}
	defer f.Close()

	n, err := io.Copy(io.NewOffsetWriter(f, offset), io.LimitReader(body, want))
	if err != nil {
		return errs.Transfer("receive chunk", err)
	}
	if n < want {
		return fmt.Errorf("%w: got %d bytes, expected %d", errs.ErrInvalidChunk, n, want)
	}
	var extra [1]byte
	if m, _ := io.ReadFull(body, extra[:]); m > 0 {
		return fmt.Errorf("%w: more than %d bytes", errs.ErrInvalidChunk, want)
	}
	return nil
}

// ChunkedStatus returns the state of a resumable upload, including after it
// finished, for as long as its task is kept.
func (o *Orchestrator) ChunkedStatus(taskID string) (ChunkStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok || t.chunked == nil {
		return ChunkStatus{}, fmt.Errorf("upload %s: %w", taskID, errs.ErrNotFound)
	}
	return o.chunkStatusLocked(t), nil
}

// ─── Complete ───────────────────────────────────────────────────────────────

// CompleteChunked finalizes a resumable upload once every chunk is present.
// The staged file goes through the same checks and settlement as a direct
// upload. An error means the request was refused and the upload is still
// open; otherwise the returned task is terminal.
func (o *Orchestrator) CompleteChunked(taskID string) (Task, error) {
	o.mu.Lock()
	t, cu, err := o.activeChunkedLocked(taskID)
	if err != nil {
		o.mu.Unlock()
		return Task{}, err
	}
	if len(cu.received) < cu.total {
		o.mu.Unlock()
		return Task{}, fmt.Errorf("task %s: %w: received %d of %d chunks", taskID, errs.ErrUploadConflict, len(cu.received), cu.total)
	}
	cu.finalizing = true
	o.mu.Unlock()

	// From here on Cancel reaches the task through cu.ctx.
	cu.stopAbort()
	cu.idle.Stop()
	defer o.wg.Done()
	defer cu.cancel(nil)
	cu.writes.Lock()
	defer cu.writes.Unlock()
	defer cu.removeTemp()

	ctx := cu.ctx
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return o.finish(cu.userID, t, StateCancelled, "cancelled"), nil
	}
	if ctx.Err() != nil {
		return o.finish(cu.userID, t, StateCancelled, "cancelled"), nil
	}

	if err := o.admit(ctx, cu.userID, t.ParentID, t.Name, t.Size); err != nil {
		return o.finish(cu.userID, t, StateFailed, err.Error()), nil
	}
	f, err := os.Open(cu.path)
	if err != nil {
		return o.finish(cu.userID, t, StateFailed, err.Error()), nil
	}
	defer f.Close()

	src := cu.src
	src.Body = f
	return o.store(ctx, cu.userID, t.ParentID, t, src), nil
}

// abortChunked ends an upload that was cancelled or went idle before it
// was finalized.
func (o *Orchestrator) abortChunked(t *task, cause error) {
	cu := t.chunked
	o.mu.Lock()
	if cu.finalizing || t.State.Terminal() {
		o.mu.Unlock()
		return
	}
	cu.finalizing = true
	o.mu.Unlock()

	defer o.wg.Done()
	cu.idle.Stop()
	cu.removeTemp()
	if errors.Is(cause, errUploadExpired) {
		logging.Info("chunked upload expired", logging.UserID(cu.userID), logging.TaskID(t.ID))
		o.finish(cu.userID, t, StateFailed, fmt.Sprintf("no chunk received for %s", o.opts.ChunkExpiry))
		return
	}
	o.finish(cu.userID, t, StateCancelled, "cancelled")
}

func (o *Orchestrator) activeChunkedLocked(taskID string) (*task, *chunkedUpload, error) {
	t, ok := o.tasks[taskID]
	if !ok || t.chunked == nil {
		return nil, nil, fmt.Errorf("upload %s: %w", taskID, errs.ErrNotFound)
	}
	if t.chunked.finalizing || t.State.Terminal() {
		return nil, nil, fmt.Errorf("upload %s: %w: upload is %s", taskID, errs.ErrUploadConflict, t.State)
	}
	return t, t.chunked, nil
}

func (o *Orchestrator) chunkStatusLocked(t *task) ChunkStatus {
	cu := t.chunked
	received := make([]int, 0, len(cu.received))
	for i := range cu.received {
		received = append(received, i)
	}
	sort.Ints(received)
	return ChunkStatus{
		Task:        t.Task,
		ChunkSize:   cu.chunkSize,
		TotalChunks: cu.total,
		Received:    received,
	}
}

func (cu *chunkedUpload) removeTemp() {
	if err := os.Remove(cu.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("staging file cleanup failed", zap.String("path", cu.path), logging.Err(err))
	}
}

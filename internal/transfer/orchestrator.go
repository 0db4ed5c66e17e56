// Package transfer coordinates concurrent uploads and downloads for one
// session. Each upload is an independent task with its own state machine:
//
//	Queued -> Uploading -> Completed | Failed | Cancelled
//
// A task's quota is committed and its entry created only after its bytes
// are stored, so failed and cancelled uploads leave neither behind.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/events"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metrics"
	"github.com/hcloud/hcloud/internal/namespace"
	"github.com/hcloud/hcloud/internal/quota"
	"github.com/hcloud/hcloud/internal/storage"
)

// State is a transfer task state.
type State string

const (
	StateQueued    State = "queued"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Task is a point-in-time view of one upload.
type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ParentID   string    `json:"parent_id,omitempty"`
	State      State     `json:"state"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	EntryID    string    `json:"entry_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Source is one local file to upload.
type Source struct {
	Name      string
	Size      int64
	MimeType  string
	Body      io.Reader
	Thumbnail []byte
	Metadata  map[string]string
}

// Blobs is the blob transfer port.
type Blobs interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, progress storage.ProgressFunc) (string, error)
	Put(ctx context.Context, key string, data []byte) error
	Open(ctx context.Context, locator string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, locator string) error
}

// Options tune an Orchestrator.
type Options struct {
	MaxUploadSize int64
	Concurrency   int
	// GracePeriod is how long terminal tasks stay visible. Zero keeps them
	// until ClearFinished.
	GracePeriod time.Duration

	// Resumable uploads.
	ChunkSize   int64
	TempDir     string
	ChunkExpiry time.Duration
}

// Deps are the collaborators shared by every session's orchestrator.
type Deps struct {
	Namespace *namespace.Manager
	Ledger    *quota.Ledger
	Blobs     Blobs
	Sink      events.Sink
}

type task struct {
	Task
	seq     uint64
	cancel  context.CancelFunc
	timer   *time.Timer
	chunked *chunkedUpload
}

// Orchestrator runs the uploads of one session.
type Orchestrator struct {
	deps     Deps
	opts     Options
	sem      chan struct{}
	progress *events.Broadcaster

	mu    sync.Mutex
	tasks map[string]*task
	seq   uint64
	wg    sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if deps.Sink == nil {
		deps.Sink = events.Discard
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkExpiry <= 0 {
		opts.ChunkExpiry = DefaultChunkExpiry
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "hcloud-uploads")
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		sem:      make(chan struct{}, opts.Concurrency),
		progress: events.NewBroadcaster(),
		tasks:    make(map[string]*task),
	}
}

// Batch tracks the tasks started by one StartUpload call.
type Batch struct {
	ids     []string
	wg      sync.WaitGroup
	mu      sync.Mutex
	results map[string]Task
}

// TaskIDs returns the batch's task ids in source order.
func (b *Batch) TaskIDs() []string {
	return append([]string(nil), b.ids...)
}

// Wait blocks until every task in the batch is terminal and returns their
// final states in source order.
func (b *Batch) Wait() []Task {
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Task, len(b.ids))
	for i, id := range b.ids {
		out[i] = b.results[id]
	}
	return out
}

func (b *Batch) record(t Task) {
	b.mu.Lock()
	b.results[t.ID] = t
	b.mu.Unlock()
}

// StartUpload starts one task per source and returns immediately. Tasks
// run independently; one failing never affects its siblings. Cancelling
// ctx cancels every task of the batch that is not yet terminal.
func (o *Orchestrator) StartUpload(ctx context.Context, userID, parentID string, sources []Source) *Batch {
	b := &Batch{results: make(map[string]Task, len(sources))}

	for _, src := range sources {
		taskCtx, cancel := context.WithCancel(ctx)
		t := &task{
			Task: Task{
				ID:        uuid.NewString(),
				Name:      src.Name,
				Size:      src.Size,
				ParentID:  parentID,
				State:     StateQueued,
				CreatedAt: time.Now(),
			},
			cancel: cancel,
		}

		o.mu.Lock()
		o.seq++
		t.seq = o.seq
		o.tasks[t.ID] = t
		o.mu.Unlock()

		b.ids = append(b.ids, t.ID)
		b.wg.Add(1)
		o.wg.Add(1)
		o.publish(userID, t.Task)

		go func(t *task, src Source) {
			defer o.wg.Done()
			defer b.wg.Done()
			defer cancel()
			final := o.run(taskCtx, userID, parentID, t, src)
			b.record(final)
		}(t, src)
	}

	logging.Info("upload batch started", logging.UserID(userID), zap.Int("files", len(sources)), zap.String("parent_id", parentID))
	return b
}

func (o *Orchestrator) run(ctx context.Context, userID, parentID string, t *task, src Source) Task {
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return o.finish(userID, t, StateCancelled, "cancelled before start")
	}

	if err := o.admit(ctx, userID, parentID, src.Name, src.Size); err != nil {
		return o.finish(userID, t, StateFailed, err.Error())
	}
	if ctx.Err() != nil {
		return o.finish(userID, t, StateCancelled, "cancelled before start")
	}

	o.setState(userID, t, StateUploading)
	return o.store(ctx, userID, parentID, t, src)
}

// admit runs the checks every upload passes before its bytes move: the
// size cap, the advisory quota check and the target folder.
func (o *Orchestrator) admit(ctx context.Context, userID, parentID, name string, size int64) error {
	if o.opts.MaxUploadSize > 0 && size > o.opts.MaxUploadSize {
		return fmt.Errorf("%w: %s exceeds the maximum upload size of %d bytes", errs.ErrTooLarge, name, o.opts.MaxUploadSize)
	}
	if size < 0 {
		return errors.New("file size is unknown")
	}
	decision, err := o.deps.Ledger.Reserve(ctx, userID, size)
	if err != nil {
		return err
	}
	if decision == quota.Deny {
		return errs.ErrQuotaExceeded
	}
	return o.deps.Namespace.CheckParent(ctx, userID, parentID)
}

// store streams src to the blob store and settles the task: quota is
// committed, then the entry is created. The commit is reverted when the
// entry cannot be created, so a failed upload never keeps bytes on the
// ledger.
func (o *Orchestrator) store(ctx context.Context, userID, parentID string, t *task, src Source) Task {
	metrics.AddActiveTransfers(1)
	defer metrics.AddActiveTransfers(-1)

	key := storage.ContentKey(userID)
	_, err := o.deps.Blobs.Upload(ctx, key, src.Body, src.Size, func(done, total int64) {
		o.setProgress(userID, t, done, total)
	})
	if err != nil {
		o.cleanup(key, "")
		if errors.Is(err, errs.ErrCancelled) || ctx.Err() != nil {
			return o.finish(userID, t, StateCancelled, "cancelled")
		}
		logging.Warn("upload failed", logging.UserID(userID), logging.TaskID(t.ID), logging.Err(err))
		return o.finish(userID, t, StateFailed, err.Error())
	}
	if ctx.Err() != nil {
		o.cleanup(key, "")
		return o.finish(userID, t, StateCancelled, "cancelled")
	}

	// Past the last cancellation checkpoint; the entry and quota must be
	// settled together.
	settle := context.WithoutCancel(ctx)

	thumbKey := ""
	if len(src.Thumbnail) > 0 {
		thumbKey = storage.ThumbnailKey(key)
		if err := o.deps.Blobs.Put(settle, thumbKey, src.Thumbnail); err != nil {
			logging.Warn("thumbnail upload failed", logging.TaskID(t.ID), zap.String("key", thumbKey), logging.Err(err))
			thumbKey = ""
		}
	}

	// Committing first means a cascade delete that removes the new entry
	// right after creation always releases bytes that were counted.
	if _, err := o.deps.Ledger.Commit(settle, userID, src.Size); err != nil {
		o.cleanup(key, thumbKey)
		return o.finish(userID, t, StateFailed, err.Error())
	}
	entry, err := o.deps.Namespace.CreateFile(settle, namespace.NewFile{
		UserID:           userID,
		ParentID:         parentID,
		Name:             src.Name,
		Size:             src.Size,
		MimeType:         src.MimeType,
		ContentLocator:   key,
		ThumbnailLocator: thumbKey,
		Metadata:         src.Metadata,
	})
	if err != nil {
		if _, cerr := o.deps.Ledger.Commit(settle, userID, -src.Size); cerr != nil {
			logging.Error("quota revert failed", logging.UserID(userID), logging.TaskID(t.ID), logging.Err(cerr))
		}
		o.cleanup(key, thumbKey)
		return o.finish(userID, t, StateFailed, err.Error())
	}

	o.mu.Lock()
	t.EntryID = entry.ID
	o.mu.Unlock()
	final := o.finish(userID, t, StateCompleted, "")

	o.deps.Sink.Publish(events.Event{
		Type:      events.EventFileUploaded,
		UserID:    userID,
		EntryID:   entry.ID,
		TaskID:    t.ID,
		Name:      entry.Name,
		Size:      src.Size,
		Timestamp: time.Now().Unix(),
	})
	logging.Info("upload completed", logging.UserID(userID), logging.TaskID(t.ID), logging.EntryID(entry.ID), zap.Int64("size", src.Size))
	return final
}

func (o *Orchestrator) cleanup(key, thumbKey string) {
	ctx := context.Background()
	for _, k := range []string{key, thumbKey} {
		if k == "" {
			continue
		}
		if err := o.deps.Blobs.Delete(ctx, k); err != nil {
			logging.Warn("blob cleanup failed", zap.String("key", k), logging.Err(err))
		}
	}
}

func (o *Orchestrator) setState(userID string, t *task, s State) {
	o.mu.Lock()
	t.State = s
	snap := t.Task
	o.mu.Unlock()
	o.publish(userID, snap)
}

// setProgress applies a byte count. Progress never decreases and only
// changes while uploading.
func (o *Orchestrator) setProgress(userID string, t *task, done, total int64) {
	pct := 100
	if total > 0 {
		pct = int(done * 100 / total)
	}
	if pct > 100 {
		pct = 100
	}
	o.setPercent(userID, t, pct)
}

func (o *Orchestrator) setPercent(userID string, t *task, pct int) {
	o.mu.Lock()
	if t.State != StateUploading || pct <= t.Progress {
		o.mu.Unlock()
		return
	}
	t.Progress = pct
	snap := t.Task
	o.mu.Unlock()
	o.publish(userID, snap)
}

func (o *Orchestrator) finish(userID string, t *task, s State, reason string) Task {
	o.mu.Lock()
	t.State = s
	t.Error = reason
	t.FinishedAt = time.Now()
	if s == StateCompleted {
		t.Progress = 100
	}
	if o.opts.GracePeriod > 0 {
		id := t.ID
		t.timer = time.AfterFunc(o.opts.GracePeriod, func() { o.expire(id) })
	}
	snap := t.Task
	o.mu.Unlock()

	var bytes int64
	if s == StateCompleted {
		bytes = t.Size
	}
	metrics.RecordUpload(string(s), bytes)
	if s != StateCompleted {
		logging.Debug("task finished", logging.TaskID(t.ID), zap.String("state", string(s)), zap.String("reason", reason))
	}
	o.publish(userID, snap)
	return snap
}

func (o *Orchestrator) expire(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[id]; ok && t.State.Terminal() {
		delete(o.tasks, id)
	}
}

func (o *Orchestrator) publish(userID string, t Task) {
	o.progress.Publish(events.Event{
		Type:      events.EventTaskUpdated,
		UserID:    userID,
		TaskID:    t.ID,
		EntryID:   t.EntryID,
		Name:      t.Name,
		State:     string(t.State),
		Progress:  t.Progress,
		Error:     t.Error,
		Size:      t.Size,
		Timestamp: time.Now().Unix(),
	})
}

// Cancel requests cancellation of a queued or uploading task. The task
// observes the request at its next checkpoint. Cancelling a terminal task
// is a no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, errs.ErrNotFound)
	}
	if !t.State.Terminal() {
		t.cancel()
	}
	return nil
}

// Snapshot returns the current tasks in start order.
func (o *Orchestrator) Snapshot() []Task {
	o.mu.Lock()
	list := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]Task, len(list))
	for i, t := range list {
		out[i] = t.Task
	}
	o.mu.Unlock()
	return out
}

// ClearFinished drops every terminal task immediately.
func (o *Orchestrator) ClearFinished() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for id, t := range o.tasks {
		if t.State.Terminal() {
			if t.timer != nil {
				t.timer.Stop()
			}
			delete(o.tasks, id)
			n++
		}
	}
	return n
}

// Subscribe returns a stream of task updates. Slow consumers may miss
// intermediate updates; Snapshot is always authoritative.
func (o *Orchestrator) Subscribe() chan events.Event {
	return o.progress.Subscribe()
}

// Unsubscribe stops a stream returned by Subscribe.
func (o *Orchestrator) Unsubscribe(ch chan events.Event) {
	o.progress.Unsubscribe(ch)
}

// Close cancels running tasks, waits for them and ends all streams.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, t := range o.tasks {
		if !t.State.Terminal() {
			t.cancel()
		}
	}
	o.mu.Unlock()
	o.wg.Wait()

	o.mu.Lock()
	for _, t := range o.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	o.mu.Unlock()
	o.progress.Close()
}

// Download opens the content of a file that userID owns or that is shared
// without a password or expiry. Protected shares are opened with
// OpenVerified after namespace.Manager.VerifyShare.
// There is no range support and no progress tracking.
func (o *Orchestrator) Download(ctx context.Context, entryID, userID string) (io.ReadCloser, *namespace.Entry, error) {
	e, err := o.deps.Namespace.Lookup(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}
	if e.UserID != userID {
		if !e.Shared {
			return nil, nil, errs.ErrNotAuthorized
		}
		if e.Trashed() {
			return nil, nil, fmt.Errorf("entry %s: %w", entryID, errs.ErrNotFound)
		}
		if e.Share != nil && (e.Share.Protected || e.Share.ExpiresAt != nil) {
			return nil, nil, fmt.Errorf("entry %s: %w", entryID, errs.ErrShareDenied)
		}
	}
	return o.open(ctx, e, userID)
}

// OpenVerified opens an entry that already passed share verification.
func (o *Orchestrator) OpenVerified(ctx context.Context, e *namespace.Entry) (io.ReadCloser, error) {
	rc, _, err := o.open(ctx, e, "")
	return rc, err
}

func (o *Orchestrator) open(ctx context.Context, e *namespace.Entry, userID string) (io.ReadCloser, *namespace.Entry, error) {
	if e.Kind == namespace.KindFolder || e.File == nil {
		return nil, nil, fmt.Errorf("entry %s is a folder: %w", e.ID, errs.ErrNotFound)
	}

	rc, _, err := o.deps.Blobs.Open(ctx, e.File.ContentLocator)
	metrics.RecordDownload(err == nil)
	if err != nil {
		return nil, nil, err
	}
	logging.Debug("download started", logging.UserID(userID), logging.EntryID(e.ID))
	return rc, e, nil
}

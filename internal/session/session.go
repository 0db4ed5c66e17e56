// Package session holds the per-user view of the namespace: the current
// folder, its children, the upload task list and a selection set.
//
// Every mutating call re-fetches the current folder's children before it
// returns, so a View taken after a mutation always reflects it. Delete and
// move clear the selection; other mutations keep it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/hcloud/hcloud/internal/auth"
	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/events"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/namespace"
	"github.com/hcloud/hcloud/internal/quota"
	"github.com/hcloud/hcloud/internal/transfer"
)

// View is a snapshot of a session's state.
type View struct {
	FolderID   string             `json:"folder_id,omitempty"`
	FolderPath string             `json:"folder_path"`
	Folders    []*namespace.Entry `json:"folders"`
	Files      []*namespace.Entry `json:"files"`
	Selection  []string           `json:"selection"`
	Tasks      []transfer.Task    `json:"tasks"`
}

// Session is one user's working state.
type Session struct {
	identity    auth.Identity
	ns          *namespace.Manager
	ledger      *quota.Ledger
	uploads     *transfer.Orchestrator
	recentLimit int

	mu         sync.Mutex
	folderID   string
	folderPath string
	files      []*namespace.Entry
	folders    []*namespace.Entry
	selection  map[string]struct{}
	lastUsed   time.Time
	closed     bool
}

func newSession(id auth.Identity, ns *namespace.Manager, ledger *quota.Ledger, uploads *transfer.Orchestrator, recentLimit int) *Session {
	return &Session{
		identity:    id,
		ns:          ns,
		ledger:      ledger,
		uploads:     uploads,
		recentLimit: recentLimit,
		folderPath:  "/",
		selection:   make(map[string]struct{}),
		lastUsed:    time.Now(),
	}
}

// Identity returns the user the session belongs to.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

func (s *Session) userID() string {
	return s.identity.UserID
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// CurrentFolder returns the current folder id, "" for the root.
func (s *Session) CurrentFolder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folderID
}

// View returns the current state without touching the stores.
func (s *Session) View() View {
	tasks := s.uploads.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		FolderID:   s.folderID,
		FolderPath: s.folderPath,
		Folders:    append([]*namespace.Entry{}, s.folders...),
		Files:      append([]*namespace.Entry{}, s.files...),
		Selection:  s.selectionLocked(),
		Tasks:      tasks,
	}
}

// Navigate makes folderID ("" for the root) the current folder. The
// selection is cleared.
func (s *Session) Navigate(ctx context.Context, folderID string) (View, error) {
	s.touch()
	path := "/"
	if folderID != "" {
		if err := s.ns.CheckParent(ctx, s.userID(), folderID); err != nil {
			return View{}, fmt.Errorf("navigate: %w", err)
		}
		folder, err := s.ns.Get(ctx, folderID, s.userID())
		if err != nil {
			return View{}, fmt.Errorf("navigate: %w", err)
		}
		path = folder.Path
	}

	s.mu.Lock()
	s.folderID = folderID
	s.folderPath = path
	s.selection = make(map[string]struct{})
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		return View{}, err
	}
	return s.View(), nil
}

// Refresh re-fetches the current folder's children. If the current folder
// no longer exists the session falls back to the root.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.folderID != "" {
		if err := s.ns.CheckParent(ctx, s.userID(), s.folderID); err != nil {
			if !errors.Is(err, errs.ErrInvalidParent) {
				return fmt.Errorf("refresh: %w", err)
			}
			logging.Debug("current folder gone, returning to root",
				logging.UserID(s.userID()), logging.EntryID(s.folderID))
			s.folderID = ""
			s.folderPath = "/"
		} else if folder, err := s.ns.Get(ctx, s.folderID, s.userID()); err == nil {
			s.folderPath = folder.Path
		}
	}

	files, folders, err := s.ns.ListChildren(ctx, s.userID(), s.folderID)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	s.files = files
	s.folders = folders
	return nil
}

// ListChildren lists a folder without changing the current folder.
func (s *Session) ListChildren(ctx context.Context, folderID string) (files, folders []*namespace.Entry, err error) {
	if err := s.ns.CheckParent(ctx, s.userID(), folderID); err != nil {
		return nil, nil, err
	}
	return s.ns.ListChildren(ctx, s.userID(), folderID)
}

// afterMutation refreshes and joins any refresh failure onto err.
func (s *Session) afterMutation(ctx context.Context, err error) error {
	if rerr := s.Refresh(ctx); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

// CreateFolder creates a folder in the current folder.
func (s *Session) CreateFolder(ctx context.Context, name string) (*namespace.Entry, error) {
	return s.CreateFolderIn(ctx, s.CurrentFolder(), name)
}

// CreateFolderIn creates a folder under parentID ("" for the root).
func (s *Session) CreateFolderIn(ctx context.Context, parentID, name string) (*namespace.Entry, error) {
	s.touch()
	folder, err := s.ns.CreateFolder(ctx, s.userID(), name, parentID)
	if err != nil {
		return nil, err
	}
	return folder, s.afterMutation(ctx, nil)
}

// Upload stores sources in the current folder. It blocks until every task
// is terminal and returns their final states in source order. Per-file
// failures are reported in the tasks, not as an error.
func (s *Session) Upload(ctx context.Context, sources []transfer.Source) ([]transfer.Task, error) {
	return s.UploadTo(ctx, s.CurrentFolder(), sources)
}

// UploadTo is Upload into parentID.
func (s *Session) UploadTo(ctx context.Context, parentID string, sources []transfer.Source) ([]transfer.Task, error) {
	s.touch()
	batch := s.uploads.StartUpload(ctx, s.userID(), parentID, sources)
	tasks := batch.Wait()
	// The batch is settled even if ctx was cancelled mid-way.
	return tasks, s.afterMutation(context.WithoutCancel(ctx), nil)
}

// targets returns ids, or the selection when ids is empty.
func (s *Session) targets(ids []string) []string {
	if len(ids) > 0 {
		return ids
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectionLocked()
}

// Delete permanently removes ids, or the selection when ids is empty. Each
// id is attempted; failures are joined into the returned error.
func (s *Session) Delete(ctx context.Context, ids []string) error {
	s.touch()
	var errList []error
	for _, id := range s.targets(ids) {
		if err := s.ns.Delete(ctx, id, s.userID()); err != nil {
			logging.Warn("delete failed", logging.UserID(s.userID()), logging.EntryID(id), logging.Err(err))
			errList = append(errList, fmt.Errorf("delete %s: %w", id, err))
		}
	}
	s.ClearSelection()
	return s.afterMutation(ctx, errors.Join(errList...))
}

// Move reparents ids, or the selection when ids is empty, under targetID.
func (s *Session) Move(ctx context.Context, ids []string, targetID string) error {
	s.touch()
	var errList []error
	for _, id := range s.targets(ids) {
		if _, err := s.ns.Move(ctx, id, s.userID(), targetID); err != nil {
			logging.Warn("move failed", logging.UserID(s.userID()), logging.EntryID(id), logging.Err(err))
			errList = append(errList, fmt.Errorf("move %s: %w", id, err))
		}
	}
	s.ClearSelection()
	return s.afterMutation(ctx, errors.Join(errList...))
}

// Rename renames one entry.
func (s *Session) Rename(ctx context.Context, id, name string) (*namespace.Entry, error) {
	s.touch()
	e, err := s.ns.Rename(ctx, id, s.userID(), name)
	if err != nil {
		return nil, err
	}
	return e, s.afterMutation(ctx, nil)
}

// UpdateMetadata applies u to one entry.
func (s *Session) UpdateMetadata(ctx context.Context, id string, u namespace.Update) (*namespace.Entry, error) {
	s.touch()
	e, err := s.ns.UpdateMetadata(ctx, id, s.userID(), u)
	if err != nil {
		return nil, err
	}
	return e, s.afterMutation(ctx, nil)
}

// ToggleStar flips the starred flag and returns the new value.
func (s *Session) ToggleStar(ctx context.Context, id string) (bool, error) {
	s.touch()
	starred, err := s.ns.ToggleStar(ctx, id, s.userID())
	if err != nil {
		return false, err
	}
	return starred, s.afterMutation(ctx, nil)
}

// Share publishes an entry.
func (s *Session) Share(ctx context.Context, id string, settings namespace.ShareSettings) (*namespace.Entry, error) {
	s.touch()
	e, err := s.ns.Share(ctx, id, s.userID(), settings)
	if err != nil {
		return nil, err
	}
	return e, s.afterMutation(ctx, nil)
}

// Unshare withdraws an entry's share.
func (s *Session) Unshare(ctx context.Context, id string) (*namespace.Entry, error) {
	s.touch()
	e, err := s.ns.Unshare(ctx, id, s.userID())
	if err != nil {
		return nil, err
	}
	return e, s.afterMutation(ctx, nil)
}

// Trash soft-deletes an entry and its subtree.
func (s *Session) Trash(ctx context.Context, id string) (*namespace.Entry, error) {
	s.touch()
	e, err := s.ns.Trash(ctx, id, s.userID())
	if err != nil {
		return nil, err
	}
	return e, s.afterMutation(ctx, nil)
}

// Restore takes an entry out of the trash.
func (s *Session) Restore(ctx context.Context, id string) (*namespace.Entry, error) {
	s.touch()
	e, err := s.ns.Restore(ctx, id, s.userID())
	if err != nil {
		return nil, err
	}
	return e, s.afterMutation(ctx, nil)
}

// Selection

// Select adds ids to the selection.
func (s *Session) Select(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.selection[id] = struct{}{}
	}
}

// Deselect removes ids from the selection.
func (s *Session) Deselect(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.selection, id)
	}
}

// SetSelection replaces the selection.
func (s *Session) SetSelection(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.selection[id] = struct{}{}
	}
}

// ClearSelection empties the selection.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	s.selection = make(map[string]struct{})
	s.mu.Unlock()
}

// Selection returns the selected ids, sorted.
func (s *Session) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectionLocked()
}

func (s *Session) selectionLocked() []string {
	ids := make([]string, 0, len(s.selection))
	for id := range s.selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Read-only views

func (s *Session) Get(ctx context.Context, id string) (*namespace.Entry, error) {
	return s.ns.Get(ctx, id, s.userID())
}

func (s *Session) Search(ctx context.Context, query string) ([]*namespace.Entry, error) {
	return s.ns.Search(ctx, s.userID(), query)
}

func (s *Session) ListTrash(ctx context.Context) ([]*namespace.Entry, error) {
	return s.ns.ListTrash(ctx, s.userID())
}

func (s *Session) ListStarred(ctx context.Context) ([]*namespace.Entry, error) {
	return s.ns.ListStarred(ctx, s.userID())
}

func (s *Session) ListShared(ctx context.Context) ([]*namespace.Entry, error) {
	return s.ns.ListShared(ctx, s.userID())
}

func (s *Session) ListRecent(ctx context.Context) ([]*namespace.Entry, error) {
	return s.ns.ListRecent(ctx, s.userID(), s.recentLimit)
}

func (s *Session) ListFolders(ctx context.Context) ([]*namespace.Entry, error) {
	return s.ns.ListFolders(ctx, s.userID())
}

func (s *Session) Stats(ctx context.Context) (*namespace.Stats, error) {
	return s.ns.Stats(ctx, s.userID())
}

// Usage returns the user's quota record.
func (s *Session) Usage(ctx context.Context) (*quota.Record, error) {
	return s.ledger.Usage(ctx, s.userID())
}

// Transfers

// Download opens a file the user owns or that is shared.
func (s *Session) Download(ctx context.Context, id string) (io.ReadCloser, *namespace.Entry, error) {
	s.touch()
	return s.uploads.Download(ctx, id, s.userID())
}

// CancelUpload cancels one task.
// BeginChunkedUpload starts a resumable upload into parentID.
func (s *Session) BeginChunkedUpload(ctx context.Context, parentID string, src transfer.Source) (transfer.ChunkStatus, error) {
	s.touch()
	return s.uploads.BeginChunked(ctx, s.userID(), parentID, src)
}

// WriteChunk stores one chunk of a resumable upload.
func (s *Session) WriteChunk(ctx context.Context, taskID string, index int, body io.Reader) (transfer.ChunkStatus, error) {
	s.touch()
	return s.uploads.WriteChunk(ctx, taskID, index, body)
}

// ChunkedStatus reports the chunks a resumable upload has received.
func (s *Session) ChunkedStatus(taskID string) (transfer.ChunkStatus, error) {
	s.touch()
	return s.uploads.ChunkedStatus(taskID)
}

// CompleteChunkedUpload finalizes a resumable upload and refreshes the
// current folder.
func (s *Session) CompleteChunkedUpload(ctx context.Context, taskID string) (transfer.Task, error) {
	s.touch()
	task, err := s.uploads.CompleteChunked(taskID)
	if err != nil {
		return transfer.Task{}, err
	}
	return task, s.afterMutation(context.WithoutCancel(ctx), nil)
}

func (s *Session) CancelUpload(taskID string) error {
	return s.uploads.Cancel(taskID)
}

// Tasks returns the upload task list.
func (s *Session) Tasks() []transfer.Task {
	return s.uploads.Snapshot()
}

// ClearFinished drops terminal tasks.
func (s *Session) ClearFinished() int {
	return s.uploads.ClearFinished()
}

// Subscribe streams task updates for this session.
func (s *Session) Subscribe() chan events.Event {
	return s.uploads.Subscribe()
}

// Unsubscribe stops a stream returned by Subscribe.
func (s *Session) Unsubscribe(ch chan events.Event) {
	s.uploads.Unsubscribe(ch)
}

// busy reports whether any upload is still running.
func (s *Session) busy() bool {
	for _, t := range s.uploads.Snapshot() {
		if !t.State.Terminal() {
			return true
		}
	}
	return false
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.uploads.Close()
}

package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/events"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metrics"
	"github.com/hcloud/hcloud/internal/quota"
)

const maxNameLength = 255

// errLoop reports a parent chain that revisits a folder.
var errLoop = fmt.Errorf("folder hierarchy loop: %w", errs.ErrInvalidParent)

// BlobDeleter removes stored content by locator.
type BlobDeleter interface {
	Delete(ctx context.Context, locator string) error
}

// Manager enforces hierarchy integrity over a Store. Mutations of one
// user's entries are serialized; different users proceed in parallel.
type Manager struct {
	store  Store
	blobs  BlobDeleter
	ledger *quota.Ledger
	sink   events.Sink
	now    func() time.Time
	locks  userLocks
}

// NewManager creates a namespace manager. A nil sink discards notifications.
func NewManager(store Store, blobs BlobDeleter, ledger *quota.Ledger, sink events.Sink) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{
		store:  store,
		blobs:  blobs,
		ledger: ledger,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Update lists the mutable fields of an entry. Nil fields are left as is.
type Update struct {
	Name     *string
	Tags     []string
	Metadata map[string]string
	Starred  *bool
}

// ShareSettings configures a public link. An empty Password leaves the
// link unprotected.
type ShareSettings struct {
	Password  string
	ExpiresAt *time.Time
}

// NewFile describes a file entry to materialize after a completed upload.
type NewFile struct {
	UserID           string
	ParentID         string
	Name             string
	Size             int64
	MimeType         string
	ContentLocator   string
	ThumbnailLocator string
	Metadata         map[string]string
}

// Stats summarizes a user's live namespace.
type Stats struct {
	Files      int                `json:"files"`
	Folders    int                `json:"folders"`
	Bytes      int64              `json:"bytes"`
	ByCategory map[Category]int64 `json:"by_category"`
}

// ListChildren returns the direct live children of parentID ("" is the
// root). Files are ordered by last modification, newest first, and folders
// by name.
func (m *Manager) ListChildren(ctx context.Context, userID, parentID string) (files, folders []*Entry, err error) {
	files, err = m.store.Find(ctx, Filter{UserID: userID, Kind: KindFile, Parent: ParentOf(parentID)}, OrderUpdatedDesc, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("list files: %w", err)
	}
	folders, err = m.store.Find(ctx, Filter{UserID: userID, Kind: KindFolder, Parent: ParentOf(parentID)}, OrderNameAsc, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("list folders: %w", err)
	}
	return files, folders, nil
}

// CreateFolder creates a folder under parentID. Sibling names need not be
// unique.
func (m *Manager) CreateFolder(ctx context.Context, userID, name, parentID string) (*Entry, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	parentPath, err := m.resolveParent(ctx, userID, parentID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	folder := &Entry{
		ID:        uuid.NewString(),
		Kind:      KindFolder,
		Name:      name,
		UserID:    userID,
		ParentID:  parentID,
		Path:      childPath(parentPath, name),
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      []string{},
	}
	if err := m.store.Create(ctx, folder); err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}

	logging.Info("folder created", logging.UserID(userID), logging.EntryID(folder.ID), zap.String("path", folder.Path))
	m.publish(events.EventFolderCreated, folder)
	return folder, nil
}

// CreateFile materializes a file entry for content already in the blob store.
func (m *Manager) CreateFile(ctx context.Context, nf NewFile) (*Entry, error) {
	name, err := cleanName(nf.Name)
	if err != nil {
		return nil, err
	}
	unlock, err := m.lockUser(ctx, nf.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	parentPath, err := m.resolveParent(ctx, nf.UserID, nf.ParentID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	file := &Entry{
		ID:        uuid.NewString(),
		Kind:      KindFile,
		Name:      name,
		UserID:    nf.UserID,
		ParentID:  nf.ParentID,
		Path:      childPath(parentPath, name),
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      []string{},
		File: &FileInfo{
			Size:             nf.Size,
			Category:         CategoryFromName(name),
			MimeType:         nf.MimeType,
			ContentLocator:   nf.ContentLocator,
			ThumbnailLocator: nf.ThumbnailLocator,
			Metadata:         nf.Metadata,
		},
	}
	if err := m.store.Create(ctx, file); err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return file, nil
}

// Get returns an entry owned by userID.
func (m *Manager) Get(ctx context.Context, id, userID string) (*Entry, error) {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, errs.ErrNotAuthorized
	}
	return e, nil
}

// Lookup returns an entry without an ownership check.
func (m *Manager) Lookup(ctx context.Context, id string) (*Entry, error) {
	return m.store.Get(ctx, id)
}

// Rename changes an entry's display name.
func (m *Manager) Rename(ctx context.Context, id, userID, name string) (*Entry, error) {
	return m.UpdateMetadata(ctx, id, userID, Update{Name: &name})
}

// UpdateMetadata applies u to an entry owned by userID and bumps its
// modification time. Metadata is ignored for folders.
func (m *Manager) UpdateMetadata(ctx context.Context, id, userID string, u Update) (*Entry, error) {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := m.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	renamed := false
	if u.Name != nil {
		name, err := cleanName(*u.Name)
		if err != nil {
			return nil, err
		}
		if name != e.Name {
			e.Name = name
			e.Path = childPath(parentPathOf(e.Path), name)
			renamed = true
		}
	}
	if u.Tags != nil {
		e.Tags = normalizeTags(u.Tags)
	}
	if u.Starred != nil {
		e.Starred = *u.Starred
	}
	switch e.Kind {
	case KindFile:
		if u.Metadata != nil {
			e.File.Metadata = u.Metadata
		}
		if renamed {
			e.File.Category = CategoryFromName(e.Name)
		}
	case KindFolder:
	}
	e.UpdatedAt = m.now()

	if err := m.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	if renamed && e.IsFolder() {
		if err := m.rewriteDescendantPaths(ctx, e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ToggleStar flips the starred flag and returns the new value.
func (m *Manager) ToggleStar(ctx context.Context, id, userID string) (bool, error) {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := m.Get(ctx, id, userID)
	if err != nil {
		return false, err
	}
	e.Starred = !e.Starred
	e.UpdatedAt = m.now()
	if err := m.store.Update(ctx, e); err != nil {
		return false, fmt.Errorf("update entry: %w", err)
	}
	return e.Starred, nil
}

// Share marks an entry as publicly retrievable through its share link.
func (m *Manager) Share(ctx context.Context, id, userID string, settings ShareSettings) (*Entry, error) {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := m.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	share := &Share{Link: "/share/" + e.ID, ExpiresAt: settings.ExpiresAt}
	if settings.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(settings.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash share password: %w", err)
		}
		share.PasswordHash = string(hash)
		share.Protected = true
	}
	e.Shared = true
	e.Share = share
	e.UpdatedAt = m.now()

	if err := m.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	logging.Info("entry shared", logging.UserID(userID), logging.EntryID(id), zap.Bool("protected", share.Protected))
	return e, nil
}

// Unshare revokes an entry's share link.
func (m *Manager) Unshare(ctx context.Context, id, userID string) (*Entry, error) {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := m.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	e.Shared = false
	e.Share = nil
	e.UpdatedAt = m.now()
	if err := m.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	return e, nil
}

// VerifyShare checks that an entry may be retrieved through its public
// link with the given password.
func (m *Manager) VerifyShare(ctx context.Context, id, password string) (*Entry, error) {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Shared || e.Trashed() {
		return nil, errs.ErrNotFound
	}
	if e.Share != nil {
		if e.Share.ExpiresAt != nil && m.now().After(*e.Share.ExpiresAt) {
			return nil, fmt.Errorf("%w: link expired", errs.ErrShareDenied)
		}
		if e.Share.PasswordHash != "" {
			if bcrypt.CompareHashAndPassword([]byte(e.Share.PasswordHash), []byte(password)) != nil {
				return nil, fmt.Errorf("%w: wrong password", errs.ErrShareDenied)
			}
		}
	}
	return e, nil
}

// Move reparents an entry. Moving a folder into itself or any of its
// descendants fails with errs.ErrCyclicMove.
func (m *Manager) Move(ctx context.Context, id, userID, newParentID string) (*Entry, error) {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := m.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if newParentID == id {
		return nil, errs.ErrCyclicMove
	}
	parentPath, err := m.resolveParent(ctx, userID, newParentID)
	if err != nil {
		return nil, err
	}
	if e.IsFolder() {
		if err := m.checkNotAncestor(ctx, id, newParentID); err != nil {
			return nil, err
		}
	}

	e.ParentID = newParentID
	e.Path = childPath(parentPath, e.Name)
	e.UpdatedAt = m.now()
	if err := m.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	if e.IsFolder() {
		if err := m.rewriteDescendantPaths(ctx, e); err != nil {
			return nil, err
		}
	}

	logging.Info("entry moved", logging.UserID(userID), logging.EntryID(id), zap.String("path", e.Path))
	m.publish(events.EventEntryMoved, e)
	return e, nil
}

// checkNotAncestor walks from target up to the root and fails if id is on
// the way.
func (m *Manager) checkNotAncestor(ctx context.Context, id, target string) error {
	visited := make(map[string]bool)
	for cur := target; cur != ""; {
		if cur == id {
			return errs.ErrCyclicMove
		}
		if visited[cur] {
			return fmt.Errorf("ancestor %s: %w", cur, errLoop)
		}
		visited[cur] = true

		parent, err := m.store.Get(ctx, cur)
		if err != nil {
			return fmt.Errorf("walk ancestors: %w", err)
		}
		cur = parent.ParentID
	}
	return nil
}

// Delete permanently removes an entry. Folders are removed with every
// descendant. A child that fails to delete is logged and skipped so its
// siblings still go; the folder's own record is then kept so nothing is
// orphaned, and the joined child errors are returned.
func (m *Manager) Delete(ctx context.Context, id, userID string) error {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := m.Get(ctx, id, userID)
	if err != nil {
		return err
	}

	switch e.Kind {
	case KindFile:
		err = m.deleteFile(ctx, e)
	case KindFolder:
		err = m.deleteFolder(ctx, e, make(map[string]bool))
	}
	if err != nil {
		return err
	}

	m.publish(events.EventEntryDeleted, e)
	return nil
}

func (m *Manager) deleteFile(ctx context.Context, e *Entry) error {
	if err := m.store.Delete(ctx, e.ID); err != nil {
		return fmt.Errorf("delete %s: %w", e.ID, err)
	}
	m.removeContent(ctx, e)
	m.release(ctx, e.UserID, e.File.Size)
	return nil
}

func (m *Manager) deleteFolder(ctx context.Context, folder *Entry, seen map[string]bool) error {
	if seen[folder.ID] {
		return fmt.Errorf("delete folder %s: %w", folder.ID, errLoop)
	}
	seen[folder.ID] = true

	children, err := m.store.Find(ctx, Filter{
		UserID:  folder.UserID,
		Parent:  ParentOf(folder.ID),
		Trashed: TrashAny,
	}, OrderNone, 0)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", folder.ID, err)
	}

	var files, folders []*Entry
	for _, c := range children {
		switch c.Kind {
		case KindFile:
			files = append(files, c)
		case KindFolder:
			folders = append(folders, c)
		}
	}

	var failed []error
	if len(files) > 0 {
		failed = append(failed, m.deleteFiles(ctx, files)...)
	}
	for _, sub := range folders {
		if err := m.deleteFolder(ctx, sub, seen); err != nil {
			logging.Warn("cascade delete: child folder failed",
				logging.EntryID(sub.ID), zap.String("parent_id", folder.ID), logging.Err(err))
			metrics.RecordCascadeFailure()
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("delete folder %s: %d children not removed: %w", folder.ID, len(failed), errors.Join(failed...))
	}
	if err := m.store.Delete(ctx, folder.ID); err != nil {
		return fmt.Errorf("delete folder %s: %w", folder.ID, err)
	}
	logging.Debug("folder deleted", logging.EntryID(folder.ID), zap.String("path", folder.Path))
	return nil
}

// deleteFiles removes sibling files with one batched delete, falling back
// to one call per file when the batch fails.
func (m *Manager) deleteFiles(ctx context.Context, files []*Entry) []error {
	ids := make([]string, len(files))
	var total int64
	for i, f := range files {
		ids[i] = f.ID
		total += f.File.Size
	}

	err := m.store.DeleteBatch(ctx, ids)
	if err == nil {
		for _, f := range files {
			m.removeContent(ctx, f)
		}
		m.release(ctx, files[0].UserID, total)
		return nil
	}
	logging.Warn("batch delete failed, deleting individually", zap.Int("count", len(ids)), logging.Err(err))

	var failed []error
	for _, f := range files {
		if err := m.deleteFile(ctx, f); err != nil {
			logging.Warn("cascade delete: child file failed", logging.EntryID(f.ID), logging.Err(err))
			metrics.RecordCascadeFailure()
			failed = append(failed, err)
		}
	}
	return failed
}

func (m *Manager) removeContent(ctx context.Context, e *Entry) {
	if e.File == nil {
		return
	}
	if e.File.ContentLocator != "" {
		if err := m.blobs.Delete(ctx, e.File.ContentLocator); err != nil {
			logging.Warn("blob delete failed", logging.EntryID(e.ID), zap.String("key", e.File.ContentLocator), logging.Err(err))
		}
	}
	if e.File.ThumbnailLocator != "" {
		if err := m.blobs.Delete(ctx, e.File.ThumbnailLocator); err != nil {
			logging.Warn("thumbnail delete failed", logging.EntryID(e.ID), zap.String("key", e.File.ThumbnailLocator), logging.Err(err))
		}
	}
}

func (m *Manager) release(ctx context.Context, userID string, bytes int64) {
	if bytes == 0 {
		return
	}
	if _, err := m.ledger.Commit(ctx, userID, -bytes); err != nil {
		logging.Error("quota release failed", logging.UserID(userID), zap.Int64("size", bytes), logging.Err(err))
	}
}

// Trash moves an entry and its descendants to the trash.
func (m *Manager) Trash(ctx context.Context, id, userID string) (*Entry, error) {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := m.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if e.Trashed() {
		return e, nil
	}

	now := m.now()
	e.DeletedAt = &now
	if err := m.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("trash entry: %w", err)
	}
	if e.IsFolder() {
		err := m.walkDescendants(ctx, e, func(_, d *Entry) error {
			if d.Trashed() {
				return nil
			}
			d.DeletedAt = &now
			return m.store.Update(ctx, d)
		})
		if err != nil {
			return nil, fmt.Errorf("trash descendants: %w", err)
		}
	}

	logging.Info("entry trashed", logging.UserID(userID), logging.EntryID(id))
	return e, nil
}

// Restore takes an entry out of the trash. Descendants trashed together
// with it are restored too. If the original parent is gone or trashed the
// entry is restored to the root.
func (m *Manager) Restore(ctx context.Context, id, userID string) (*Entry, error) {
	unlock, err := m.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := m.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !e.Trashed() {
		return e, nil
	}

	trashedAt := *e.DeletedAt
	e.DeletedAt = nil
	reparented := false
	if e.ParentID != "" {
		if _, err := m.resolveParent(ctx, userID, e.ParentID); err != nil {
			e.ParentID = ""
			e.Path = childPath("", e.Name)
			reparented = true
		}
	}
	e.UpdatedAt = m.now()
	if err := m.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("restore entry: %w", err)
	}
	if e.IsFolder() {
		err := m.walkDescendants(ctx, e, func(_, d *Entry) error {
			if d.DeletedAt == nil || !d.DeletedAt.Equal(trashedAt) {
				return nil
			}
			d.DeletedAt = nil
			return m.store.Update(ctx, d)
		})
		if err != nil {
			return nil, fmt.Errorf("restore descendants: %w", err)
		}
		if reparented {
			if err := m.rewriteDescendantPaths(ctx, e); err != nil {
				return nil, err
			}
		}
	}
	logging.Info("entry restored", logging.UserID(userID), logging.EntryID(id), zap.String("path", e.Path))
	return e, nil
}

// Search returns the user's live entries whose name or any tag contains
// query, case-insensitively. A blank query matches nothing.
func (m *Manager) Search(ctx context.Context, userID, query string) ([]*Entry, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []*Entry{}, nil
	}

	all, err := m.store.Find(ctx, Filter{UserID: userID}, OrderNameAsc, 0)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	results := make([]*Entry, 0)
	for _, e := range all {
		if e.matches(needle) {
			results = append(results, e)
		}
	}
	return results, nil
}

// ListTrash returns the top-level trashed entries, most recently trashed
// first.
func (m *Manager) ListTrash(ctx context.Context, userID string) ([]*Entry, error) {
	trashed, err := m.store.Find(ctx, Filter{UserID: userID, Trashed: TrashOnly}, OrderDeletedDesc, 0)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	inTrash := make(map[string]bool, len(trashed))
	for _, e := range trashed {
		inTrash[e.ID] = true
	}
	top := make([]*Entry, 0, len(trashed))
	for _, e := range trashed {
		if e.ParentID == "" || !inTrash[e.ParentID] {
			top = append(top, e)
		}
	}
	return top, nil
}

// ListStarred returns starred live entries.
func (m *Manager) ListStarred(ctx context.Context, userID string) ([]*Entry, error) {
	return m.store.Find(ctx, Filter{UserID: userID, Starred: true}, OrderUpdatedDesc, 0)
}

// ListShared returns shared live entries.
func (m *Manager) ListShared(ctx context.Context, userID string) ([]*Entry, error) {
	return m.store.Find(ctx, Filter{UserID: userID, Shared: true}, OrderUpdatedDesc, 0)
}

// ListRecent returns the most recently modified files.
func (m *Manager) ListRecent(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	return m.store.Find(ctx, Filter{UserID: userID, Kind: KindFile}, OrderUpdatedDesc, limit)
}

// ListFolders returns every live folder of the user, by name.
func (m *Manager) ListFolders(ctx context.Context, userID string) ([]*Entry, error) {
	return m.store.Find(ctx, Filter{UserID: userID, Kind: KindFolder}, OrderNameAsc, 0)
}

// Stats summarizes the user's live namespace.
func (m *Manager) Stats(ctx context.Context, userID string) (*Stats, error) {
	all, err := m.store.Find(ctx, Filter{UserID: userID}, OrderNone, 0)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	st := &Stats{ByCategory: make(map[Category]int64)}
	for _, e := range all {
		switch e.Kind {
		case KindFile:
			st.Files++
			st.Bytes += e.File.Size
			st.ByCategory[e.File.Category] += e.File.Size
		case KindFolder:
			st.Folders++
		}
	}
	return st, nil
}

// CheckParent reports whether parentID may receive new entries of userID.
func (m *Manager) CheckParent(ctx context.Context, userID, parentID string) error {
	_, err := m.resolveParent(ctx, userID, parentID)
	return err
}

// resolveParent validates a parent reference and returns its path.
func (m *Manager) resolveParent(ctx context.Context, userID, parentID string) (string, error) {
	if parentID == "" {
		return "", nil
	}
	parent, err := m.store.Get(ctx, parentID)
	if errors.Is(err, errs.ErrNotFound) {
		return "", fmt.Errorf("parent %s does not exist: %w", parentID, errs.ErrInvalidParent)
	}
	if err != nil {
		return "", fmt.Errorf("get parent: %w", err)
	}
	if parent.UserID != userID || !parent.IsFolder() || parent.Trashed() {
		return "", fmt.Errorf("parent %s is not a folder of this user: %w", parentID, errs.ErrInvalidParent)
	}
	return parent.Path, nil
}

// rewriteDescendantPaths recomputes the display path of every descendant
// of folder.
func (m *Manager) rewriteDescendantPaths(ctx context.Context, folder *Entry) error {
	return m.walkDescendants(ctx, folder, func(parent, c *Entry) error {
		c.Path = childPath(parent.Path, c.Name)
		if err := m.store.Update(ctx, c); err != nil {
			return fmt.Errorf("rewrite path of %s: %w", c.ID, err)
		}
		return nil
	})
}

// walkDescendants calls fn for every descendant of folder, parents before
// children. A folder reached twice aborts the walk with errLoop.
func (m *Manager) walkDescendants(ctx context.Context, folder *Entry, fn func(parent, child *Entry) error) error {
	seen := map[string]bool{folder.ID: true}
	var walk func(parent *Entry) error
	walk = func(parent *Entry) error {
		children, err := m.store.Find(ctx, Filter{UserID: parent.UserID, Parent: ParentOf(parent.ID), Trashed: TrashAny}, OrderNone, 0)
		if err != nil {
			return fmt.Errorf("list children of %s: %w", parent.ID, err)
		}
		for _, c := range children {
			if c.IsFolder() {
				if seen[c.ID] {
					return fmt.Errorf("folder %s: %w", c.ID, errLoop)
				}
				seen[c.ID] = true
			}
			if err := fn(parent, c); err != nil {
				return err
			}
			if c.IsFolder() {
				if err := walk(c); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(folder)
}

func (m *Manager) publish(eventType string, e *Entry) {
	m.sink.Publish(events.Event{
		Type:      eventType,
		UserID:    e.UserID,
		EntryID:   e.ID,
		Name:      e.Name,
		Size:      e.Size(),
		Timestamp: m.now().Unix(),
	})
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name is empty", errs.ErrInvalidName)
	case strings.ContainsAny(name, "/\x00"):
		return "", fmt.Errorf("%w: name contains a path separator", errs.ErrInvalidName)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: reserved name %q", errs.ErrInvalidName, name)
	case len(name) > maxNameLength:
		return "", fmt.Errorf("%w: name exceeds %d bytes", errs.ErrInvalidName, maxNameLength)
	}
	return name, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func parentPathOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return ""
	}
	return p[:i]
}

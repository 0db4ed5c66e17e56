package api

import (
	"net/http"
	"time"

	"github.com/hcloud/hcloud/internal/namespace"
)

type listResponse struct {
	Entries []*namespace.Entry `json:"entries"`
}

type childrenResponse struct {
	FolderID string             `json:"folder_id,omitempty"`
	Folders  []*namespace.Entry `json:"folders"`
	Files    []*namespace.Entry `json:"files"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type moveRequest struct {
	IDs      []string `json:"ids"`
	TargetID string   `json:"target_id"`
}

type createFolderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id"`
}

type updateRequest struct {
	Name     *string           `json:"name"`
	Tags     []string          `json:"tags"`
	Metadata map[string]string `json:"metadata"`
	Starred  *bool             `json:"starred"`
}

type shareRequest struct {
	Password  string     `json:"password"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type navigateRequest struct {
	FolderID string `json:"folder_id"`
}

// folderParam maps the "root" path segment to the root folder.
func folderParam(r *http.Request) string {
	id := r.PathValue("id")
	if id == "root" {
		return ""
	}
	return id
}

// ─── Navigation ─────────────────────────────────────────────────────────────

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Refresh(r.Context()); err != nil {
		s.fail(w, r, "refresh", err)
		return
	}
	sendJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req navigateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := sess.Navigate(r.Context(), req.FolderID)
	if err != nil {
		s.fail(w, r, "navigate", err)
		return
	}
	sendJSON(w, http.StatusOK, view)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	folderID := folderParam(r)
	files, folders, err := sess.ListChildren(r.Context(), folderID)
	if err != nil {
		s.fail(w, r, "list children", err)
		return
	}
	sendJSON(w, http.StatusOK, childrenResponse{FolderID: folderID, Folders: folders, Files: files})
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	folders, err := sess.ListFolders(r.Context())
	if err != nil {
		s.fail(w, r, "list folders", err)
		return
	}
	sendJSON(w, http.StatusOK, listResponse{Entries: folders})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req createFolderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	parentID := sess.CurrentFolder()
	if req.ParentID != nil {
		parentID = *req.ParentID
	}
	folder, err := sess.CreateFolderIn(r.Context(), parentID, req.Name)
	if err != nil && folder == nil {
		s.fail(w, r, "create folder", err)
		return
	}
	sendJSON(w, http.StatusCreated, folder)
}

// ─── Entries ────────────────────────────────────────────────────────────────

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	e, err := sess.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, "get entry", err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := sess.UpdateMetadata(r.Context(), r.PathValue("id"), namespace.Update{
		Name:     req.Name,
		Tags:     req.Tags,
		Metadata: req.Metadata,
		Starred:  req.Starred,
	})
	if err != nil && e == nil {
		s.fail(w, r, "update entry", err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := sess.Delete(r.Context(), req.IDs); err != nil {
		s.fail(w, r, "delete entries", err)
		return
	}
	sendJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleBulkMove(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := sess.Move(r.Context(), req.IDs, req.TargetID); err != nil {
		s.fail(w, r, "move entries", err)
		return
	}
	sendJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleToggleStar(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	starred, err := sess.ToggleStar(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, "toggle star", err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"starred": starred})
}

func (s *Server) handleShareEntry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req shareRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	e, err := sess.Share(r.Context(), r.PathValue("id"), namespace.ShareSettings{
		Password:  req.Password,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil && e == nil {
		s.fail(w, r, "share entry", err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleUnshareEntry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	e, err := sess.Unshare(r.Context(), r.PathValue("id"))
	if err != nil && e == nil {
		s.fail(w, r, "unshare entry", err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleTrashEntry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	e, err := sess.Trash(r.Context(), r.PathValue("id"))
	if err != nil && e == nil {
		s.fail(w, r, "trash entry", err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleRestoreEntry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	e, err := sess.Restore(r.Context(), r.PathValue("id"))
	if err != nil && e == nil {
		s.fail(w, r, "restore entry", err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

// ─── Views ──────────────────────────────────────────────────────────────────

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	entries, err := sess.ListTrash(r.Context())
	s.sendList(w, r, "list trash", entries, err)
}

func (s *Server) handleListStarred(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	entries, err := sess.ListStarred(r.Context())
	s.sendList(w, r, "list starred", entries, err)
}

func (s *Server) handleListShared(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	entries, err := sess.ListShared(r.Context())
	s.sendList(w, r, "list shared", entries, err)
}

func (s *Server) handleListRecent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	entries, err := sess.ListRecent(r.Context())
	s.sendList(w, r, "list recent", entries, err)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	entries, err := sess.Search(r.Context(), r.URL.Query().Get("q"))
	s.sendList(w, r, "search", entries, err)
}

func (s *Server) sendList(w http.ResponseWriter, r *http.Request, op string, entries []*namespace.Entry, err error) {
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	if entries == nil {
		entries = []*namespace.Entry{}
	}
	sendJSON(w, http.StatusOK, listResponse{Entries: entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	stats, err := sess.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "stats", err)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	rec, err := sess.Usage(r.Context())
	if err != nil {
		s.fail(w, r, "usage", err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"user_id":       rec.UserID,
		"plan":          rec.Plan,
		"limit":         rec.Limit,
		"consumed":      rec.Consumed,
		"available":     rec.Available(),
		"usage_percent": rec.UsagePercent(),
	})
}

// ─── Selection ──────────────────────────────────────────────────────────────

func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, idsRequest{IDs: sess.Selection()})
}

func (s *Server) handleSetSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess.SetSelection(req.IDs)
	sendJSON(w, http.StatusOK, idsRequest{IDs: sess.Selection()})
}

func (s *Server) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

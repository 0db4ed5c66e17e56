package api

import (
	"net/http"

	"github.com/hcloud/hcloud/internal/namespace"
)

// handleShare serves a shared entry without authentication. Files are
// streamed; folders are listed one level deep.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	password := r.URL.Query().Get("password")
	if password == "" {
		password = r.Header.Get("X-Share-Password")
	}

	e, err := s.namespace.VerifyShare(r.Context(), r.PathValue("id"), password)
	if err != nil {
		s.fail(w, r, "open share", err)
		return
	}

	switch e.Kind {
	case namespace.KindFolder:
		files, folders, err := s.namespace.ListChildren(r.Context(), e.UserID, e.ID)
		if err != nil {
			s.fail(w, r, "list share", err)
			return
		}
		sendJSON(w, http.StatusOK, childrenResponse{FolderID: e.ID, Folders: folders, Files: files})
	case namespace.KindFile:
		rc, err := s.sessions.Public().OpenVerified(r.Context(), e)
		if err != nil {
			s.fail(w, r, "share download", err)
			return
		}
		defer rc.Close()
		streamFile(w, r, rc, e.Name, e.File.MimeType, e.Size())
	}
}

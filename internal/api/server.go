// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/hcloud/hcloud/internal/auth"
	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/events"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metrics"
	"github.com/hcloud/hcloud/internal/namespace"
	"github.com/hcloud/hcloud/internal/quota"
	"github.com/hcloud/hcloud/internal/session"
)

// multipartMemory is the in-memory part of a parsed upload form; larger
// parts spill to temporary files.
const multipartMemory = 32 << 20

// Deps are the collaborators of a Server.
type Deps struct {
	Sessions    *session.Registry
	Namespace   *namespace.Manager
	Broadcaster *events.Broadcaster
	Verifier    auth.Verifier
	RateLimiter *quota.RateLimiter
}

// Server is the HTTP server.
type Server struct {
	sessions    *session.Registry
	namespace   *namespace.Manager
	broadcaster *events.Broadcaster
	verifier    auth.Verifier
	rateLimiter *quota.RateLimiter
}

// NewServer creates a new server.
func NewServer(deps Deps) *Server {
	return &Server{
		sessions:    deps.Sessions,
		namespace:   deps.Namespace,
		broadcaster: deps.Broadcaster,
		verifier:    deps.Verifier,
		rateLimiter: deps.RateLimiter,
	}
}

// Handler returns the HTTP handler with auth, rate limiting and logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	route(mux, "GET /health", s.handleHealth)
	route(mux, "GET /share/{id}", s.handleShare)

	protected := http.NewServeMux()

	// Navigation
	route(protected, "GET /api/v1/cwd", s.handleView)
	route(protected, "PUT /api/v1/cwd", s.handleNavigate)
	route(protected, "GET /api/v1/folders", s.handleListFolders)
	route(protected, "GET /api/v1/folders/{id}/children", s.handleChildren)
	route(protected, "POST /api/v1/folders", s.handleCreateFolder)

	// Uploads
	route(protected, "POST /api/v1/uploads", s.handleUpload)
	route(protected, "GET /api/v1/uploads", s.handleListUploads)
	route(protected, "DELETE /api/v1/uploads", s.handleClearUploads)
	route(protected, "DELETE /api/v1/uploads/{taskID}", s.handleCancelUpload)
	route(protected, "POST /api/v1/uploads/chunked", s.handleBeginChunked)
	route(protected, "GET /api/v1/uploads/chunked/{taskID}", s.handleChunkedStatus)
	route(protected, "PUT /api/v1/uploads/chunked/{taskID}/{index}", s.handleWriteChunk)
	route(protected, "POST /api/v1/uploads/chunked/{taskID}/complete", s.handleCompleteChunked)
	route(protected, "GET /api/v1/events", s.handleEvents)

	// Entries
	route(protected, "DELETE /api/v1/entries", s.handleBulkDelete)
	route(protected, "POST /api/v1/entries/move", s.handleBulkMove)
	route(protected, "GET /api/v1/entries/{id}", s.handleGetEntry)
	route(protected, "PATCH /api/v1/entries/{id}", s.handleUpdateEntry)
	route(protected, "GET /api/v1/entries/{id}/content", s.handleDownload)
	route(protected, "POST /api/v1/entries/{id}/star", s.handleToggleStar)
	route(protected, "POST /api/v1/entries/{id}/share", s.handleShareEntry)
	route(protected, "DELETE /api/v1/entries/{id}/share", s.handleUnshareEntry)
	route(protected, "POST /api/v1/entries/{id}/trash", s.handleTrashEntry)
	route(protected, "POST /api/v1/entries/{id}/restore", s.handleRestoreEntry)

	// Views
	route(protected, "GET /api/v1/trash", s.handleListTrash)
	route(protected, "GET /api/v1/starred", s.handleListStarred)
	route(protected, "GET /api/v1/shared", s.handleListShared)
	route(protected, "GET /api/v1/recent", s.handleListRecent)
	route(protected, "GET /api/v1/search", s.handleSearch)
	route(protected, "GET /api/v1/stats", s.handleStats)
	route(protected, "GET /api/v1/usage", s.handleUsage)

	// Selection
	route(protected, "GET /api/v1/selection", s.handleGetSelection)
	route(protected, "PUT /api/v1/selection", s.handleSetSelection)
	route(protected, "DELETE /api/v1/selection", s.handleClearSelection)

	// Wrap protected routes with auth then rate limiter
	var authed http.Handler = protected
	if s.rateLimiter != nil {
		authed = s.rateLimiter.Middleware(auth.UserID)(authed)
	}
	authed = auth.Middleware(s.verifier)(authed)
	mux.Handle("/api/v1/", authed)

	return logging.Middleware(mux)
}

func route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, metrics.Instrument(pattern, h))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// session resolves the caller's session. On failure the response has
// already been written.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		sendError(w, http.StatusUnauthorized, "not authenticated")
		return nil, false
	}
	sess, err := s.sessions.Open(r.Context(), *id)
	if err != nil {
		s.fail(w, r, "open session", err)
		return nil, false
	}
	return sess, true
}

// fail logs err and writes it with the status of its taxonomy class.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := errs.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error(op+" failed", logging.Err(err))
	} else {
		logging.WithContext(r.Context()).Debug(op+" rejected", logging.Err(err))
	}
	sendError(w, code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, map[string]any{
		"error": message,
		"code":  code,
	})
}

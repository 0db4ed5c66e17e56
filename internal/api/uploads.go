package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/transfer"
)

// maxThumbnailSize caps client-rendered thumbnails.
const maxThumbnailSize = 1 << 20

type uploadResponse struct {
	Tasks []transfer.Task `json:"tasks"`
}

// handleUpload accepts a multipart form with one "files" part per file and
// optional "thumbnails" parts whose filename matches a file part. The
// target folder is the "parent_id" field, or the current folder. The
// request returns once every file has reached a terminal state.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		sendError(w, http.StatusBadRequest, "no files in form")
		return
	}

	thumbs, err := readThumbnails(r.MultipartForm.File["thumbnails"])
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	sources := make([]transfer.Source, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.fail(w, r, "open upload part", err)
			return
		}
		defer f.Close()
		sources = append(sources, transfer.Source{
			Name:      fh.Filename,
			Size:      fh.Size,
			MimeType:  fh.Header.Get("Content-Type"),
			Body:      f,
			Thumbnail: thumbs[fh.Filename],
		})
	}

	parentID := sess.CurrentFolder()
	if vals, ok := r.MultipartForm.Value["parent_id"]; ok && len(vals) > 0 {
		parentID = vals[0]
	}

	logging.WithContext(r.Context()).Info("upload batch received",
		logging.String("parent_id", parentID), logging.Int64("files", int64(len(sources))))

	tasks, err := sess.UploadTo(r.Context(), parentID, sources)
	if err != nil {
		logging.WithContext(r.Context()).Warn("refresh after upload failed", logging.Err(err))
	}
	sendJSON(w, http.StatusOK, uploadResponse{Tasks: tasks})
}

func readThumbnails(headers []*multipart.FileHeader) (map[string][]byte, error) {
	thumbs := make(map[string][]byte, len(headers))
	for _, fh := range headers {
		if fh.Size > maxThumbnailSize {
			return nil, fmt.Errorf("thumbnail for %s too large", fh.Filename)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open thumbnail: %w", err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read thumbnail: %w", err)
		}
		thumbs[fh.Filename] = data
	}
	return thumbs, nil
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, uploadResponse{Tasks: sess.Tasks()})
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.CancelUpload(r.PathValue("taskID")); err != nil {
		s.fail(w, r, "cancel upload", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClearUploads(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, map[string]int{"cleared": sess.ClearFinished()})
}

// ─── Resumable Uploads ──────────────────────────────────────────────────────

type beginChunkedRequest struct {
	Name      string            `json:"name"`
	Size      int64             `json:"size"`
	MimeType  string            `json:"mime_type"`
	ParentID  *string           `json:"parent_id"`
	Thumbnail []byte            `json:"thumbnail"`
	Metadata  map[string]string `json:"metadata"`
}

// handleBeginChunked opens a resumable upload. The client then PUTs each
// chunk by index, may GET the status to resume, and POSTs complete.
func (s *Server) handleBeginChunked(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req beginChunkedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Thumbnail) > maxThumbnailSize {
		sendError(w, http.StatusBadRequest, "thumbnail too large")
		return
	}
	parentID := sess.CurrentFolder()
	if req.ParentID != nil {
		parentID = *req.ParentID
	}

	st, err := sess.BeginChunkedUpload(r.Context(), parentID, transfer.Source{
		Name:      req.Name,
		Size:      req.Size,
		MimeType:  req.MimeType,
		Thumbnail: req.Thumbnail,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.fail(w, r, "begin chunked upload", err)
		return
	}
	sendJSON(w, http.StatusCreated, st)
}

func (s *Server) handleWriteChunk(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		sendError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	st, err := sess.WriteChunk(r.Context(), r.PathValue("taskID"), index, r.Body)
	if err != nil {
		s.fail(w, r, "write chunk", err)
		return
	}
	sendJSON(w, http.StatusOK, st)
}

func (s *Server) handleChunkedStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	st, err := sess.ChunkedStatus(r.PathValue("taskID"))
	if err != nil {
		s.fail(w, r, "chunked upload status", err)
		return
	}
	sendJSON(w, http.StatusOK, st)
}

func (s *Server) handleCompleteChunked(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	task, err := sess.CompleteChunkedUpload(r.Context(), r.PathValue("taskID"))
	if err != nil && task.ID == "" {
		s.fail(w, r, "complete chunked upload", err)
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Warn("refresh after upload failed", logging.Err(err))
	}
	sendJSON(w, http.StatusOK, task)
}

// ─── Downloads ──────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	rc, e, err := sess.Download(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, "download", err)
		return
	}
	defer rc.Close()
	streamFile(w, r, rc, e.Name, e.File.MimeType, e.Size())
}

func streamFile(w http.ResponseWriter, r *http.Request, body io.Reader, name, mimeType string, size int64) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logging.WithContext(r.Context()).Warn("download interrupted", logging.Err(err))
	}
}

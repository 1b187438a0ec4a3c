package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MimeLyc/audio-transcriber/internal/jobs"
	"github.com/MimeLyc/audio-transcriber/internal/upload"
	"github.com/MimeLyc/audio-transcriber/pkg/file"
)

type createUploadRequest struct {
	Filename     string `json:"filename"`
	TotalSize    int64  `json:"total_size"`
	MimeType     string `json:"mime_type"`
	LanguageHint string `json:"language_hint"`
}

type uploadStatusResponse struct {
	*upload.Session
	ReceivedChunks []int `json:"received_chunks"`
	MissingChunks  []int `json:"missing_chunks"`
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	session, err := s.uploads.CreateSession(r.Context(), upload.CreateRequest{
		Filename:     req.Filename,
		TotalSize:    req.TotalSize,
		MimeType:     req.MimeType,
		LanguageHint: req.LanguageHint,
	})
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleUploadRoutes(w http.ResponseWriter, r *http.Request) {
	uploadID, rest, ok := parseResourceRoute(r.URL.Path, "/api/uploads/")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			s.handleUploadStatus(w, r, uploadID)
		case http.MethodDelete:
			s.handleAbortUpload(w, r, uploadID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case len(rest) == 2 && rest[0] == "chunks":
		s.handlePutChunk(w, r, uploadID, rest[1])
	case len(rest) == 1 && rest[0] == "complete":
		s.handleCompleteUpload(w, r, uploadID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request, uploadID string) {
	session, err := s.uploads.GetStatus(r.Context(), uploadID)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadStatusResponse{
		Session:        session,
		ReceivedChunks: session.ReceivedIndices(),
		MissingChunks:  session.MissingIndices(),
	})
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request, uploadID, rawIndex string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.maxChunkBytes)
	received, err := s.uploads.PutChunk(r.Context(), uploadID, index, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "chunk body too large")
			return
		}
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload_id":       uploadID,
		"chunk_index":     index,
		"received_chunks": received,
	})
}

type completeUploadRequest struct {
	SHA256 string `json:"sha256"`
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request, uploadID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req completeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.SHA256) == "" {
		writeError(w, http.StatusBadRequest, "sha256 is required")
		return
	}

	jobID, err := s.uploads.Complete(r.Context(), uploadID, req.SHA256)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	job, _ := s.queue.Get(jobID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id": jobID,
		"job":    job,
	})
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request, uploadID string) {
	if err := s.uploads.Abort(r.Context(), uploadID); err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.queue.List())
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, rest, ok := parseResourceRoute(r.URL.Path, "/api/jobs/")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			s.handleJobDetail(w, r, jobID)
		case http.MethodDelete:
			s.handleDeleteJob(w, r, jobID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case len(rest) == 1 && rest[0] == "retry":
		s.handleRetryJob(w, r, jobID)
	case len(rest) == 1 && rest[0] == "cancel":
		s.handleCancelJob(w, r, jobID)
	case len(rest) == 2 && rest[0] == "outputs":
		s.handleDownloadOutput(w, r, jobID, rest[1])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type jobDetailResponse struct {
	*jobs.Job
	DoneSegments  int      `json:"done_segments"`
	TotalSegments int      `json:"total_segments"`
	OutputFormats []string `json:"output_formats"`
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.queue.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	formats := make([]string, 0, len(job.Outputs))
	for format := range job.Outputs {
		formats = append(formats, format)
	}
	writeJSON(w, http.StatusOK, jobDetailResponse{
		Job:           job,
		DoneSegments:  job.DoneSegments(),
		TotalSegments: len(job.Segments),
		OutputFormats: formats,
	})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.queue.Requeue(jobID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.queue.Cancel(jobID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, found := s.queue.Get(jobID)
	if err := s.queue.Delete(r.Context(), jobID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.chunks.DeleteJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The assembled upload is the job's input; it goes with the job.
	if found && job.UploadID != "" {
		if err := s.chunks.DeleteUpload(r.Context(), job.UploadID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

var outputContentTypes = map[string]string{
	"txt":  "text/plain; charset=utf-8",
	"json": "application/json",
	"srt":  "application/x-subrip",
	"vtt":  "text/vtt",
}

func (s *Server) handleDownloadOutput(w http.ResponseWriter, r *http.Request, jobID, format string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, ok := s.queue.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Stage.Before(jobs.StageGeneratingOutputs) {
		writeError(w, http.StatusConflict, "job has not generated outputs yet")
		return
	}
	ref, ok := job.Outputs[format]
	if !ok {
		writeError(w, http.StatusNotFound, "output format not available")
		return
	}

	reader, err := s.chunks.Open(r.Context(), ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer reader.Close()

	contentType := outputContentTypes[format]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	downloadName := "transcript." + format
	if job.Filename != "" {
		downloadName = filepath.Base(file.ReplaceExt(job.Filename, format))
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+downloadName+`"`)
	_, _ = io.Copy(w, reader)
}

// parseResourceRoute splits "/api/<kind>/{id}[/...]" into the resource id and
// the remaining path elements.
func parseResourceRoute(path, prefix string) (id string, rest []string, ok bool) {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return "", nil, false
	}
	parts := strings.Split(trimmed, "/")
	rawID, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(rawID) == "" {
		return "", nil, false
	}
	return rawID, parts[1:], true
}

func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, upload.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, upload.ErrUnsupportedMediaType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, upload.ErrChunkOutOfRange),
		errors.Is(err, upload.ErrIncompleteUpload),
		errors.Is(err, upload.ErrIntegrityMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, upload.ErrSessionNotCollecting):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

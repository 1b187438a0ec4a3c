package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/audio-transcriber/internal/chunkstore"
	"github.com/MimeLyc/audio-transcriber/internal/jobs"
	"github.com/MimeLyc/audio-transcriber/internal/upload"
)

type Server struct {
	uploads *upload.Manager
	queue   *jobs.Queue
	chunks  *chunkstore.Store

	maxChunkBytes int64

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

// WithMaxChunkBytes caps the request body accepted for a single chunk.
func WithMaxChunkBytes(n int64) Option {
	return func(s *Server) {
		s.maxChunkBytes = n
	}
}

func NewServer(uploads *upload.Manager, queue *jobs.Queue, chunks *chunkstore.Store, opts ...Option) *Server {
	s := &Server{
		uploads:       uploads,
		queue:         queue,
		chunks:        chunks,
		maxChunkBytes: 8 << 20,
		mux:           http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/uploads", s.handleUploads)
	s.mux.HandleFunc("/api/uploads/", s.handleUploadRoutes)
	s.mux.HandleFunc("/api/jobs", s.handleListJobs)
	s.mux.HandleFunc("/api/jobs/stream", s.handleJobStream)
	s.mux.HandleFunc("/api/jobs/", s.handleJobRoutes)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

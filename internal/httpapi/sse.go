package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/MimeLyc/audio-transcriber/internal/jobs"
)

// jobProgress is the compact per-job view pushed over the event stream.
type jobProgress struct {
	ID            string      `json:"id"`
	Status        jobs.Status `json:"status"`
	Stage         jobs.Stage  `json:"stage"`
	DoneSegments  int         `json:"done_segments"`
	TotalSegments int         `json:"total_segments"`
	Error         string      `json:"error,omitempty"`
}

// handleJobStream pushes progress snapshots as server-sent events so clients
// can render live transcription progress without polling. An event is only
// emitted when something actually changed since the last tick.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var last []byte
	send := func() bool {
		payload, err := json.Marshal(s.progressSnapshot())
		if err != nil {
			return false
		}
		if bytes.Equal(payload, last) {
			return true
		}
		last = payload
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func (s *Server) progressSnapshot() []jobProgress {
	list := s.queue.List()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	progress := make([]jobProgress, 0, len(list))
	for _, job := range list {
		progress = append(progress, jobProgress{
			ID:            job.ID,
			Status:        job.Status,
			Stage:         job.Stage,
			DoneSegments:  job.DoneSegments(),
			TotalSegments: len(job.Segments),
			Error:         job.Error,
		})
	}
	return progress
}

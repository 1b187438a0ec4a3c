package upload

import (
	"context"
	"errors"
	"sort"
	"time"
)

type SessionStatus string

const (
	StatusCollecting SessionStatus = "collecting"
	StatusFinalizing SessionStatus = "finalizing"
	StatusCompleted  SessionStatus = "completed"
	StatusAborted    SessionStatus = "aborted"
)

// Client input errors. Surfaced to the caller, never retried automatically.
var (
	ErrPayloadTooLarge      = errors.New("declared size exceeds the upload limit")
	ErrUnsupportedMediaType = errors.New("media type is not in the allow-list")
	ErrSessionNotFound      = errors.New("upload session not found")
	ErrSessionNotCollecting = errors.New("upload session is not accepting chunks")
	ErrChunkOutOfRange      = errors.New("chunk index out of range")
	ErrIncompleteUpload     = errors.New("upload has missing chunks")
	ErrIntegrityMismatch    = errors.New("content hash does not match declared hash")
)

// Session tracks one resumable upload. Chunks may arrive in any order; the
// session finalizes only when every index is present and the reassembled
// content hash matches the client-declared hash.
type Session struct {
	ID           string        `json:"id"`
	Filename     string        `json:"filename"`
	TotalSize    int64         `json:"total_size"`
	MimeType     string        `json:"mime_type"`
	ChunkSize    int64         `json:"chunk_size"`
	TotalChunks  int           `json:"total_chunks"`
	Received     map[int]bool  `json:"received"`
	LanguageHint string        `json:"language_hint,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ReceivedIndices returns the sorted list of chunk indices stored so far.
func (s *Session) ReceivedIndices() []int {
	ret := make([]int, 0, len(s.Received))
	for i := range s.Received {
		ret = append(ret, i)
	}
	sort.Ints(ret)
	return ret
}

// MissingIndices returns the sorted list of chunk indices still needed.
func (s *Session) MissingIndices() []int {
	ret := make([]int, 0)
	for i := 0; i < s.TotalChunks; i++ {
		if !s.Received[i] {
			ret = append(ret, i)
		}
	}
	return ret
}

// SessionStore persists upload sessions so clients can resume after a service
// restart.
type SessionStore interface {
	LoadSessions(ctx context.Context) ([]*Session, error)
	UpsertSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, sessionID string) error
}

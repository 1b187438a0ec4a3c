package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/MimeLyc/audio-transcriber/internal/chunkstore"
	"github.com/MimeLyc/audio-transcriber/pkg/log"
)

// JobCreator is called once an upload finalizes; it must create the pipeline
// job for the reassembled file and return its id.
type JobCreator func(ctx context.Context, session *Session, sourceRef string) (string, error)

// Config bounds what the manager accepts.
type Config struct {
	MaxBytes     int64
	ChunkBytes   int64
	SessionTTL   time.Duration
	AllowedTypes []string
}

// Manager implements the resumable upload contract: sessions collect chunks
// in any order and finalize only when complete and integrity-checked.
type Manager struct {
	cfg       Config
	chunks    *chunkstore.Store
	store     SessionStore
	createJob JobCreator
	logger    *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg Config, chunks *chunkstore.Store, store SessionStore, createJob JobCreator) *Manager {
	m := &Manager{
		cfg:       cfg,
		chunks:    chunks,
		store:     store,
		createJob: createJob,
		logger:    log.GetLogger().With("uploads"),
		sessions:  make(map[string]*Session),
	}
	m.hydrateFromStore(context.Background())
	return m
}

// CreateRequest describes a declared upload.
type CreateRequest struct {
	Filename     string
	TotalSize    int64
	MimeType     string
	LanguageHint string
}

// CreateSession validates the declaration and opens a new collecting session.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.TotalSize <= 0 {
		return nil, fmt.Errorf("total size must be positive")
	}
	if req.TotalSize > m.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes declared, limit is %d", ErrPayloadTooLarge, req.TotalSize, m.cfg.MaxBytes)
	}
	if !m.typeAllowed(req.MimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, req.MimeType)
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		Filename:     filepath.Base(req.Filename),
		TotalSize:    req.TotalSize,
		MimeType:     req.MimeType,
		ChunkSize:    m.cfg.ChunkBytes,
		TotalChunks:  int((req.TotalSize + m.cfg.ChunkBytes - 1) / m.cfg.ChunkBytes),
		Received:     make(map[int]bool),
		LanguageHint: req.LanguageHint,
		Status:       StatusCollecting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.sessions[session.ID] = cloneSession(session)
	m.mu.Unlock()

	m.persistSession(session)
	m.logger.Info("Upload session %s created for %s (%d chunks)", session.ID, session.Filename, session.TotalChunks)
	return session, nil
}

// PutChunk stores the bytes for one chunk index. Re-uploading the same index
// overwrites without error so clients can safely retry. Returns the count of
// chunks received so far.
func (m *Manager) PutChunk(ctx context.Context, uploadID string, index int, data io.Reader) (int, error) {
	m.mu.RLock()
	session, ok := m.sessions[uploadID]
	if ok {
		session = cloneSession(session)
	}
	m.mu.RUnlock()

	if !ok {
		return 0, ErrSessionNotFound
	}
	if session.Status != StatusCollecting {
		return 0, fmt.Errorf("%w: status is %s", ErrSessionNotCollecting, session.Status)
	}
	if index < 0 || index >= session.TotalChunks {
		return 0, fmt.Errorf("%w: index %d, session has %d chunks", ErrChunkOutOfRange, index, session.TotalChunks)
	}

	if _, err := m.chunks.PutChunk(ctx, uploadID, index, data); err != nil {
		return 0, fmt.Errorf("store chunk %d: %w", index, err)
	}

	m.mu.Lock()
	live, ok := m.sessions[uploadID]
	if !ok || live.Status != StatusCollecting {
		m.mu.Unlock()
		return 0, ErrSessionNotCollecting
	}
	live.Received[index] = true
	live.UpdatedAt = time.Now()
	snapshot := cloneSession(live)
	m.mu.Unlock()

	m.persistSession(snapshot)
	return len(snapshot.Received), nil
}

// GetStatus returns a snapshot for client-side resume.
func (m *Manager) GetStatus(_ context.Context, uploadID string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[uploadID]
	if ok {
		session = cloneSession(session)
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Complete reassembles the chunks in index order, verifies the declared
// SHA-256 hash and hands the file to the pipeline. On integrity mismatch the
// session stays collecting so the client can re-upload suspect chunks and
// try again.
func (m *Manager) Complete(ctx context.Context, uploadID, declaredHash string) (string, error) {
	m.mu.Lock()
	session, ok := m.sessions[uploadID]
	if !ok {
		m.mu.Unlock()
		return "", ErrSessionNotFound
	}
	if session.Status != StatusCollecting {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: status is %s", ErrSessionNotCollecting, session.Status)
	}
	if missing := session.MissingIndices(); len(missing) > 0 {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d of %d chunks missing", ErrIncompleteUpload, len(missing), session.TotalChunks)
	}
	session.Status = StatusFinalizing
	session.UpdatedAt = time.Now()
	snapshot := cloneSession(session)
	m.mu.Unlock()
	m.persistSession(snapshot)

	jobID, err := m.finalize(ctx, snapshot, declaredHash)
	if err != nil {
		// Integrity and assembly failures leave the session resumable.
		m.setStatus(uploadID, StatusCollecting)
		return "", err
	}

	m.setStatus(uploadID, StatusCompleted)
	if err := m.deleteChunks(ctx, uploadID, snapshot.TotalChunks); err != nil {
		m.logger.Warn("Failed to delete chunks for completed upload %s: %v", uploadID, err)
	}
	m.logger.Info("Upload %s completed, job %s created", uploadID, jobID)
	return jobID, nil
}

func (m *Manager) finalize(ctx context.Context, session *Session, declaredHash string) (string, error) {
	sourceRef := chunkstore.UploadRef(session.ID)
	sourcePath := m.chunks.Path(sourceRef)
	if err := os.MkdirAll(filepath.Dir(sourcePath), 0o750); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}

	f, err := os.Create(sourcePath)
	if err != nil {
		return "", fmt.Errorf("create assembled file: %w", err)
	}

	hasher := sha256.New()
	err = m.chunks.Assemble(ctx, session.ID, session.TotalChunks, io.MultiWriter(f, hasher))
	closeErr := f.Close()
	if err != nil {
		return "", fmt.Errorf("assemble upload: %w", err)
	}
	if closeErr != nil {
		return "", fmt.Errorf("flush assembled file: %w", closeErr)
	}

	gotHash := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(gotHash, declaredHash) {
		return "", fmt.Errorf("%w: got %s", ErrIntegrityMismatch, gotHash)
	}

	// The declared mime type was checked at session creation; sniff the real
	// content too so a mislabeled non-media file fails fast.
	sniffed, err := mimetype.DetectFile(sourcePath)
	if err != nil {
		return "", fmt.Errorf("sniff assembled file: %w", err)
	}
	if !m.typeAllowed(sniffed.String()) {
		return "", fmt.Errorf("%w: content sniffed as %s", ErrUnsupportedMediaType, sniffed.String())
	}

	return m.createJob(ctx, session, sourceRef)
}

// Abort deletes stored chunks and marks the session aborted. Aborting an
// unknown or already-aborted session is a no-op. A completed session cannot
// be aborted: its assembled file is the input of a pipeline job.
func (m *Manager) Abort(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	session, ok := m.sessions[uploadID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if session.Status == StatusAborted {
		m.mu.Unlock()
		return nil
	}
	if session.Status == StatusCompleted {
		m.mu.Unlock()
		return fmt.Errorf("%w: status is %s", ErrSessionNotCollecting, StatusCompleted)
	}
	session.Status = StatusAborted
	session.UpdatedAt = time.Now()
	snapshot := cloneSession(session)
	m.mu.Unlock()

	m.persistSession(snapshot)
	if err := m.chunks.DeleteUpload(ctx, uploadID); err != nil {
		return err
	}
	return nil
}

// ReclaimStale drops sessions that went idle past the TTL. In-progress
// sessions are aborted first so their chunks are deleted; terminal sessions
// only lose their record, since a completed session's assembled file belongs
// to the job and is cleaned up with it. Intended to run on a cron schedule.
func (m *Manager) ReclaimStale(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.SessionTTL)

	m.mu.RLock()
	abort := make([]string, 0)
	evict := make([]string, 0)
	for id, session := range m.sessions {
		if !session.UpdatedAt.Before(cutoff) {
			continue
		}
		switch session.Status {
		case StatusCollecting, StatusFinalizing:
			abort = append(abort, id)
		case StatusCompleted, StatusAborted:
			evict = append(evict, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range abort {
		m.logger.Info("Reclaiming stale upload session %s", id)
		if err := m.Abort(ctx, id); err != nil {
			m.logger.Error("Failed to reclaim session %s: %v", id, err)
		}
		m.forget(ctx, id)
	}
	for _, id := range evict {
		m.logger.Debug("Evicting finished upload session %s", id)
		m.forget(ctx, id)
	}
}

func (m *Manager) forget(ctx context.Context, uploadID string) {
	m.mu.Lock()
	delete(m.sessions, uploadID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteSession(ctx, uploadID); err != nil {
			m.logger.Error("Failed to delete session %s from store: %v", uploadID, err)
		}
	}
}

func (m *Manager) setStatus(uploadID string, status SessionStatus) {
	m.mu.Lock()
	session, ok := m.sessions[uploadID]
	if !ok {
		m.mu.Unlock()
		return
	}
	session.Status = status
	session.UpdatedAt = time.Now()
	snapshot := cloneSession(session)
	m.mu.Unlock()

	m.persistSession(snapshot)
}

func (m *Manager) deleteChunks(ctx context.Context, uploadID string, totalChunks int) error {
	for i := 0; i < totalChunks; i++ {
		if err := m.chunks.Delete(ctx, chunkstore.ChunkRef(uploadID, i)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) typeAllowed(mimeType string) bool {
	base := mimeType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(strings.ToLower(base))
	for _, allowed := range m.cfg.AllowedTypes {
		if base == allowed {
			return true
		}
	}
	return false
}

func (m *Manager) hydrateFromStore(ctx context.Context) {
	if m.store == nil {
		return
	}
	loaded, err := m.store.LoadSessions(ctx)
	if err != nil {
		m.logger.Error("Failed to load upload sessions from store: %v", err)
		return
	}

	m.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		session := cloneSession(raw)
		// A restart mid-finalize means the job was never created; the client
		// retries Complete.
		if session.Status == StatusFinalizing {
			session.Status = StatusCollecting
		}
		m.sessions[session.ID] = session
	}
	m.mu.Unlock()
}

func (m *Manager) persistSession(session *Session) {
	if m.store == nil || session == nil {
		return
	}
	if err := m.store.UpsertSession(context.Background(), session); err != nil {
		m.logger.Error("Failed to persist session %s: %v", session.ID, err)
	}
}

func cloneSession(session *Session) *Session {
	if session == nil {
		return nil
	}
	tmp := *session
	tmp.Received = make(map[int]bool, len(session.Received))
	for k, v := range session.Received {
		tmp.Received[k] = v
	}
	return &tmp
}

package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/audio-transcriber/internal/chunkstore"
)

type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]*Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{rows: make(map[string]*Session)}
}

func (m *memSessionStore) LoadSessions(context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*Session, 0, len(m.rows))
	for _, s := range m.rows {
		tmp := *s
		ret = append(ret, &tmp)
	}
	return ret, nil
}

func (m *memSessionStore) UpsertSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmp := *s
	m.rows[s.ID] = &tmp
	return nil
}

func (m *memSessionStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func wavPayload(size int) []byte {
	payload := make([]byte, size)
	copy(payload, "RIFF")
	copy(payload[8:], "WAVE")
	for i := 12; i < size; i++ {
		payload[i] = byte(i % 251)
	}
	return payload
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestManager(t *testing.T, store SessionStore) (*Manager, *chunkstore.Store, *string) {
	t.Helper()
	chunks, err := chunkstore.NewStore(t.TempDir())
	require.NoError(t, err)

	var createdJob string
	creator := func(_ context.Context, session *Session, sourceRef string) (string, error) {
		createdJob = "job-" + session.ID
		return createdJob, nil
	}
	m := NewManager(Config{
		MaxBytes:     1 << 20,
		ChunkBytes:   64,
		SessionTTL:   time.Hour,
		AllowedTypes: []string{"audio/wav"},
	}, chunks, store, creator)
	return m, chunks, &createdJob
}

func putChunks(t *testing.T, m *Manager, id string, payload []byte, indices []int) {
	t.Helper()
	for _, idx := range indices {
		start := idx * 64
		end := min(start+64, len(payload))
		_, err := m.PutChunk(context.Background(), id, idx, bytes.NewReader(payload[start:end]))
		require.NoError(t, err)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: 2 << 20, MimeType: "audio/wav"})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = m.CreateSession(ctx, CreateRequest{Filename: "a.pdf", TotalSize: 100, MimeType: "application/pdf"})
	assert.ErrorIs(t, err, ErrUnsupportedMediaType)

	_, err = m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: 0, MimeType: "audio/wav"})
	assert.Error(t, err)

	session, err := m.CreateSession(ctx, CreateRequest{Filename: "/tmp/../../etc/a.wav", TotalSize: 130, MimeType: "audio/wav"})
	require.NoError(t, err)
	assert.Equal(t, "a.wav", session.Filename)
	assert.Equal(t, 3, session.TotalChunks)
}

func TestCompleteOnlyWhenAllChunksPresent(t *testing.T) {
	m, _, createdJob := newTestManager(t, nil)
	ctx := context.Background()

	payload := wavPayload(150)
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)

	// Missing chunk 1: complete must refuse.
	putChunks(t, m, session.ID, payload, []int{0, 2})
	_, err = m.Complete(ctx, session.ID, hashOf(payload))
	assert.ErrorIs(t, err, ErrIncompleteUpload)

	status, err := m.GetStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCollecting, status.Status)
	assert.Equal(t, []int{1}, status.MissingIndices())

	// Supplying the gap makes complete succeed.
	putChunks(t, m, session.ID, payload, []int{1})
	jobID, err := m.Complete(ctx, session.ID, hashOf(payload))
	require.NoError(t, err)
	assert.Equal(t, *createdJob, jobID)

	status, err = m.GetStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
}

func TestReuploadingChunkIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	payload := wavPayload(150)
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)

	putChunks(t, m, session.ID, payload, []int{0, 0, 0, 1, 2})
	received, err := m.PutChunk(ctx, session.ID, 0, bytes.NewReader(payload[:64]))
	require.NoError(t, err)
	assert.Equal(t, 3, received)

	_, err = m.Complete(ctx, session.ID, hashOf(payload))
	require.NoError(t, err)
}

func TestChunkIndexOutOfRange(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	payload := wavPayload(150)
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)

	_, err = m.PutChunk(ctx, session.ID, 3, bytes.NewReader(payload[:10]))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
	_, err = m.PutChunk(ctx, session.ID, -1, bytes.NewReader(payload[:10]))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestIntegrityMismatchLeavesSessionResumable(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	payload := wavPayload(150)
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)
	putChunks(t, m, session.ID, payload, []int{0, 1, 2})

	// Corrupt one chunk, then declare the true hash.
	corrupted := append([]byte(nil), payload[64:128]...)
	corrupted[0] ^= 0xff
	_, err = m.PutChunk(ctx, session.ID, 1, bytes.NewReader(corrupted))
	require.NoError(t, err)

	_, err = m.Complete(ctx, session.ID, hashOf(payload))
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	status, err := m.GetStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCollecting, status.Status)

	// Re-upload the suspect chunk and complete again.
	putChunks(t, m, session.ID, payload, []int{1})
	_, err = m.Complete(ctx, session.ID, hashOf(payload))
	require.NoError(t, err)
}

func TestCompleteRejectsMislabeledContent(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	// Declared as wav but the bytes are not audio.
	payload := []byte(strings.Repeat("definitely not audio ", 8))
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)
	for i := 0; i*64 < len(payload); i++ {
		end := min((i+1)*64, len(payload))
		_, err := m.PutChunk(ctx, session.ID, i, bytes.NewReader(payload[i*64:end]))
		require.NoError(t, err)
	}

	_, err = m.Complete(ctx, session.ID, hashOf(payload))
	assert.ErrorIs(t, err, ErrUnsupportedMediaType)
}

func TestAbortDeletesChunksAndIsIdempotent(t *testing.T) {
	m, chunks, _ := newTestManager(t, nil)
	ctx := context.Background()

	payload := wavPayload(150)
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)
	putChunks(t, m, session.ID, payload, []int{0})

	require.NoError(t, m.Abort(ctx, session.ID))
	exists, err := chunks.Exists(ctx, chunkstore.ChunkRef(session.ID, 0))
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, m.Abort(ctx, session.ID))
	require.NoError(t, m.Abort(ctx, "unknown"))

	_, err = m.PutChunk(ctx, session.ID, 0, bytes.NewReader(payload[:64]))
	assert.ErrorIs(t, err, ErrSessionNotCollecting)
}

func TestAbortCompletedSessionKeepsAssembledFile(t *testing.T) {
	m, chunks, _ := newTestManager(t, nil)
	ctx := context.Background()

	payload := wavPayload(150)
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)
	putChunks(t, m, session.ID, payload, []int{0, 1, 2})
	_, err = m.Complete(ctx, session.ID, hashOf(payload))
	require.NoError(t, err)

	err = m.Abort(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotCollecting)

	got, err := m.GetStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// The assembled file is the pipeline job's input and must survive.
	exists, err := chunks.Exists(ctx, chunkstore.UploadRef(session.ID))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReclaimStaleAbortsIdleSessions(t *testing.T) {
	store := newMemSessionStore()
	m, _, _ := newTestManager(t, store)
	ctx := context.Background()

	payload := wavPayload(150)
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)

	// Backdate the session past the TTL.
	m.mu.Lock()
	m.sessions[session.ID].UpdatedAt = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	m.ReclaimStale(ctx)

	_, err = m.GetStatus(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	store.mu.Lock()
	_, kept := store.rows[session.ID]
	store.mu.Unlock()
	assert.False(t, kept)
}

func TestReclaimStaleEvictsTerminalSessions(t *testing.T) {
	store := newMemSessionStore()
	m, chunks, _ := newTestManager(t, store)
	ctx := context.Background()

	payload := wavPayload(150)
	session, err := m.CreateSession(ctx, CreateRequest{Filename: "a.wav", TotalSize: int64(len(payload)), MimeType: "audio/wav"})
	require.NoError(t, err)
	putChunks(t, m, session.ID, payload, []int{0, 1, 2})
	_, err = m.Complete(ctx, session.ID, hashOf(payload))
	require.NoError(t, err)

	m.mu.Lock()
	m.sessions[session.ID].UpdatedAt = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	m.ReclaimStale(ctx)

	_, err = m.GetStatus(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	store.mu.Lock()
	_, kept := store.rows[session.ID]
	store.mu.Unlock()
	assert.False(t, kept)

	// Only the session record is evicted; the assembled file stays with the
	// job.
	exists, err := chunks.Exists(ctx, chunkstore.UploadRef(session.ID))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHydrateResetsFinalizingSessions(t *testing.T) {
	store := newMemSessionStore()
	require.NoError(t, store.UpsertSession(context.Background(), &Session{
		ID:          "sess-1",
		Filename:    "a.wav",
		TotalSize:   150,
		MimeType:    "audio/wav",
		ChunkSize:   64,
		TotalChunks: 3,
		Received:    map[int]bool{0: true, 1: true, 2: true},
		Status:      StatusFinalizing,
	}))

	m, _, _ := newTestManager(t, store)

	session, err := m.GetStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCollecting, session.Status)
	assert.Empty(t, session.MissingIndices())
}

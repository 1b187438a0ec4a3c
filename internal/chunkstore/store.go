package chunkstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Store keeps raw upload chunks and intermediate job artifacts on the local
// filesystem, keyed by upload/job id. Blob references are paths relative to
// the base directory.
type Store struct {
	basePath string
}

func NewStore(basePath string) (*Store, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("chunkstore: create base directory: %w", err)
	}
	return &Store{basePath: abs}, nil
}

// BasePath returns the absolute base directory of the store.
func (s *Store) BasePath() string { return s.basePath }

// Path resolves a blob reference to an absolute filesystem path. Tools that
// operate on files directly (ffmpeg, ffprobe) need this.
func (s *Store) Path(ref string) string {
	return filepath.Join(s.basePath, filepath.Clean("/"+ref))
}

// Put writes data from reader to the blob at ref, creating parent directories
// as needed.
func (s *Store) Put(_ context.Context, ref string, reader io.Reader) (int64, error) {
	fullPath := s.Path(ref)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return 0, fmt.Errorf("chunkstore: create directory: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: create file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, reader)
	if err != nil {
		return n, fmt.Errorf("chunkstore: write file: %w", err)
	}
	return n, nil
}

// Open returns a reader for the blob at ref.
func (s *Store) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunkstore: blob not found: %s", ref)
		}
		return nil, fmt.Errorf("chunkstore: open file: %w", err)
	}
	return f, nil
}

// Exists checks whether a blob exists.
func (s *Store) Exists(_ context.Context, ref string) (bool, error) {
	_, err := os.Stat(s.Path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("chunkstore: stat file: %w", err)
	}
	return true, nil
}

// Delete removes a blob. Returns nil if the blob does not exist.
func (s *Store) Delete(_ context.Context, ref string) error {
	if err := os.Remove(s.Path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chunkstore: delete file: %w", err)
	}
	return nil
}

// ChunkRef returns the blob reference for one upload chunk.
func ChunkRef(uploadID string, index int) string {
	return filepath.Join("uploads", uploadID, "chunks", strconv.Itoa(index))
}

// UploadRef returns the blob reference for the reassembled upload file.
func UploadRef(uploadID string) string {
	return filepath.Join("uploads", uploadID, "source")
}

// JobRef returns a blob reference scoped to one job.
func JobRef(jobID string, parts ...string) string {
	return filepath.Join(append([]string{"jobs", jobID}, parts...)...)
}

// PutChunk stores the bytes of one upload chunk. Re-writing an existing index
// overwrites in place.
func (s *Store) PutChunk(ctx context.Context, uploadID string, index int, reader io.Reader) (int64, error) {
	return s.Put(ctx, ChunkRef(uploadID, index), reader)
}

// Assemble concatenates all chunks of an upload in index order into dst.
func (s *Store) Assemble(ctx context.Context, uploadID string, totalChunks int, dst io.Writer) error {
	for i := 0; i < totalChunks; i++ {
		chunk, err := s.Open(ctx, ChunkRef(uploadID, i))
		if err != nil {
			return fmt.Errorf("chunkstore: chunk %d: %w", i, err)
		}
		_, err = io.Copy(dst, chunk)
		chunk.Close()
		if err != nil {
			return fmt.Errorf("chunkstore: copy chunk %d: %w", i, err)
		}
	}
	return nil
}

// DeleteUpload removes every blob belonging to an upload session.
func (s *Store) DeleteUpload(_ context.Context, uploadID string) error {
	if err := os.RemoveAll(filepath.Join(s.basePath, "uploads", uploadID)); err != nil {
		return fmt.Errorf("chunkstore: delete upload %s: %w", uploadID, err)
	}
	return nil
}

// DeleteJob removes every blob belonging to a job.
func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	if err := os.RemoveAll(filepath.Join(s.basePath, "jobs", jobID)); err != nil {
		return fmt.Errorf("chunkstore: delete job %s: %w", jobID, err)
	}
	return nil
}

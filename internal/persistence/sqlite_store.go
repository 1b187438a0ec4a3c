package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MimeLyc/audio-transcriber/internal/jobs"
	"github.com/MimeLyc/audio-transcriber/internal/upload"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore persists upload sessions and transcription jobs. It backs both
// jobs.Store and upload.SessionStore.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// --- jobs.Store ---

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, upload_id, filename, stage, status, error, warnings_json, retry_count,
		        language_hint, detected_language, audio_duration, segments_json,
		        merged_transcript, outputs_json, owner, created_at, updated_at
		 FROM jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		item, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func scanJob(rows *sql.Rows) (*jobs.Job, error) {
	var item jobs.Job
	var stage, status, warningsJSON, segmentsJSON, outputsJSON string
	if err := rows.Scan(
		&item.ID,
		&item.UploadID,
		&item.Filename,
		&stage,
		&status,
		&item.Error,
		&warningsJSON,
		&item.RetryCount,
		&item.LanguageHint,
		&item.DetectedLanguage,
		&item.AudioDuration,
		&segmentsJSON,
		&item.MergedTranscript,
		&outputsJSON,
		&item.Owner,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Stage = jobs.Stage(stage)
	item.Status = jobs.Status(status)
	if err := json.Unmarshal([]byte(warningsJSON), &item.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings for job %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(segmentsJSON), &item.Segments); err != nil {
		return nil, fmt.Errorf("decode segments for job %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &item.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs for job %s: %w", item.ID, err)
	}
	return &item, nil
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	warningsJSON, err := marshalOr(job.Warnings, "[]")
	if err != nil {
		return err
	}
	segmentsJSON, err := marshalOr(job.Segments, "[]")
	if err != nil {
		return err
	}
	outputsJSON, err := marshalOr(job.Outputs, "{}")
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, upload_id, filename, stage, status, error, warnings_json, retry_count,
			language_hint, detected_language, audio_duration, segments_json,
			merged_transcript, outputs_json, owner, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			upload_id=excluded.upload_id,
			filename=excluded.filename,
			stage=excluded.stage,
			status=excluded.status,
			error=excluded.error,
			warnings_json=excluded.warnings_json,
			retry_count=excluded.retry_count,
			language_hint=excluded.language_hint,
			detected_language=excluded.detected_language,
			audio_duration=excluded.audio_duration,
			segments_json=excluded.segments_json,
			merged_transcript=excluded.merged_transcript,
			outputs_json=excluded.outputs_json,
			owner=excluded.owner,
			updated_at=excluded.updated_at`,
		job.ID,
		job.UploadID,
		job.Filename,
		string(job.Stage),
		string(job.Status),
		job.Error,
		warningsJSON,
		job.RetryCount,
		job.LanguageHint,
		job.DetectedLanguage,
		job.AudioDuration,
		segmentsJSON,
		job.MergedTranscript,
		outputsJSON,
		job.Owner,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

// DeleteJobData exists to satisfy jobs.Store; blob cleanup lives in the
// chunk store, keyed by the same job id.
func (s *SQLiteStore) DeleteJobData(ctx context.Context, jobID string) error {
	return nil
}

// --- upload.SessionStore ---

func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]*upload.Session, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, filename, total_size, mime_type, chunk_size, total_chunks,
		        received_json, language_hint, status, created_at, updated_at
		 FROM upload_sessions
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*upload.Session, 0)
	for rows.Next() {
		var item upload.Session
		var status, receivedJSON string
		if err := rows.Scan(
			&item.ID,
			&item.Filename,
			&item.TotalSize,
			&item.MimeType,
			&item.ChunkSize,
			&item.TotalChunks,
			&receivedJSON,
			&item.LanguageHint,
			&status,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.Status = upload.SessionStatus(status)

		var received []int
		if err := json.Unmarshal([]byte(receivedJSON), &received); err != nil {
			return nil, fmt.Errorf("decode received chunks for session %s: %w", item.ID, err)
		}
		item.Received = make(map[int]bool, len(received))
		for _, idx := range received {
			item.Received[idx] = true
		}
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, session *upload.Session) error {
	if session == nil {
		return fmt.Errorf("session is nil")
	}
	receivedJSON, err := json.Marshal(session.ReceivedIndices())
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO upload_sessions (
			id, filename, total_size, mime_type, chunk_size, total_chunks,
			received_json, language_hint, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			received_json=excluded.received_json,
			status=excluded.status,
			updated_at=excluded.updated_at`,
		session.ID,
		session.Filename,
		session.TotalSize,
		session.MimeType,
		session.ChunkSize,
		session.TotalChunks,
		string(receivedJSON),
		session.LanguageHint,
		string(session.Status),
		session.CreatedAt,
		session.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, sessionID)
	return err
}

// marshalOr marshals v, substituting empty for a nil collection so columns
// never hold SQL-visible "null" strings.
func marshalOr(v any, empty string) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(payload) == "null" {
		return empty, nil
	}
	return string(payload), nil
}

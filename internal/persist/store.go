package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kayz/specforge/internal/logger"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no document exists for an id.
var ErrNotFound = errors.New("document not found")

// Store handles persistence of agent documents and build history using SQLite
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a new SQLite-backed persistence store at the given path
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Store{db: db}

	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return s, nil
}

// init creates the necessary tables if they don't exist
func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			content     BLOB,
			metadata    BLOB,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS build_runs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id  TEXT NOT NULL,
			operation    TEXT NOT NULL,
			status       TEXT NOT NULL,
			last_phase   TEXT,
			resumed      INTEGER NOT NULL DEFAULT 0,
			warnings     TEXT,
			started_at   TEXT NOT NULL,
			finished_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at);
		CREATE INDEX IF NOT EXISTS idx_runs_document ON build_runs(document_id);
	`)
	return err
}

// GetDocument returns the stored document or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, metadata, created_at, updated_at
		FROM documents
		WHERE id = ?
	`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	var createdAt, updatedAt string
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.Metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		doc.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		doc.UpdatedAt = t
	}
	return &doc, nil
}

// SaveDocument inserts or replaces a document. created_at is kept from the
// first write.
func (s *Store) SaveDocument(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return errors.New("save document: empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, content=excluded.content,
			metadata=excluded.metadata, updated_at=excluded.updated_at
	`, doc.ID, doc.Title, doc.Content, doc.Metadata, now, now)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	logger.Trace("[Persist] Saved document %s (%d bytes)", doc.ID, len(doc.Content))
	return nil
}

// ListDocuments lists stored documents, most recently updated first
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, updated_at
		FROM documents
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		var updatedAt string
		if err := rows.Scan(&info.ID, &info.Title, &updatedAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			info.UpdatedAt = t
		}
		docs = append(docs, info)
	}

	return docs, rows.Err()
}

// RecordRun appends a finished build to the history
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resumed := 0
	if run.Resumed {
		resumed = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_runs (document_id, operation, status, last_phase, resumed, warnings, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.DocumentID, run.Operation, run.Status, run.LastPhase, resumed, toJSON(run.Warnings),
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record run for %s: %w", run.DocumentID, err)
	}
	return nil
}

// ListRuns lists the build history of a document, newest first
func (s *Store) ListRuns(ctx context.Context, documentID string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, operation, status, last_phase, resumed, warnings, started_at, finished_at
		FROM build_runs
		WHERE document_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var lastPhase, warnings sql.NullString
		var resumed int
		var startedAt, finishedAt string

		err := rows.Scan(&run.ID, &run.DocumentID, &run.Operation, &run.Status, &lastPhase, &resumed,
			&warnings, &startedAt, &finishedAt)
		if err != nil {
			return nil, err
		}

		run.LastPhase = lastPhase.String
		run.Resumed = resumed != 0
		if warnings.Valid {
			_ = fromJSON(warnings.String, &run.Warnings)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			run.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
			run.FinishedAt = t
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

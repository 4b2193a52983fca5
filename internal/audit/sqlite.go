package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS review_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id TEXT NOT NULL,
		action TEXT NOT NULL,
		stage TEXT DEFAULT '',
		actor TEXT DEFAULT '',
		detail TEXT DEFAULT '',
		recommendations INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_review_audit_submission ON review_audit(submission_id);
	CREATE INDEX IF NOT EXISTS idx_review_audit_created_at ON review_audit(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Record appends an entry.
func (s *SQLiteStore) Record(ctx context.Context, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO review_audit (
			submission_id, action, stage, actor, detail,
			recommendations, correlation_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.SubmissionID,
		string(entry.Action),
		entry.Stage,
		entry.Actor,
		entry.Detail,
		entry.Recommendations,
		entry.CorrelationID,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns entries, newest first.
func (s *SQLiteStore) List(ctx context.Context, submissionID string, limit, offset int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, action, stage, actor, detail,
			recommendations, correlation_id, created_at
		FROM review_audit
		WHERE (? = '' OR submission_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, submissionID, submissionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Count returns the total number of entries.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM review_audit").Scan(&count)
	return count, err
}

func (s *SQLiteStore) exists(ctx context.Context, e *Entry) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM review_audit WHERE submission_id = ? AND action = ? AND created_at = ?",
		e.SubmissionID, string(e.Action), e.CreatedAt,
	).Scan(&n)
	return n > 0, err
}

// ExportJSON exports all entries to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, "", maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list audit entries: %w", err)
	}
	return writeExport(writer, all)
}

// ImportJSON imports entries from a JSON reader.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importEntries(ctx, reader, s.exists, s.Record)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func writeExport(writer io.Writer, entries []*Entry) error {
	if entries == nil {
		entries = []*Entry{}
	}
	export := &Export{
		Version:    "1.0",
		ExportedAt: time.Now(),
		Count:      len(entries),
		Entries:    entries,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func importEntries(
	ctx context.Context,
	reader io.Reader,
	exists func(context.Context, *Entry) (bool, error),
	record func(context.Context, *Entry) error,
) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, e := range export.Entries {
		found, err := exists(ctx, e)
		if err != nil {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}
		if found {
			skipped++
			continue
		}

		e.ID = 0
		if err := record(ctx, e); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}
	return imported, skipped, nil
}

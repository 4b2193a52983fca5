// Package store provides an embedded submission store for standalone
// operation. It implements the same contract as the PostgreSQL repository.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/dental-scribe-server/internal/domain"
)

const defaultListLimit = 50

const submissionColumns = `
	id, patient_ref, patient_name, patient_email, patient_phone, patient_number,
	original_image_url, annotated_image_url, pdf_report_url, patient_notes,
	admin_notes, status, created_at, reviewed_at`

// SQLiteStore implements domain.SubmissionRepository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
}

// NewSQLiteStore creates a new SQLite submission store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; SaveReview relies on it for first-save-wins.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	store := NewSQLiteStoreFromDB(db, logger)
	store.dbPath = dbPath
	return store, nil
}

// NewSQLiteStoreFromDB wraps an open database whose schema already exists.
func NewSQLiteStoreFromDB(db *sql.DB, logger *logrus.Logger) *SQLiteStore {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &SQLiteStore{db: db, log: logger}
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		patient_ref TEXT NOT NULL DEFAULT '',
		patient_name TEXT NOT NULL DEFAULT '',
		patient_email TEXT NOT NULL DEFAULT '',
		patient_phone TEXT NOT NULL DEFAULT '',
		patient_number TEXT NOT NULL DEFAULT '',
		original_image_url TEXT NOT NULL,
		annotated_image_url TEXT,
		pdf_report_url TEXT,
		patient_notes TEXT,
		admin_notes TEXT,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'reviewed')),
		created_at DATETIME NOT NULL,
		reviewed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
	CREATE INDEX IF NOT EXISTS idx_submissions_patient_ref ON submissions(patient_ref);

	CREATE TABLE IF NOT EXISTS submission_artifacts (
		submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		content_type TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (submission_id, kind)
	);

	CREATE TRIGGER IF NOT EXISTS submissions_reviewed_immutable
	BEFORE UPDATE ON submissions
	WHEN OLD.status = 'reviewed'
	BEGIN
		SELECT RAISE(ABORT, 'submission is already reviewed');
	END;
	`

	_, err := db.Exec(schema)
	return err
}

// Create inserts a new pending submission.
func (s *SQLiteStore) Create(ctx context.Context, sub *domain.Submission) error {
	if sub.Status == "" {
		sub.Status = domain.StatusPending
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.IsReviewed() {
		return domain.NewValidationError("status", "submissions are created pending", sub.Status)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (
			id, patient_ref, patient_name, patient_email, patient_phone, patient_number,
			original_image_url, patient_notes, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID,
		sub.Patient.ID,
		sub.Patient.Name,
		sub.Patient.Email,
		sub.Patient.Phone,
		sub.Patient.PatientID,
		sub.OriginalImageURL,
		nullString(sub.PatientNotes),
		string(sub.Status),
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}

	s.log.WithField("submission_id", sub.ID).Info("Submission created")
	return nil
}

// Get retrieves a submission by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query submission: %w", err)
	}
	return sub, nil
}

// List returns submissions matching filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter domain.SubmissionFilter) ([]*domain.Submission, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PatientID != "" {
		conditions = append(conditions, "patient_ref = ?")
		args = append(args, filter.PatientID)
	}

	query := `SELECT` + submissionColumns + ` FROM submissions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	submissions := make([]*domain.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		submissions = append(submissions, sub)
	}
	return submissions, rows.Err()
}

// SaveReview writes the bundle and flips the status in one transaction.
func (s *SQLiteStore) SaveReview(ctx context.Context, id string, bundle *domain.ReviewBundle) error {
	if err := bundle.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE submissions
		SET status = ?, admin_notes = ?, annotated_image_url = ?,
			pdf_report_url = ?, reviewed_at = ?
		WHERE id = ? AND status = ?
	`,
		string(domain.StatusReviewed),
		bundle.AdminNotes,
		bundle.AnnotatedImageURL,
		bundle.PDFReportURL,
		bundle.ReviewedAt,
		id,
		string(domain.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to update submission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return missedUpdate(ctx, tx, id)
	}

	for _, a := range []struct {
		kind domain.ArtifactKind
		data []byte
	}{
		{domain.ArtifactAnnotatedImage, bundle.AnnotatedPNG},
		{domain.ArtifactReport, bundle.ReportPDF},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO submission_artifacts (submission_id, kind, content_type, data, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, string(a.kind), a.kind.ContentType(), a.data, bundle.ReviewedAt); err != nil {
			return fmt.Errorf("failed to store %s artifact: %w", a.kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"submission_id":   id,
		"annotated_bytes": len(bundle.AnnotatedPNG),
		"report_bytes":    len(bundle.ReportPDF),
	}).Info("Review saved")
	return nil
}

func missedUpdate(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM submissions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check submission status: %w", err)
	}
	return fmt.Errorf("submission %s: %w", id, domain.ErrAlreadyReviewed)
}

// PutArtifact stores an artifact once.
func (s *SQLiteStore) PutArtifact(ctx context.Context, artifact *domain.Artifact) error {
	if !artifact.Kind.IsValid() {
		return domain.NewValidationError("kind", "unknown artifact kind", artifact.Kind)
	}
	if len(artifact.Data) == 0 {
		return domain.NewValidationError("data", "artifact data is required", nil)
	}
	if artifact.ContentType == "" {
		artifact.ContentType = artifact.Kind.ContentType()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_artifacts (submission_id, kind, content_type, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (submission_id, kind) DO NOTHING
	`,
		artifact.SubmissionID,
		string(artifact.Kind),
		artifact.ContentType,
		artifact.Data,
		artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%s for submission %s: %w", artifact.Kind, artifact.SubmissionID, domain.ErrArtifactExists)
	}
	return nil
}

// GetArtifact retrieves a stored artifact.
func (s *SQLiteStore) GetArtifact(ctx context.Context, submissionID string, kind domain.ArtifactKind) (*domain.Artifact, error) {
	artifact := &domain.Artifact{SubmissionID: submissionID, Kind: kind}
	err := s.db.QueryRowContext(ctx, `
		SELECT content_type, data, created_at
		FROM submission_artifacts
		WHERE submission_id = ? AND kind = ?
	`, submissionID, string(kind)).Scan(&artifact.ContentType, &artifact.Data, &artifact.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s for submission %s: %w", kind, submissionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact: %w", err)
	}
	return artifact, nil
}

// Count returns the number of submissions with the given status, or all
// submissions when status is empty.
func (s *SQLiteStore) Count(ctx context.Context, status domain.Status) (int, error) {
	query := "SELECT COUNT(*) FROM submissions"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return count, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row scanner) (*domain.Submission, error) {
	var (
		sub                                        domain.Submission
		status                                     string
		annotated, report, patientNotes, adminNote sql.NullString
		reviewedAt                                 sql.NullTime
	)
	err := row.Scan(
		&sub.ID,
		&sub.Patient.ID,
		&sub.Patient.Name,
		&sub.Patient.Email,
		&sub.Patient.Phone,
		&sub.Patient.PatientID,
		&sub.OriginalImageURL,
		&annotated,
		&report,
		&patientNotes,
		&adminNote,
		&status,
		&sub.CreatedAt,
		&reviewedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = domain.Status(status)
	sub.AnnotatedImageURL = stringPtr(annotated)
	sub.PDFReportURL = stringPtr(report)
	sub.PatientNotes = stringPtr(patientNotes)
	sub.AdminNotes = stringPtr(adminNote)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		sub.ReviewedAt = &t
	}
	return &sub, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

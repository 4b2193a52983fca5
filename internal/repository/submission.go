package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/domain"
)

const defaultListLimit = 50

const submissionColumns = `
	id, patient_ref, patient_name, patient_email, patient_phone, patient_number,
	original_image_url, annotated_image_url, pdf_report_url, patient_notes,
	admin_notes, status, created_at, reviewed_at`

// SubmissionRepository handles submission persistence on PostgreSQL
type SubmissionRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewSubmissionRepository creates a new submission repository
func NewSubmissionRepository(db *pgxpool.Pool, logger *logrus.Logger) *SubmissionRepository {
	return &SubmissionRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new pending submission
func (r *SubmissionRepository) Create(ctx context.Context, sub *domain.Submission) error {
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

	query := `
		INSERT INTO submissions (
			id, patient_ref, patient_name, patient_email, patient_phone, patient_number,
			original_image_url, patient_notes, status, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	_, err := r.db.Exec(ctx, query,
		sub.ID,
		sub.Patient.ID,
		sub.Patient.Name,
		sub.Patient.Email,
		sub.Patient.Phone,
		sub.Patient.PatientID,
		sub.OriginalImageURL,
		sub.PatientNotes,
		sub.Status,
		sub.CreatedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"submission_id": sub.ID,
			"error":         err,
		}).Error("Failed to create submission")
		return fmt.Errorf("creating submission: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"submission_id": sub.ID,
		"patient_ref":   sub.Patient.ID,
	}).Info("Submission created successfully")

	return nil
}

// Get retrieves a submission by its ID
func (r *SubmissionRepository) Get(ctx context.Context, id string) (*domain.Submission, error) {
	query := `SELECT` + submissionColumns + ` FROM submissions WHERE id = $1`

	sub, err := scanSubmission(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"submission_id": id,
			"error":         err,
		}).Error("Failed to get submission")
		return nil, fmt.Errorf("getting submission: %w", err)
	}
	return sub, nil
}

// List returns submissions matching filter, newest first
func (r *SubmissionRepository) List(ctx context.Context, filter domain.SubmissionFilter) ([]*domain.Submission, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PatientID != "" {
		args = append(args, filter.PatientID)
		conditions = append(conditions, fmt.Sprintf("patient_ref = $%d", len(args)))
	}

	query := `SELECT` + submissionColumns + ` FROM submissions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"status":     filter.Status,
			"patient_id": filter.PatientID,
			"error":      err,
		}).Error("Failed to list submissions")
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	submissions := make([]*domain.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning submission: %w", err)
		}
		submissions = append(submissions, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating submissions: %w", err)
	}
	return submissions, nil
}

// SaveReview writes the review bundle and flips the submission to reviewed
// in one transaction. Only a pending row is updated, so concurrent saves
// resolve to exactly one winner.
func (r *SubmissionRepository) SaveReview(ctx context.Context, id string, bundle *domain.ReviewBundle) error {
	if err := bundle.Validate(); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning review transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE submissions
		SET status = $2, admin_notes = $3, annotated_image_url = $4,
			pdf_report_url = $5, reviewed_at = $6
		WHERE id = $1 AND status = $7`,
		id,
		domain.StatusReviewed,
		bundle.AdminNotes,
		bundle.AnnotatedImageURL,
		bundle.PDFReportURL,
		bundle.ReviewedAt,
		domain.StatusPending,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"submission_id": id,
			"error":         err,
		}).Error("Failed to update submission for review")
		return fmt.Errorf("updating submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMissedUpdate(ctx, tx, id)
	}

	for _, a := range []struct {
		kind domain.ArtifactKind
		data []byte
	}{
		{domain.ArtifactAnnotatedImage, bundle.AnnotatedPNG},
		{domain.ArtifactReport, bundle.ReportPDF},
	} {
		if _, err := tx.Exec(ctx, `
			INSERT INTO submission_artifacts (submission_id, kind, content_type, data, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			id, a.kind, a.kind.ContentType(), a.data, bundle.ReviewedAt,
		); err != nil {
			r.log.WithFields(logrus.Fields{
				"submission_id": id,
				"kind":          a.kind,
				"error":         err,
			}).Error("Failed to store review artifact")
			return fmt.Errorf("storing %s artifact: %w", a.kind, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing review: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"submission_id":   id,
		"annotated_bytes": len(bundle.AnnotatedPNG),
		"report_bytes":    len(bundle.ReportPDF),
	}).Info("Review saved successfully")
	return nil
}

func (r *SubmissionRepository) classifyMissedUpdate(ctx context.Context, tx pgx.Tx, id string) error {
	var status domain.Status
	err := tx.QueryRow(ctx, `SELECT status FROM submissions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking submission status: %w", err)
	}
	return fmt.Errorf("submission %s: %w", id, domain.ErrAlreadyReviewed)
}

// PutArtifact stores an artifact once. A second write of the same kind is
// rejected with ErrArtifactExists.
func (r *SubmissionRepository) PutArtifact(ctx context.Context, artifact *domain.Artifact) error {
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

	tag, err := r.db.Exec(ctx, `
		INSERT INTO submission_artifacts (submission_id, kind, content_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (submission_id, kind) DO NOTHING`,
		artifact.SubmissionID,
		artifact.Kind,
		artifact.ContentType,
		artifact.Data,
		artifact.CreatedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"submission_id": artifact.SubmissionID,
			"kind":          artifact.Kind,
			"error":         err,
		}).Error("Failed to store artifact")
		return fmt.Errorf("storing artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s for submission %s: %w", artifact.Kind, artifact.SubmissionID, domain.ErrArtifactExists)
	}
	return nil
}

// GetArtifact retrieves a stored artifact
func (r *SubmissionRepository) GetArtifact(ctx context.Context, submissionID string, kind domain.ArtifactKind) (*domain.Artifact, error) {
	artifact := &domain.Artifact{SubmissionID: submissionID, Kind: kind}
	err := r.db.QueryRow(ctx, `
		SELECT content_type, data, created_at
		FROM submission_artifacts
		WHERE submission_id = $1 AND kind = $2`,
		submissionID, kind,
	).Scan(&artifact.ContentType, &artifact.Data, &artifact.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s for submission %s: %w", kind, submissionID, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"submission_id": submissionID,
			"kind":          kind,
			"error":         err,
		}).Error("Failed to get artifact")
		return nil, fmt.Errorf("getting artifact: %w", err)
	}
	return artifact, nil
}

func scanSubmission(row pgx.Row) (*domain.Submission, error) {
	var sub domain.Submission
	err := row.Scan(
		&sub.ID,
		&sub.Patient.ID,
		&sub.Patient.Name,
		&sub.Patient.Email,
		&sub.Patient.Phone,
		&sub.Patient.PatientID,
		&sub.OriginalImageURL,
		&sub.AnnotatedImageURL,
		&sub.PDFReportURL,
		&sub.PatientNotes,
		&sub.AdminNotes,
		&sub.Status,
		&sub.CreatedAt,
		&sub.ReviewedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

package domain

import (
	"fmt"
	"time"
)

// Patient is the subset of the patient record shown on a report.
type Patient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
}

// DisplayID returns the clinic patient number, falling back to the record ID.
func (p Patient) DisplayID() string {
	if p.PatientID != "" {
		return p.PatientID
	}
	return p.ID
}

// Submission is a patient-submitted image awaiting or having received a
// clinician review.
type Submission struct {
	ID                string     `json:"id"`
	Patient           Patient    `json:"patient"`
	OriginalImageURL  string     `json:"original_image_url"`
	AnnotatedImageURL *string    `json:"annotated_image_url,omitempty"`
	PDFReportURL      *string    `json:"pdf_report_url,omitempty"`
	PatientNotes      *string    `json:"patient_notes,omitempty"`
	AdminNotes        *string    `json:"admin_notes,omitempty"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
}

// IsReviewed reports whether the submission is locked.
func (s *Submission) IsReviewed() bool {
	return s.Status == StatusReviewed
}

// SurfaceImageURL returns the image an annotation surface should show: the
// original while pending, the persisted annotated raster once reviewed.
func (s *Submission) SurfaceImageURL() string {
	if s.IsReviewed() && s.AnnotatedImageURL != nil {
		return *s.AnnotatedImageURL
	}
	return s.OriginalImageURL
}

// Notes returns the admin notes or the empty string.
func (s *Submission) Notes() string {
	if s.AdminNotes == nil {
		return ""
	}
	return *s.AdminNotes
}

// Validate checks the invariants of a stored submission.
func (s *Submission) Validate() error {
	if s.ID == "" {
		return NewValidationError("id", "submission ID is required", s.ID)
	}
	if s.OriginalImageURL == "" {
		return NewValidationError("original_image_url", "original image URL is required", s.OriginalImageURL)
	}
	if !s.Status.IsValid() {
		return NewValidationError("status", "invalid status", s.Status)
	}
	if s.IsReviewed() && (s.AnnotatedImageURL == nil || s.PDFReportURL == nil) {
		return NewValidationError("status", "reviewed submission is missing its artifacts", s.Status)
	}
	return nil
}

// ReviewBundle is the unit written when a review is saved. Either all of it
// is persisted and the submission becomes reviewed, or none of it is.
type ReviewBundle struct {
	AdminNotes        string    `json:"admin_notes"`
	AnnotatedPNG      []byte    `json:"-"`
	ReportPDF         []byte    `json:"-"`
	AnnotatedImageURL string    `json:"annotated_image_url"`
	PDFReportURL      string    `json:"pdf_report_url"`
	ReviewedAt        time.Time `json:"reviewed_at"`
}

// Validate checks that every artifact is present.
func (b *ReviewBundle) Validate() error {
	if len(b.AnnotatedPNG) == 0 {
		return NewValidationError("annotated_image", "annotated image is required", nil)
	}
	if len(b.ReportPDF) == 0 {
		return NewValidationError("report", "report is required", nil)
	}
	if b.AnnotatedImageURL == "" || b.PDFReportURL == "" {
		return NewValidationError("urls", "artifact URLs are required", nil)
	}
	if b.ReviewedAt.IsZero() {
		return NewValidationError("reviewed_at", "review time is required", nil)
	}
	return nil
}

// MarkReviewed applies a persisted bundle to the in-memory record. It is the
// only place the status changes and refuses anything but pending -> reviewed.
func (s *Submission) MarkReviewed(bundle *ReviewBundle) error {
	if !s.Status.CanTransitionTo(StatusReviewed) {
		return fmt.Errorf("%w: %s -> %s", ErrAlreadyReviewed, s.Status, StatusReviewed)
	}
	if err := bundle.Validate(); err != nil {
		return err
	}
	notes := bundle.AdminNotes
	annotated := bundle.AnnotatedImageURL
	report := bundle.PDFReportURL
	reviewedAt := bundle.ReviewedAt

	s.AdminNotes = &notes
	s.AnnotatedImageURL = &annotated
	s.PDFReportURL = &report
	s.ReviewedAt = &reviewedAt
	s.Status = StatusReviewed
	return nil
}

// SubmissionFilter narrows submission listings.
type SubmissionFilter struct {
	Status    Status
	PatientID string
	Limit     int
	Offset    int
}

// Artifact is a stored binary produced by a review.
type Artifact struct {
	SubmissionID string       `json:"submission_id"`
	Kind         ArtifactKind `json:"kind"`
	ContentType  string       `json:"content_type"`
	Data         []byte       `json:"-"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Package audit records review save attempts for each submission. Every
// attempt leaves one entry, successful or not, so a clinic can reconstruct
// who reviewed what and which stage a failed save stopped at.
package audit

import (
	"context"
	"io"
	"time"
)

// Action identifies the recorded event.
type Action string

const (
	ActionReviewSaved    Action = "review_saved"
	ActionReviewFailed   Action = "review_failed"
	ActionReviewRejected Action = "review_rejected"
)

// Entry is one audit trail record.
type Entry struct {
	ID              int64     `json:"id,omitempty"`
	SubmissionID    string    `json:"submission_id"`
	Action          Action    `json:"action"`
	Stage           string    `json:"stage,omitempty"`   // Save stage that failed
	Actor           string    `json:"actor,omitempty"`   // Reviewer identity if known
	Detail          string    `json:"detail,omitempty"`  // Error text or summary
	Recommendations int       `json:"recommendations"`   // Recommendations in the saved report
	CorrelationID   string    `json:"correlation_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Recorder is the write side used by the review service.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
}

// Store defines the interface for audit storage operations.
type Store interface {
	Recorder

	// List returns entries for a submission, newest first. An empty
	// submissionID lists every entry.
	List(ctx context.Context, submissionID string, limit, offset int) ([]*Entry, error)

	// Count returns the total number of entries.
	Count(ctx context.Context) (int64, error)

	// ExportJSON exports all entries to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON imports entries from a JSON reader. Entries already present
	// (same submission, action and timestamp) are skipped.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// Export represents the JSON export format.
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Entries    []*Entry  `json:"entries"`
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var action string
	err := s.Scan(
		&e.ID, &e.SubmissionID, &action, &e.Stage, &e.Actor,
		&e.Detail, &e.Recommendations, &e.CorrelationID, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Action = Action(action)
	return e, nil
}

// Package domain contains the core entities of the dental screening review
// workflow: submissions and their two-state lifecycle, the closed colour
// palettes shared by the annotation toolbar, the report legend and the
// findings classifier, and the structured findings derived from clinician
// notes.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a submission. A submission starts pending
// and becomes reviewed exactly once, when a complete review bundle has been
// persisted. There is no way back.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReviewed Status = "reviewed"
)

// Lifecycle errors
var (
	ErrInvalidStatus     = errors.New("invalid submission status")
	ErrInvalidTransition = errors.New("invalid submission status transition")
)

// IsValid reports whether s is one of the two lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusReviewed:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusReviewed
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// The only legal transition is pending -> reviewed.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next == StatusReviewed
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
	return status, nil
}

// ArtifactKind identifies one of the binary artifacts produced by a review.
type ArtifactKind string

const (
	ArtifactAnnotatedImage ArtifactKind = "annotated_image"
	ArtifactReport         ArtifactKind = "report"
	ArtifactOriginalImage  ArtifactKind = "original_image"
)

// ContentType returns the MIME type stored alongside the artifact.
func (k ArtifactKind) ContentType() string {
	switch k {
	case ArtifactReport:
		return "application/pdf"
	default:
		return "image/png"
	}
}

// IsValid reports whether k is a known artifact kind.
func (k ArtifactKind) IsValid() bool {
	switch k {
	case ArtifactAnnotatedImage, ArtifactReport, ArtifactOriginalImage:
		return true
	default:
		return false
	}
}

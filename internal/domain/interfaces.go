package domain

import (
	"context"
	"image"
)

// SubmissionRepository defines the interface for submission persistence.
// SaveReview must write the bundle and flip the status in one atomic unit
// and return ErrAlreadyReviewed when the submission is no longer pending.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *Submission) error
	Get(ctx context.Context, id string) (*Submission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]*Submission, error)
	SaveReview(ctx context.Context, id string, bundle *ReviewBundle) error
	PutArtifact(ctx context.Context, artifact *Artifact) error
	GetArtifact(ctx context.Context, submissionID string, kind ArtifactKind) (*Artifact, error)
}

// ImageFetcher loads and decodes an image by URL.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (image.Image, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}

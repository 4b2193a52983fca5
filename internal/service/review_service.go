package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/audit"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/report"
)

// Stage names one step of the save sequence.
type Stage string

const (
	StageLoad     Stage = "load"
	StageFlatten  Stage = "flatten"
	StageClassify Stage = "classify"
	StageCompose  Stage = "compose"
	StageEncode   Stage = "encode"
	StagePersist  Stage = "persist"
)

// StageError reports the save stage that failed. Nothing has been persisted
// when a StageError is returned.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("review save failed at %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the save may succeed.
func (e *StageError) Retryable() bool {
	return !errors.Is(e.Err, domain.ErrAlreadyReviewed) &&
		!errors.Is(e.Err, domain.ErrNotFound) &&
		!errors.Is(e.Err, ErrImageDimensions)
}

// ReportComposer builds the report PDF.
type ReportComposer interface {
	Compose(in report.Input) (*report.Report, error)
}

// SaveObserver receives save outcomes, typically for metrics.
type SaveObserver interface {
	ObserveSave(outcome string, stage string, duration time.Duration)
}

// Save outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// SaveRequest carries the clinician input of one save.
type SaveRequest struct {
	AdminNotes    string
	Actor         string
	CorrelationID string
}

// SaveResult is returned by a successful save.
type SaveResult struct {
	Submission   *domain.Submission
	Findings     domain.Findings
	Report       *report.Report
	AnnotatedPNG []byte
}

// ReviewOption customises a ReviewService.
type ReviewOption func(*ReviewService)

// WithAuditRecorder records every save attempt.
func WithAuditRecorder(recorder audit.Recorder) ReviewOption {
	return func(s *ReviewService) { s.audit = recorder }
}

// WithSaveObserver reports save outcomes to observer.
func WithSaveObserver(observer SaveObserver) ReviewOption {
	return func(s *ReviewService) { s.observer = observer }
}

// WithArtifactBaseURL prefixes artifact URLs written on save.
func WithArtifactBaseURL(base string) ReviewOption {
	return func(s *ReviewService) { s.baseURL = base }
}

// WithClock overrides the review timestamp source.
func WithClock(now func() time.Time) ReviewOption {
	return func(s *ReviewService) { s.now = now }
}

// WithSurfaceOptions sets the canvas used to replay shapes.
func WithSurfaceOptions(opts annotation.SurfaceOptions) ReviewOption {
	return func(s *ReviewService) { s.surface = opts }
}

// WithMaxImagePixels bounds the size of rasters handed to SaveRaster.
func WithMaxImagePixels(n int64) ReviewOption {
	return func(s *ReviewService) { s.maxPixels = n }
}

// ReviewService is the single place a submission becomes reviewed. A save
// flattens the annotation, classifies the notes, composes the report,
// encodes the raster and persists everything in one atomic write. Any
// failure aborts the save with nothing persisted.
type ReviewService struct {
	repo       domain.SubmissionRepository
	fetcher    domain.ImageFetcher
	classifier *FindingsClassifier
	composer   ReportComposer
	audit      audit.Recorder
	observer   SaveObserver
	surface    annotation.SurfaceOptions
	baseURL    string
	maxPixels  int64
	now        func() time.Time
	logger     *logrus.Logger
}

// NewReviewService creates a review service.
func NewReviewService(
	repo domain.SubmissionRepository,
	fetcher domain.ImageFetcher,
	classifier *FindingsClassifier,
	composer ReportComposer,
	logger *logrus.Logger,
	opts ...ReviewOption,
) *ReviewService {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	s := &ReviewService{
		repo:       repo,
		fetcher:    fetcher,
		classifier: classifier,
		composer:   composer,
		maxPixels:  DefaultMaxImagePixels,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveSession saves the review drawn on a live session and locks its
// surface. Saves on one session run one at a time.
func (s *ReviewService) SaveSession(ctx context.Context, sess *Session, req SaveRequest) (*SaveResult, error) {
	unlock := sess.lock()
	defer unlock()

	result, err := s.save(ctx, sess.SubmissionID, req, sess.Surface.Flatten)
	if err != nil {
		return nil, err
	}

	if err := sess.Surface.Lock(result.raster); err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id":    sess.ID,
			"submission_id": sess.SubmissionID,
		}).WithError(err).Warn("Review saved but surface could not be locked")
	}
	return result.SaveResult, nil
}

// SaveRaster saves a review whose annotated raster was flattened by the
// client.
func (s *ReviewService) SaveRaster(ctx context.Context, submissionID string, req SaveRequest, raster image.Image) (*SaveResult, error) {
	flatten := func() (*image.RGBA, error) {
		if raster == nil {
			return nil, errors.New("annotated image is required")
		}
		b := raster.Bounds()
		if int64(b.Dx())*int64(b.Dy()) > s.maxPixels {
			return nil, fmt.Errorf("%w: annotated image is %dx%d", ErrImageDimensions, b.Dx(), b.Dy())
		}
		return toRGBA(raster), nil
	}
	result, err := s.save(ctx, submissionID, req, flatten)
	if err != nil {
		return nil, err
	}
	return result.SaveResult, nil
}

// SaveShapes replays shapes onto a fresh surface over the original image
// and saves the result.
func (s *ReviewService) SaveShapes(ctx context.Context, submissionID string, req SaveRequest, shapes []annotation.Shape) (*SaveResult, error) {
	sub, err := s.repo.Get(ctx, submissionID)
	if err != nil {
		return nil, s.fail(ctx, submissionID, req, StageLoad, err, time.Now())
	}

	surface := annotation.NewSurface(ctx, s.surface, s.fetcher, sub.OriginalImageURL, false)
	defer surface.Close()
	if err := surface.Wait(ctx); err != nil {
		return nil, s.fail(ctx, submissionID, req, StageLoad, err, time.Now())
	}

	flatten := func() (*image.RGBA, error) {
		if err := surface.AddShapes(shapes); err != nil {
			return nil, err
		}
		return surface.Flatten()
	}
	result, err := s.save(ctx, submissionID, req, flatten)
	if err != nil {
		return nil, err
	}
	return result.SaveResult, nil
}

type saveOutcome struct {
	*SaveResult
	raster *image.RGBA
}

func (s *ReviewService) save(ctx context.Context, submissionID string, req SaveRequest, flatten func() (*image.RGBA, error)) (*saveOutcome, error) {
	start := time.Now()
	log := s.logger.WithFields(logrus.Fields{
		"submission_id":  submissionID,
		"correlation_id": req.CorrelationID,
	})

	sub, err := s.repo.Get(ctx, submissionID)
	if err != nil {
		return nil, s.fail(ctx, submissionID, req, StageLoad, err, start)
	}
	if sub.IsReviewed() {
		return nil, s.fail(ctx, submissionID, req, StageLoad, domain.ErrAlreadyReviewed, start)
	}

	raster, err := flatten()
	if err != nil {
		return nil, s.fail(ctx, submissionID, req, StageFlatten, err, start)
	}
	log.WithField("stage", StageFlatten).Debug("Annotation flattened")

	findings := s.classifier.Classify(req.AdminNotes)
	log.WithFields(logrus.Fields{
		"stage":           StageClassify,
		"general":         len(findings.General),
		"recommendations": len(findings.Recommendations),
	}).Debug("Notes classified")

	reviewedAt := s.now()
	original := s.loadOriginal(ctx, sub)
	rep, err := s.composer.Compose(report.Input{
		Patient:   sub.Patient,
		Findings:  findings,
		Original:  original,
		Annotated: raster,
		Date:      reviewedAt,
	})
	if err != nil {
		return nil, s.fail(ctx, submissionID, req, StageCompose, err, start)
	}

	png, err := annotation.EncodePNG(raster)
	if err != nil {
		return nil, s.fail(ctx, submissionID, req, StageEncode, err, start)
	}

	bundle := &domain.ReviewBundle{
		AdminNotes:        req.AdminNotes,
		AnnotatedPNG:      png,
		ReportPDF:         rep.PDF,
		AnnotatedImageURL: s.baseURL + ArtifactPath(sub.ID, domain.ArtifactAnnotatedImage),
		PDFReportURL:      s.baseURL + ArtifactPath(sub.ID, domain.ArtifactReport),
		ReviewedAt:        reviewedAt,
	}
	if err := bundle.Validate(); err != nil {
		return nil, s.fail(ctx, submissionID, req, StageEncode, err, start)
	}
	if err := s.repo.SaveReview(ctx, sub.ID, bundle); err != nil {
		return nil, s.fail(ctx, submissionID, req, StagePersist, err, start)
	}
	if err := sub.MarkReviewed(bundle); err != nil {
		// The store accepted the bundle; reload rather than trust the stale copy.
		if fresh, getErr := s.repo.Get(ctx, sub.ID); getErr == nil {
			sub = fresh
		}
	}

	s.record(ctx, &audit.Entry{
		SubmissionID:    sub.ID,
		Action:          audit.ActionReviewSaved,
		Actor:           req.Actor,
		Recommendations: len(findings.Recommendations),
		CorrelationID:   req.CorrelationID,
	})
	s.observe(OutcomeSuccess, "", start)

	log.WithFields(logrus.Fields{
		"annotated_bytes": len(png),
		"report_bytes":    len(rep.PDF),
		"duration":        time.Since(start),
	}).Info("Review saved")

	return &saveOutcome{
		SaveResult: &SaveResult{
			Submission:   sub,
			Findings:     findings,
			Report:       rep,
			AnnotatedPNG: png,
		},
		raster: raster,
	}, nil
}

func (s *ReviewService) loadOriginal(ctx context.Context, sub *domain.Submission) image.Image {
	if s.fetcher == nil {
		return nil
	}
	img, err := s.fetcher.Fetch(ctx, sub.OriginalImageURL)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"submission_id": sub.ID,
			"image_url":     sub.OriginalImageURL,
		}).WithError(err).Warn("Original image unavailable for report")
		return nil
	}
	return img
}

func (s *ReviewService) fail(ctx context.Context, submissionID string, req SaveRequest, stage Stage, err error, start time.Time) error {
	stageErr := &StageError{Stage: stage, Err: err}

	action := audit.ActionReviewFailed
	outcome := OutcomeFailure
	if errors.Is(err, domain.ErrAlreadyReviewed) {
		action = audit.ActionReviewRejected
		outcome = OutcomeRejected
	}

	s.logger.WithFields(logrus.Fields{
		"submission_id":  submissionID,
		"correlation_id": req.CorrelationID,
		"stage":          stage,
	}).WithError(err).Warn("Review save aborted")

	s.record(ctx, &audit.Entry{
		SubmissionID:  submissionID,
		Action:        action,
		Stage:         string(stage),
		Actor:         req.Actor,
		Detail:        err.Error(),
		CorrelationID: req.CorrelationID,
	})
	s.observe(outcome, string(stage), start)
	return stageErr
}

func (s *ReviewService) record(ctx context.Context, entry *audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("submission_id", entry.SubmissionID).Warn("Failed to record audit entry")
	}
}

func (s *ReviewService) observe(outcome, stage string, start time.Time) {
	if s.observer != nil {
		s.observer.ObserveSave(outcome, stage, time.Since(start))
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	return annotation.Render(b.Dx(), b.Dy(), img, nil)
}

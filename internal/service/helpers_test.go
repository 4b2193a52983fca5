package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/audit"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/report"
)

// memoryRepo is an in-memory SubmissionRepository with failure injection.
type memoryRepo struct {
	mu        sync.Mutex
	subs      map[string]*domain.Submission
	artifacts map[string]*domain.Artifact
	saveErr   error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		subs:      make(map[string]*domain.Submission),
		artifacts: make(map[string]*domain.Artifact),
	}
}

func (r *memoryRepo) Create(_ context.Context, s *domain.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.subs[s.ID] = &cp
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id string) (*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memoryRepo) List(_ context.Context, filter domain.SubmissionFilter) ([]*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*domain.Submission{}
	for _, s := range r.subs {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memoryRepo) SaveReview(_ context.Context, id string, bundle *domain.ReviewBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	s, ok := r.subs[id]
	if !ok {
		return domain.ErrNotFound
	}
	cp := *s
	if err := cp.MarkReviewed(bundle); err != nil {
		return err
	}
	r.subs[id] = &cp
	r.artifacts[id+"/"+string(domain.ArtifactAnnotatedImage)] = &domain.Artifact{
		SubmissionID: id, Kind: domain.ArtifactAnnotatedImage, ContentType: "image/png", Data: bundle.AnnotatedPNG,
	}
	r.artifacts[id+"/"+string(domain.ArtifactReport)] = &domain.Artifact{
		SubmissionID: id, Kind: domain.ArtifactReport, ContentType: "application/pdf", Data: bundle.ReportPDF,
	}
	return nil
}

func (r *memoryRepo) PutArtifact(_ context.Context, a *domain.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[a.SubmissionID+"/"+string(a.Kind)] = a
	return nil
}

func (r *memoryRepo) GetArtifact(_ context.Context, id string, kind domain.ArtifactKind) (*domain.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[id+"/"+string(kind)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (r *memoryRepo) artifactCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.artifacts)
}

type failingComposer struct {
	err error
}

func (c failingComposer) Compose(report.Input) (*report.Report, error) {
	return nil, c.err
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *memoryAudit) Record(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func (a *memoryAudit) all() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}

type observedSave struct {
	outcome string
	stage   string
}

type memoryObserver struct {
	mu    sync.Mutex
	saves []observedSave
}

func (o *memoryObserver) ObserveSave(outcome, stage string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saves = append(o.saves, observedSave{outcome, stage})
}

var errComposeFailed = errors.New("compose exploded")

// reviewFixture wires a review service over in-memory collaborators.
type reviewFixture struct {
	repo     *memoryRepo
	fetcher  *HTTPImageFetcher
	sessions *SessionManager
	service  *ReviewService
	audit    *memoryAudit
	observer *memoryObserver
}

func newReviewFixture(t *testing.T, composer ReportComposer) *reviewFixture {
	t.Helper()
	repo := newMemoryRepo()
	fetcher, err := NewHTTPImageFetcher(domain.ImageConfig{}, nil,
		WithArtifactSource(repo),
		WithPublicBaseURL("https://scribe.test"),
	)
	require.NoError(t, err)

	if composer == nil {
		composer = report.NewComposer(domain.ReportConfig{}, domain.SeverityPalette(), nil)
	}

	f := &reviewFixture{
		repo:     repo,
		fetcher:  fetcher,
		audit:    &memoryAudit{},
		observer: &memoryObserver{},
	}
	f.sessions = NewSessionManager(domain.SessionConfig{}, annotationOptions(), repo, fetcher, nil)
	t.Cleanup(f.sessions.Shutdown)

	f.service = NewReviewService(repo, fetcher, NewFindingsClassifier(domain.DefaultConditionTable()), composer, nil,
		WithAuditRecorder(f.audit),
		WithSaveObserver(f.observer),
		WithArtifactBaseURL("https://scribe.test"),
		WithSurfaceOptions(annotationOptions()),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }),
	)
	return f
}

func (f *reviewFixture) addPending(t *testing.T, id string, notes *string) *domain.Submission {
	t.Helper()
	sub := &domain.Submission{
		ID:               id,
		Patient:          domain.Patient{ID: "pat-" + id, Name: "Ada Patel"},
		OriginalImageURL: EncodeDataURL("image/png", pngBytes(t, 160, 120, color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff})),
		AdminNotes:       notes,
		Status:           domain.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, f.repo.Create(context.Background(), sub))
	return sub
}

func (f *reviewFixture) openReady(t *testing.T, id string) *Session {
	t.Helper()
	sess, err := f.sessions.Open(context.Background(), id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Surface.Wait(ctx))
	return sess
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func annotationOptions() annotation.SurfaceOptions {
	return annotation.SurfaceOptions{Width: 400, Height: 300, Palette: domain.SeverityPalette()}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dental-scribe-server/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "submissions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newSubmission(patientRef string) *domain.Submission {
	return &domain.Submission{
		ID:               uuid.New().String(),
		Patient:          domain.Patient{ID: patientRef, Name: "Ravi Patel", PatientID: "P-77"},
		OriginalImageURL: "https://images.example.com/upload.png",
	}
}

func newBundle(id string) *domain.ReviewBundle {
	return &domain.ReviewBundle{
		AdminNotes:        "Gum inflammation\nBrush twice daily",
		AnnotatedPNG:      []byte{0x89, 'P', 'N', 'G'},
		ReportPDF:         []byte("%PDF-1.4"),
		AnnotatedImageURL: "/api/v1/submissions/" + id + "/annotated",
		PDFReportURL:      "/api/v1/submissions/" + id + "/report",
		ReviewedAt:        time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
	}
}

func TestSQLiteStore_CreateGetList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		sub := newSubmission("patient-a")
		sub.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Create(ctx, sub))
		ids = append(ids, sub.ID)
	}
	require.NoError(t, store.Create(ctx, newSubmission("patient-b")))

	got, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "Ravi Patel", got.Patient.Name)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.AdminNotes)
	assert.Nil(t, got.ReviewedAt)

	list, err := store.List(ctx, domain.SubmissionFilter{PatientID: "patient-a"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)

	page, err := store.List(ctx, domain.SubmissionFilter{PatientID: "patient-a", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	count, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStore_CreateRejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	sub := newSubmission("patient-a")
	sub.OriginalImageURL = ""
	var validationErr *domain.ValidationError
	assert.ErrorAs(t, store.Create(context.Background(), sub), &validationErr)
}

func TestSQLiteStore_SaveReview(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := newSubmission("patient-a")
	require.NoError(t, store.Create(ctx, sub))

	bundle := newBundle(sub.ID)
	require.NoError(t, store.SaveReview(ctx, sub.ID, bundle))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReviewed, got.Status)
	assert.Equal(t, bundle.AdminNotes, got.Notes())
	require.NotNil(t, got.AnnotatedImageURL)
	assert.Equal(t, bundle.AnnotatedImageURL, *got.AnnotatedImageURL)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, bundle.ReviewedAt.Equal(*got.ReviewedAt))
	assert.NoError(t, got.Validate())

	pdf, err := store.GetArtifact(ctx, sub.ID, domain.ArtifactReport)
	require.NoError(t, err)
	assert.Equal(t, bundle.ReportPDF, pdf.Data)
	assert.Equal(t, "application/pdf", pdf.ContentType)

	assert.ErrorIs(t, store.SaveReview(ctx, sub.ID, newBundle(sub.ID)), domain.ErrAlreadyReviewed)
	assert.ErrorIs(t, store.SaveReview(ctx, "missing", newBundle("missing")), domain.ErrNotFound)

	reviewed, err := store.Count(ctx, domain.StatusReviewed)
	require.NoError(t, err)
	assert.Equal(t, 1, reviewed)
}

func TestSQLiteStore_ReviewedRowsAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := newSubmission("patient-a")
	require.NoError(t, store.Create(ctx, sub))
	require.NoError(t, store.SaveReview(ctx, sub.ID, newBundle(sub.ID)))

	_, err := store.db.ExecContext(ctx, `UPDATE submissions SET admin_notes = 'edited' WHERE id = ?`, sub.ID)
	assert.Error(t, err)
}

func TestSQLiteStore_SaveReviewRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := newSubmission("patient-a")
	require.NoError(t, store.Create(ctx, sub))
	require.NoError(t, store.PutArtifact(ctx, &domain.Artifact{
		SubmissionID: sub.ID,
		Kind:         domain.ArtifactReport,
		Data:         []byte("stale"),
	}))

	require.Error(t, store.SaveReview(ctx, sub.ID, newBundle(sub.ID)))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	_, err = store.GetArtifact(ctx, sub.ID, domain.ArtifactAnnotatedImage)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStore_ConcurrentSaves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := newSubmission("patient-a")
	require.NoError(t, store.Create(ctx, sub))

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.SaveReview(ctx, sub.ID, newBundle(sub.ID))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrAlreadyReviewed):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, rejected)
}

func TestSQLiteStore_PutArtifact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := newSubmission("patient-a")
	require.NoError(t, store.Create(ctx, sub))

	original := &domain.Artifact{SubmissionID: sub.ID, Kind: domain.ArtifactOriginalImage, Data: []byte{1, 2, 3}}
	require.NoError(t, store.PutArtifact(ctx, original))
	assert.ErrorIs(t, store.PutArtifact(ctx, original), domain.ErrArtifactExists)

	got, err := store.GetArtifact(ctx, sub.ID, domain.ArtifactOriginalImage)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Data)
	assert.Equal(t, "image/png", got.ContentType)

	var validationErr *domain.ValidationError
	assert.ErrorAs(t, store.PutArtifact(ctx, &domain.Artifact{SubmissionID: sub.ID, Kind: domain.ArtifactReport}), &validationErr)
}

func TestSQLiteStore_SaveReviewRollbackWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLiteStoreFromDB(db, nil)
	bundle := newBundle("sub-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO submission_artifacts")).
		WithArgs("sub-1", string(domain.ArtifactAnnotatedImage), "image/png", bundle.AnnotatedPNG, bundle.ReviewedAt).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = store.SaveReview(context.Background(), "sub-1", bundle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "annotated_image artifact")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_SaveReviewRejectedWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLiteStoreFromDB(db, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM submissions")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("reviewed"))
	mock.ExpectRollback()

	err = store.SaveReview(context.Background(), "sub-1", newBundle("sub-1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyReviewed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package api

import (
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/middleware"
	"github.com/dental-scribe-server/internal/service"
)

// CreateSubmissionRequest is the JSON form of a submission whose image is
// already hosted elsewhere.
type CreateSubmissionRequest struct {
	Patient          domain.Patient `json:"patient"`
	OriginalImageURL string         `json:"original_image_url"`
	PatientNotes     string         `json:"patient_notes,omitempty"`
}

// SaveReviewRequest saves a review without a live session. Exactly one of
// Shapes (replayed server-side) or AnnotatedImageDataURL (flattened by the
// client) is used; the data URL wins when both are present.
type SaveReviewRequest struct {
	AdminNotes            string             `json:"adminNotes"`
	Shapes                []annotation.Shape `json:"shapes,omitempty"`
	AnnotatedImageDataURL string             `json:"annotatedImageDataUrl,omitempty"`
	Actor                 string             `json:"actor,omitempty"`
}

// ReviewResponse is returned by every successful save.
type ReviewResponse struct {
	Submission *domain.Submission `json:"submission"`
	Findings   domain.Findings    `json:"findings"`
}

func (s *Server) handleCreateSubmission(c *gin.Context) {
	var (
		sub      *domain.Submission
		original *domain.Artifact
		err      error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		sub, original, err = s.submissionFromUpload(c)
	} else {
		sub, err = s.submissionFromJSON(c)
	}
	if err != nil {
		s.rejectBody(c, "Invalid submission", err)
		return
	}

	ctx := c.Request.Context()
	if err := s.deps.Submissions.Create(ctx, sub); err != nil {
		s.respondError(c, err)
		return
	}
	if original != nil {
		if err := s.deps.Submissions.PutArtifact(ctx, original); err != nil {
			s.respondError(c, fmt.Errorf("storing original image: %w", err))
			return
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncrementSubmissions()
	}

	s.logger.WithFields(logrus.Fields{
		"submission_id":  sub.ID,
		"patient_ref":    sub.Patient.ID,
		"uploaded":       original != nil,
		"correlation_id": s.correlationID(c),
	}).Info("Submission received")

	c.JSON(http.StatusCreated, sub)
}

func (s *Server) submissionFromJSON(c *gin.Context) (*domain.Submission, error) {
	var req CreateSubmissionRequest
	if err := s.bindJSON(c, &req); err != nil {
		return nil, err
	}
	if req.OriginalImageURL == "" {
		return nil, domain.NewValidationError("original_image_url", "original image URL is required", nil)
	}

	sub := &domain.Submission{
		ID:               uuid.New().String(),
		Patient:          req.Patient,
		OriginalImageURL: req.OriginalImageURL,
		Status:           domain.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	if req.PatientNotes != "" {
		notes := req.PatientNotes
		sub.PatientNotes = &notes
	}
	return sub, nil
}

func (s *Server) submissionFromUpload(c *gin.Context) (*domain.Submission, *domain.Artifact, error) {
	header, err := c.FormFile("image")
	if err != nil {
		return nil, nil, domain.NewValidationError("image", "image file is required", nil)
	}
	if header.Size > s.config.MaxUploadBytes {
		return nil, nil, domain.NewValidationError("image", "image is too large", header.Size)
	}

	file, err := header.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.config.MaxUploadBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.config.MaxUploadBytes {
		return nil, nil, domain.NewValidationError("image", "image is too large", len(data))
	}
	_, format, err := service.DecodeImageConfig(data, s.config.MaxImagePixels)
	if errors.Is(err, service.ErrImageDimensions) {
		return nil, nil, domain.NewValidationError("image", err.Error(), header.Filename)
	}
	if err != nil {
		return nil, nil, domain.NewValidationError("image", "file is not a supported image", header.Filename)
	}

	id := uuid.New().String()
	sub := &domain.Submission{
		ID: id,
		Patient: domain.Patient{
			ID:        c.PostForm("patient_ref"),
			Name:      c.PostForm("patient_name"),
			Email:     c.PostForm("patient_email"),
			Phone:     c.PostForm("patient_phone"),
			PatientID: c.PostForm("patient_number"),
		},
		OriginalImageURL: s.config.PublicBaseURL + service.ArtifactPath(id, domain.ArtifactOriginalImage),
		Status:           domain.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	if notes := c.PostForm("patient_notes"); notes != "" {
		sub.PatientNotes = &notes
	}

	artifact := &domain.Artifact{
		SubmissionID: id,
		Kind:         domain.ArtifactOriginalImage,
		ContentType:  "image/" + format,
		Data:         data,
		CreatedAt:    sub.CreatedAt,
	}
	return sub, artifact, nil
}

func (s *Server) handleListSubmissions(c *gin.Context) {
	filter, err := listFilter(c)
	if err != nil {
		s.badRequest(c, "Invalid query", err)
		return
	}
	s.listSubmissions(c, filter)
}

func (s *Server) handleListPatientSubmissions(c *gin.Context) {
	filter, err := listFilter(c)
	if err != nil {
		s.badRequest(c, "Invalid query", err)
		return
	}
	filter.PatientID = c.Param("patientID")
	s.listSubmissions(c, filter)
}

func (s *Server) listSubmissions(c *gin.Context, filter domain.SubmissionFilter) {
	subs, err := s.deps.Submissions.List(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"submissions": subs,
		"count":       len(subs),
		"limit":       filter.Limit,
		"offset":      filter.Offset,
	})
}

func listFilter(c *gin.Context) (domain.SubmissionFilter, error) {
	var filter domain.SubmissionFilter
	if v := c.Query("status"); v != "" {
		status, err := domain.ParseStatus(v)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, domain.NewValidationError(name, "must be a non-negative integer", v)
		}
		*dst = n
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	return filter, nil
}

func (s *Server) handleGetSubmission(c *gin.Context) {
	sub, err := s.deps.Submissions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// handleArtifact streams a stored artifact. An original image that was
// never uploaded redirects to where it is hosted.
func (s *Server) handleArtifact(kind domain.ArtifactKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		artifact, err := s.deps.Submissions.GetArtifact(ctx, id, kind)
		if errors.Is(err, domain.ErrNotFound) && kind == domain.ArtifactOriginalImage {
			sub, getErr := s.deps.Submissions.Get(ctx, id)
			if getErr != nil {
				s.respondError(c, getErr)
				return
			}
			external := strings.HasPrefix(sub.OriginalImageURL, "http://") || strings.HasPrefix(sub.OriginalImageURL, "https://")
			if external && !strings.HasSuffix(sub.OriginalImageURL, c.Request.URL.Path) {
				c.Redirect(http.StatusFound, sub.OriginalImageURL)
				return
			}
		}
		if err != nil {
			s.respondError(c, err)
			return
		}

		if kind == domain.ArtifactReport {
			c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="report-%s.pdf"`, id))
		}
		c.Data(http.StatusOK, artifact.ContentType, artifact.Data)
	}
}

// handleSaveReview is the session-less save path.
func (s *Server) handleSaveReview(c *gin.Context) {
	var req SaveReviewRequest
	if err := s.bindJSON(c, &req); err != nil {
		s.rejectBody(c, "Invalid request body", err)
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	saveReq := service.SaveRequest{
		AdminNotes:    req.AdminNotes,
		Actor:         req.Actor,
		CorrelationID: s.correlationID(c),
	}

	var (
		result *service.SaveResult
		err    error
	)
	if req.AnnotatedImageDataURL != "" {
		raster, decodeErr := s.decodeDataURLImage(req.AnnotatedImageDataURL)
		if decodeErr != nil {
			s.badRequest(c, "Invalid annotated image", decodeErr)
			return
		}
		result, err = s.deps.Reviews.SaveRaster(ctx, id, saveReq, raster)
	} else {
		result, err = s.deps.Reviews.SaveShapes(ctx, id, saveReq, req.Shapes)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.observeFindings(result.Findings)
	c.JSON(http.StatusOK, ReviewResponse{Submission: result.Submission, Findings: result.Findings})
}

func (s *Server) handleListAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		s.respondError(c, fmt.Errorf("audit trail: %w", domain.ErrNotFound))
		return
	}
	filter, err := listFilter(c)
	if err != nil {
		s.badRequest(c, "Invalid query", err)
		return
	}
	limit, offset := filter.Limit, filter.Offset
	if limit == 0 {
		limit = 50
	}

	entries, err := s.deps.Audit.List(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) observeFindings(f domain.Findings) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveFindings(len(f.General), len(f.Recommendations))
	}
}

func (s *Server) decodeDataURLImage(raw string) (image.Image, error) {
	data, mediaType, err := service.DecodeDataURL(raw)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("data URL is %s, not an image", mediaType)
	}
	img, _, err := service.DecodeImage(data, s.config.MaxImagePixels)
	if err != nil {
		return nil, fmt.Errorf("annotated image: %w", err)
	}
	return img, nil
}

// maxJSONBytes bounds JSON bodies: room for a base64 data URL of the
// largest accepted upload plus notes and shapes.
func (s *Server) maxJSONBytes() int64 {
	return s.config.MaxUploadBytes/3*4 + 1<<20
}

func (s *Server) bindJSON(c *gin.Context, v interface{}) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxJSONBytes())
	return c.ShouldBindJSON(v)
}

// rejectBody answers 413 for bodies cut off by bindJSON and 400 otherwise.
func (s *Server) rejectBody(c *gin.Context, message string, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, domain.NewAPIError(
			domain.ErrCodeInvalidInput, "Request body too large",
			fmt.Sprintf("limit is %d bytes", tooLarge.Limit), c.GetString(middleware.CorrelationIDKey)))
		return
	}
	s.badRequest(c, message, err)
}

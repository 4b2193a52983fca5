package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/middleware"
	"github.com/dental-scribe-server/internal/service"
)

// statusFor maps an error to its HTTP status and API error code.
func statusFor(err error) (int, string) {
	var validationErr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrAlreadyReviewed):
		return http.StatusConflict, domain.ErrCodeAlreadyReview
	case errors.Is(err, domain.ErrSurfaceLocked):
		return http.StatusConflict, domain.ErrCodeSurfaceLocked
	case errors.Is(err, domain.ErrArtifactExists):
		return http.StatusConflict, domain.ErrCodeConflict
	case errors.Is(err, domain.ErrSurfaceNotReady), errors.Is(err, domain.ErrSurfaceClosed):
		return http.StatusConflict, domain.ErrCodeSurfaceState
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, domain.ErrCodeNotFound
	case errors.As(err, &validationErr),
		errors.Is(err, domain.ErrNothingSelected),
		errors.Is(err, domain.ErrColourNotInPalette),
		errors.Is(err, domain.ErrInvalidGeometry),
		errors.Is(err, domain.ErrUnknownShape),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, service.ErrUnsupportedImageURL),
		errors.Is(err, service.ErrImageDimensions):
		return http.StatusBadRequest, domain.ErrCodeValidation
	}

	var stageErr *service.StageError
	if errors.As(err, &stageErr) {
		return http.StatusInternalServerError, domain.ErrCodeSaveFailed
	}
	return http.StatusInternalServerError, domain.ErrCodeInternalServer
}

// respondError writes err as an APIError. Save failures carry the failed
// stage and whether a retry can succeed.
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	apiErr := domain.NewAPIError(code, http.StatusText(status), err.Error(), c.GetString(middleware.CorrelationIDKey))

	var stageErr *service.StageError
	if errors.As(err, &stageErr) {
		apiErr.Message = "Review was not saved (" + string(stageErr.Stage) + " stage failed)"
		apiErr.Retryable = stageErr.Retryable()
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("correlation_id", apiErr.RequestID).Error("Request failed")
		if !errors.As(err, &stageErr) {
			apiErr.Details = ""
		}
	}

	c.AbortWithStatusJSON(status, apiErr)
}

func (s *Server) badRequest(c *gin.Context, message string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, domain.NewAPIError(
		domain.ErrCodeInvalidInput, message, details, c.GetString(middleware.CorrelationIDKey)))
}

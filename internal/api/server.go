package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/audit"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/metrics"
	"github.com/dental-scribe-server/internal/middleware"
	"github.com/dental-scribe-server/internal/service"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// HealthCheck reports whether a backing dependency is usable.
type HealthCheck func(ctx context.Context) error

// Dependencies are the services the API is wired to. Audit, Metrics and
// Health are optional.
type Dependencies struct {
	Submissions domain.SubmissionRepository
	Sessions    *service.SessionManager
	Reviews     *service.ReviewService
	Classifier  *service.FindingsClassifier
	Palette     domain.Palette
	Audit       audit.Store
	Metrics     *metrics.ReviewMetrics
	Health      map[string]HealthCheck
}

// Server represents the HTTP server
type Server struct {
	config domain.ServerConfig
	deps   Dependencies
	router *gin.Engine
	server *http.Server
	events *eventHub
	logger *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(config domain.ServerConfig, deps Dependencies, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 20 << 20
	}
	if config.MaxImagePixels <= 0 {
		config.MaxImagePixels = service.DefaultMaxImagePixels
	}
	if len(deps.Palette) == 0 {
		deps.Palette = domain.SeverityPalette()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(config.AllowedOrigins))
	router.Use(middleware.AuditLogger(logger))
	if deps.Metrics != nil {
		router.Use(middleware.Metrics(deps.Metrics))
	}
	router.MaxMultipartMemory = config.MaxUploadBytes

	s := &Server{
		config: config,
		deps:   deps,
		router: router,
		logger: logger,
	}
	s.events = newEventHub(logger, deps.Metrics, config.AllowedOrigins)

	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.events.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/submissions", s.handleCreateSubmission)
		v1.GET("/submissions", s.handleListSubmissions)
		v1.GET("/submissions/patient/:patientID", s.handleListPatientSubmissions)
		v1.GET("/submissions/:id", s.handleGetSubmission)
		v1.GET("/submissions/:id/original", s.handleArtifact(domain.ArtifactOriginalImage))
		v1.GET("/submissions/:id/annotated", s.handleArtifact(domain.ArtifactAnnotatedImage))
		v1.GET("/submissions/:id/report", s.handleArtifact(domain.ArtifactReport))
		v1.PUT("/submissions/:id/review", s.handleSaveReview)
		v1.GET("/submissions/:id/audit", s.handleListAudit)

		v1.POST("/sessions", s.handleOpenSession)
		v1.GET("/sessions/:sid", s.handleGetSession)
		v1.DELETE("/sessions/:sid", s.handleCloseSession)
		v1.POST("/sessions/:sid/shapes", s.handleAddShape)
		v1.POST("/sessions/:sid/freehand", s.handleAddFreehand)
		v1.POST("/sessions/:sid/selection", s.handleSelect)
		v1.DELETE("/sessions/:sid/selection", s.handleClearSelection)
		v1.POST("/sessions/:sid/recolor", s.handleRecolor)
		v1.POST("/sessions/:sid/move", s.handleMove)
		v1.POST("/sessions/:sid/resize", s.handleResize)
		v1.DELETE("/sessions/:sid/shapes/selected", s.handleDeleteSelected)
		v1.GET("/sessions/:sid/preview", s.handlePreview)
		v1.POST("/sessions/:sid/save", s.handleSaveSession)
		v1.GET("/sessions/:sid/events", s.handleEvents)

		v1.POST("/findings/parse", s.handleParseFindings)
		v1.GET("/palettes", s.handlePalettes)
	}
}

// handleHealth runs every registered check.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Health))
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"checks":    checks,
	}
	if s.deps.Sessions != nil {
		body["sessions"] = s.deps.Sessions.Count()
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	c.JSON(status, body)
}

// handleParseFindings previews the findings derived from notes.
func (s *Server) handleParseFindings(c *gin.Context) {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Classifier.Classify(req.Notes))
}

// handlePalettes returns the toolbar palette and the condition colours.
func (s *Server) handlePalettes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"severity":   s.deps.Palette,
		"conditions": s.deps.Classifier.Table().Palette(),
	})
}

func (s *Server) correlationID(c *gin.Context) string {
	return c.GetString(middleware.CorrelationIDKey)
}

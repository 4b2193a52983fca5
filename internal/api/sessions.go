package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/service"
)

// openWaitTimeout bounds how long ?wait=true blocks on the image load.
const openWaitTimeout = 20 * time.Second

// SessionView is the full client-visible state of a review session.
type SessionView struct {
	SessionID     string              `json:"session_id"`
	SubmissionID  string              `json:"submission_id"`
	Width         int                 `json:"width"`
	Height        int                 `json:"height"`
	HasBackground bool                `json:"has_background"`
	Controls      annotation.Controls `json:"controls"`
	Shapes        []annotation.Shape  `json:"shapes"`
	Selection     []string            `json:"selection"`
	Notice        *annotation.Notice  `json:"notice,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func viewOf(sess *service.Session) SessionView {
	w, h := sess.Surface.Size()
	return SessionView{
		SessionID:     sess.ID,
		SubmissionID:  sess.SubmissionID,
		Width:         w,
		Height:        h,
		HasBackground: sess.Surface.HasBackground(),
		Controls:      sess.Surface.Controls(),
		Shapes:        sess.Surface.Shapes(),
		Selection:     sess.Surface.Selection(),
		Notice:        sess.Surface.Notice(),
		CreatedAt:     sess.CreatedAt,
	}
}

func (s *Server) session(c *gin.Context) (*service.Session, bool) {
	sess, err := s.deps.Sessions.Get(c.Param("sid"))
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) updateSessionGauge() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetActiveSessions(s.deps.Sessions.Count())
	}
}

// handleOpenSession opens a review session. With ?wait=true the response
// is sent once the image has loaded (or failed to).
func (s *Server) handleOpenSession(c *gin.Context) {
	var req struct {
		SubmissionID string `json:"submission_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "submission_id is required", err)
		return
	}

	sess, err := s.deps.Sessions.Open(c.Request.Context(), req.SubmissionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.updateSessionGauge()

	if c.Query("wait") == "true" {
		ctx, cancel := context.WithTimeout(c.Request.Context(), openWaitTimeout)
		defer cancel()
		if err := sess.Surface.Wait(ctx); err != nil {
			s.logger.WithField("session_id", sess.ID).WithError(err).Warn("Gave up waiting for session image")
		}
	}

	c.JSON(http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) handleCloseSession(c *gin.Context) {
	if err := s.deps.Sessions.Close(c.Param("sid")); err != nil {
		s.respondError(c, err)
		return
	}
	s.updateSessionGauge()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAddShape(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		Kind   annotation.Kind   `json:"kind" binding:"required"`
		Origin *annotation.Point `json:"origin,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "kind is required", err)
		return
	}

	var (
		shapes []annotation.Shape
		err    error
	)
	if req.Origin != nil {
		shapes, err = sess.Surface.AddAt(req.Kind, *req.Origin)
	} else {
		shapes, err = sess.Surface.Add(req.Kind)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shapes": shapes, "controls": sess.Surface.Controls()})
}

func (s *Server) handleAddFreehand(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		Points []annotation.Point `json:"points" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "points are required", err)
		return
	}

	shape, err := sess.Surface.AddFreehand(req.Points)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shapes": []annotation.Shape{shape}, "controls": sess.Surface.Controls()})
}

// handleSelect selects by IDs, by a click point or by a drag area, in that
// order of precedence.
func (s *Server) handleSelect(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		IDs   []string          `json:"ids,omitempty"`
		Point *annotation.Point `json:"point,omitempty"`
		Area  *annotation.Rect  `json:"area,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}

	var err error
	switch {
	case len(req.IDs) > 0:
		err = sess.Surface.Select(req.IDs...)
	case req.Point != nil:
		_, err = sess.Surface.SelectAt(*req.Point)
	case req.Area != nil:
		_, err = sess.Surface.SelectArea(annotation.NewRect(req.Area.Min, req.Area.Max))
	default:
		s.badRequest(c, "one of ids, point or area is required", nil)
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selection": sess.Surface.Selection(), "controls": sess.Surface.Controls()})
}

func (s *Server) handleClearSelection(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.Surface.ClearSelection(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selection": []string{}, "controls": sess.Surface.Controls()})
}

func (s *Server) handleRecolor(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		Colour string `json:"colour" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "colour is required", err)
		return
	}
	if err := sess.Surface.Recolor(req.Colour); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shapes": sess.Surface.Shapes(), "controls": sess.Surface.Controls()})
}

func (s *Server) handleMove(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		DX float64 `json:"dx"`
		DY float64 `json:"dy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}
	if err := sess.Surface.Move(req.DX, req.DY); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shapes": sess.Surface.Shapes()})
}

func (s *Server) handleResize(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		ID     string  `json:"id" binding:"required"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "id is required", err)
		return
	}
	if err := sess.Surface.Resize(req.ID, req.Width, req.Height); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shapes": sess.Surface.Shapes()})
}

func (s *Server) handleDeleteSelected(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	deleted, err := sess.Surface.DeleteSelected()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "controls": sess.Surface.Controls()})
}

// handlePreview returns the flattened surface as PNG.
func (s *Server) handlePreview(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	raster, err := sess.Surface.Flatten()
	if err != nil {
		s.respondError(c, err)
		return
	}
	data, err := annotation.EncodePNG(raster)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) handleSaveSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		AdminNotes string `json:"admin_notes"`
		Actor      string `json:"actor,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}

	result, err := s.deps.Reviews.SaveSession(c.Request.Context(), sess, service.SaveRequest{
		AdminNotes:    req.AdminNotes,
		Actor:         req.Actor,
		CorrelationID: s.correlationID(c),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.observeFindings(result.Findings)
	c.JSON(http.StatusOK, ReviewResponse{Submission: result.Submission, Findings: result.Findings})
}

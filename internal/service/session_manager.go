package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/domain"
)

// ErrSessionNotFound is returned for unknown or expired review sessions.
var ErrSessionNotFound = errors.New("review session not found")

// SubmissionReader is the read side of the submission repository.
type SubmissionReader interface {
	Get(ctx context.Context, id string) (*domain.Submission, error)
}

// Session binds one annotation surface to the submission under review.
// Saves on a session are serialised.
type Session struct {
	ID           string
	SubmissionID string
	Surface      *annotation.Surface
	CreatedAt    time.Time

	saveMu sync.Mutex
}

// SessionManager owns the live review sessions. Sessions expire after an
// idle TTL; expiry and explicit close both release the surface.
type SessionManager struct {
	sessions *gocache.Cache
	repo     SubmissionReader
	fetcher  domain.ImageFetcher
	opts     annotation.SurfaceOptions
	ttl      time.Duration
	logger   *logrus.Logger
}

// NewSessionManager creates a session manager.
func NewSessionManager(
	config domain.SessionConfig,
	surface annotation.SurfaceOptions,
	repo SubmissionReader,
	fetcher domain.ImageFetcher,
	logger *logrus.Logger,
) *SessionManager {
	if config.IdleTTL == 0 {
		config.IdleTTL = 30 * time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if surface.Logger == nil {
		surface.Logger = logger
	}

	m := &SessionManager{
		sessions: gocache.New(config.IdleTTL, config.CleanupInterval),
		repo:     repo,
		fetcher:  fetcher,
		opts:     surface,
		ttl:      config.IdleTTL,
		logger:   logger,
	}
	m.sessions.OnEvicted(func(id string, value interface{}) {
		sess, ok := value.(*Session)
		if !ok {
			return
		}
		sess.Surface.Close()
		m.logger.WithFields(logrus.Fields{
			"session_id":    id,
			"submission_id": sess.SubmissionID,
		}).Info("Review session closed")
	})
	return m
}

// Open starts a review session for a submission. A reviewed submission
// opens locked on its persisted annotated image.
func (m *SessionManager) Open(ctx context.Context, submissionID string) (*Session, error) {
	sub, err := m.repo.Get(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission %s: %w", submissionID, err)
	}

	// The surface outlives the request that opened it.
	surface := annotation.NewSurface(context.Background(), m.opts, m.fetcher, sub.SurfaceImageURL(), sub.IsReviewed())

	sess := &Session{
		ID:           uuid.New().String(),
		SubmissionID: sub.ID,
		Surface:      surface,
		CreatedAt:    time.Now().UTC(),
	}
	m.sessions.Set(sess.ID, sess, gocache.DefaultExpiration)

	m.logger.WithFields(logrus.Fields{
		"session_id":    sess.ID,
		"submission_id": sub.ID,
		"status":        sub.Status,
	}).Info("Review session opened")
	return sess, nil
}

// Get returns a live session and extends its idle deadline.
func (m *SessionManager) Get(id string) (*Session, error) {
	value, ok := m.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess := value.(*Session)
	if err := m.touch(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// touch restarts the idle deadline of a session still in the cache. A
// session evicted since it was read stays evicted: its surface is already
// closed.
func (m *SessionManager) touch(sess *Session) error {
	if err := m.sessions.Replace(sess.ID, sess, gocache.DefaultExpiration); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sess.ID)
	}
	return nil
}

// Close ends a session and releases its surface.
func (m *SessionManager) Close(id string) error {
	if _, ok := m.sessions.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.sessions.Delete(id)
	return nil
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	return m.sessions.ItemCount()
}

// Shutdown closes every session.
func (m *SessionManager) Shutdown() {
	for id := range m.sessions.Items() {
		m.sessions.Delete(id)
	}
}

// lock serialises saves on the session.
func (s *Session) lock() func() {
	s.saveMu.Lock()
	return s.saveMu.Unlock
}

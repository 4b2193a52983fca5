package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/metrics"
	"github.com/dental-scribe-server/internal/middleware"
)

const (
	eventWriteWait  = 5 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = (eventPongWait * 9) / 10
)

// eventSnapshot is the first message on every stream.
const eventSnapshot annotation.EventType = "snapshot"

// eventHub tracks open event streams so shutdown can close them.
type eventHub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger
	metrics  *metrics.ReviewMetrics

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// newEventHub accepts websocket upgrades from the server's own origin and
// from allowedOrigins, the same list the CORS middleware uses.
func newEventHub(logger *logrus.Logger, m *metrics.ReviewMetrics, allowedOrigins []string) *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.SameOrigin(r) || middleware.OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		logger:  logger,
		metrics: m,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

func (h *eventHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.EventStreamOpened()
	}
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if ok && h.metrics != nil {
		h.metrics.EventStreamClosed()
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(eventWriteWait))
		conn.Close()
	}
}

// handleEvents streams surface change events over a websocket. The stream
// ends when the client goes away or the session closes.
func (s *Server) handleEvents(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	conn, err := s.events.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Warn("WebSocket upgrade failed")
		return
	}
	s.events.add(conn)
	defer func() {
		s.events.remove(conn)
		conn.Close()
	}()

	events, unsubscribe := sess.Surface.Subscribe()
	defer unsubscribe()

	log := s.logger.WithField("session_id", sess.ID)
	log.Debug("Event stream opened")

	// Reader: only control frames are expected; any error ends the stream.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := annotation.Event{
		Type:     eventSnapshot,
		Controls: sess.Surface.Controls(),
		Notice:   sess.Surface.Notice(),
		Time:     time.Now().UTC(),
	}
	if err := writeEvent(conn, snapshot); err != nil {
		return
	}

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-events:
			if !open {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(eventWriteWait))
				log.Debug("Event stream ended with session")
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				log.WithError(err).Debug("Event stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-gone:
			log.Debug("Event stream closed by client")
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev annotation.Event) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	return conn.WriteJSON(ev)
}

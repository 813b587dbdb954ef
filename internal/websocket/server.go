package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmeet/session-engine/internal/session"
	"github.com/openmeet/session-engine/pkg/logger"
)

// Close codes sent to viewers when the server ends the connection
const (
	// CloseSlowConsumer tells the client to reconnect with its last
	// delivered sequence number to resume without gaps.
	CloseSlowConsumer = 4001
	// CloseSessionEnded tells the client the session has been evicted
	// and no further events will be produced.
	CloseSessionEnded = 4002
)

// SnapshotMessage is the first frame delivered on every attach, before any
// live event. ResumeSeq inside the snapshot is the cursor live delivery
// continues from.
type SnapshotMessage struct {
	Type     string           `json:"type"`
	Snapshot session.Snapshot `json:"snapshot"`
}

// Server upgrades viewer connections and bridges them to per-session event
// streams held by the registry
type Server struct {
	registry     *session.Registry
	upgrader     websocket.Upgrader
	drainTimeout time.Duration
	logger       *logger.Logger
}

// NewServer creates a new WebSocket server
func NewServer(registry *session.Registry, drainTimeout time.Duration, log *logger.Logger) *Server {
	return &Server{
		registry:     registry,
		drainTimeout: drainTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		logger: log.Named("web-socket"),
	}
}

// HandleAttach attaches a viewer to a session's event stream: the snapshot
// is captured and the subscription registered in the same session turn, so
// the first live event is always the one after the snapshot's resume cursor.
func (s *Server) HandleAttach(w http.ResponseWriter, r *http.Request, sessionID, viewerID string, sinceSeq *uint64) {
	s.logger.Info("Handling new viewer connection request",
		String("session_id", sessionID),
		String("viewer_id", viewerID),
		String("remote_addr", r.RemoteAddr))

	snapshot, conn, err := s.registry.Attach(r.Context(), sessionID, viewerID, sinceSeq)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, session.ErrSessionClosed):
			status = http.StatusGone
		case errors.Is(err, session.ErrAttachTimeout):
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			Error(err),
			String("remote_addr", r.RemoteAddr))
		s.registry.Detach(sessionID, viewerID)
		return
	}

	s.logger.Debug("Successfully upgraded connection to WebSocket",
		String("remote_addr", r.RemoteAddr))

	go s.readPump(ws, conn)
	go s.writePump(ws, conn, snapshot)
}

// readPump consumes client frames until the connection drops, then detaches
// the viewer from the session
func (s *Server) readPump(ws *websocket.Conn, conn *session.ViewerConn) {
	defer func() {
		s.registry.Detach(conn.SessionID(), conn.ViewerID())
		ws.Close()
	}()

	for {
		// Viewers send no application messages; reads only surface the
		// close handshake and keepalive frames.
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error",
					String("viewer_id", conn.ViewerID()),
					Error(err))
			}
			return
		}
	}
}

// writePump delivers the snapshot frame and then the live stream in sequence
// order. When the event channel closes every buffered event has already been
// flushed; the close reason decides the close frame the viewer sees.
func (s *Server) writePump(ws *websocket.Conn, conn *session.ViewerConn, snapshot session.Snapshot) {
	defer ws.Close()

	if err := s.writeJSON(ws, SnapshotMessage{Type: "snapshot", Snapshot: snapshot}); err != nil {
		s.logger.Debug("Failed to write snapshot",
			String("viewer_id", conn.ViewerID()),
			Error(err))
		return
	}
	conn.MarkStreaming()

	for event := range conn.Events() {
		if err := s.writeJSON(ws, event); err != nil {
			s.logger.Debug("Failed to write event",
				String("viewer_id", conn.ViewerID()),
				logger.Uint64("seq", event.EventSeq()),
				Error(err))
			return
		}
		conn.MarkDelivered(event.EventSeq())
	}

	// Channel closed: the viewer was drained, detached, or the session ended
	code := CloseSessionEnded
	text := "session ended"
	if errors.Is(conn.CloseReason(), session.ErrSlowConsumer) {
		code = CloseSlowConsumer
		text = "slow consumer, reconnect with last delivered sequence"
		s.logger.Info("Slow viewer drained and disconnected",
			String("session_id", conn.SessionID()),
			String("viewer_id", conn.ViewerID()),
			logger.Uint64("last_delivered", conn.LastDelivered()))
	}

	deadline := time.Now().Add(s.drainTimeout)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), deadline)
}

// writeJSON writes a single frame with the drain timeout as write bound, so
// one stalled peer cannot hold the pump past the configured window
func (s *Server) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(time.Now().Add(s.drainTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

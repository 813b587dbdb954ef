package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openmeet/session-engine/internal/session"
	"github.com/openmeet/session-engine/internal/storage/sqlite"
	"github.com/openmeet/session-engine/internal/websocket"
	"github.com/openmeet/session-engine/pkg/logger"
)

// userIDHeader carries the caller identity set by the gateway
const userIDHeader = "X-User-ID"

const defaultTranscriptPageSize = 200

// Handler contains the API handlers
type Handler struct {
	registry *session.Registry
	storage  *sqlite.Storage
	writer   *sqlite.Writer
	wsServer *websocket.Server
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(registry *session.Registry, storage *sqlite.Storage, writer *sqlite.Writer, wsServer *websocket.Server, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		storage:  storage,
		writer:   writer,
		wsServer: wsServer,
		logger:   log.Named("api-handler"),
	}
}

// CreateSession creates a new transcription session in pending status
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MeetingID string `json:"meeting_id"`
		Language  string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.MeetingID == "" {
		http.Error(w, "meeting_id is required", http.StatusBadRequest)
		return
	}

	sess, err := h.registry.Create(req.MeetingID, req.Language)
	if err != nil {
		h.logger.Error("Failed to create session",
			logger.String("meeting_id", req.MeetingID),
			logger.Error(err))
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Created session",
		logger.String("session_id", sess.ID),
		logger.String("meeting_id", sess.MeetingID))

	WriteJSON(w, http.StatusCreated, sess)
}

// GetSession returns a session by ID, live or persisted
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	sess, err := h.registry.Get(r.Context(), sessionID)
	if err != nil {
		h.writeSessionError(w, sessionID, err)
		return
	}

	WriteJSON(w, http.StatusOK, sess)
}

// UpdateSessionStatus applies a lifecycle transition to a session
func (h *Handler) UpdateSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Status session.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	actorID := r.Header.Get(userIDHeader)
	sess, err := h.registry.Transition(sessionID, req.Status, actorID)
	if err != nil {
		h.writeSessionError(w, sessionID, err)
		return
	}

	h.logger.Info("Session status changed",
		logger.String("session_id", sessionID),
		logger.String("status", string(sess.Status)),
		logger.String("actor_id", actorID))

	WriteJSON(w, http.StatusOK, sess)
}

// IngestFragment accepts one speech fragment from a producer and returns the
// sequenced segment
func (h *Handler) IngestFragment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	var frag session.Fragment
	if err := json.NewDecoder(r.Body).Decode(&frag); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	seg, err := h.registry.IngestFragment(sessionID, frag)
	if err != nil {
		h.writeSessionError(w, sessionID, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, seg)
}

// ApplyPresence accepts a participant join, leave, or speaking change
func (h *Handler) ApplyPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	var event session.PresenceEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if event.ParticipantID == "" {
		http.Error(w, "participant_id is required", http.StatusBadRequest)
		return
	}

	if err := h.registry.ApplyPresence(sessionID, event); err != nil {
		h.writeSessionError(w, sessionID, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// CreateBookmark creates a bookmark, deduplicating on the creator's nonce.
// A replayed nonce returns the original bookmark with 200 instead of 201.
func (h *Handler) CreateBookmark(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	var req session.BookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CreatorID == "" {
		req.CreatorID = r.Header.Get(userIDHeader)
	}
	if req.CreatorID == "" {
		http.Error(w, "creator_id is required", http.StatusBadRequest)
		return
	}

	bm, created, err := h.registry.CreateBookmark(sessionID, req)
	if err != nil {
		h.writeSessionError(w, sessionID, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.Info("Created bookmark",
			logger.String("session_id", sessionID),
			logger.String("bookmark_id", bm.ID),
			logger.String("type", string(bm.Type)))
	}
	WriteJSON(w, status, bm)
}

// GetSnapshot returns the consistent session view a reconnecting viewer
// resumes from. The optional since parameter requests a delta snapshot.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	sinceSeq, err := parseSinceSeq(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snapshot, err := h.registry.Snapshot(r.Context(), sessionID, sinceSeq)
	if err != nil {
		h.writeSessionError(w, sessionID, err)
		return
	}

	WriteJSON(w, http.StatusOK, snapshot)
}

// GetTranscript returns the persisted final transcript with pagination
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	limit := defaultTranscriptPageSize
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	sess, err := h.storage.SessionByID(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to load session for transcript",
			logger.String("session_id", sessionID),
			logger.Error(err))
		http.Error(w, "Failed to load transcript", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	segments, err := h.storage.SegmentsPage(r.Context(), sessionID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to load transcript segments",
			logger.String("session_id", sessionID),
			logger.Error(err))
		http.Error(w, "Failed to load transcript", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"session_id": sessionID,
		"status":     sess.Status,
		"summary":    sess.Summary,
		"count":      len(segments),
		"limit":      limit,
		"offset":     offset,
		"segments":   segments,
	}
	WriteJSON(w, http.StatusOK, response)
}

// HandleSessionStream upgrades a viewer connection and attaches it to the
// session's live event stream
func (h *Handler) HandleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	viewerID := r.URL.Query().Get("viewer_id")
	if viewerID == "" {
		viewerID = r.Header.Get(userIDHeader)
	}
	if viewerID == "" {
		viewerID = fmt.Sprintf("viewer-%d", time.Now().UnixNano())
	}

	var sinceSeq *uint64
	if fromStr := r.URL.Query().Get("from_sequence"); fromStr != "" {
		from, err := strconv.ParseUint(fromStr, 10, 64)
		if err != nil {
			http.Error(w, "Invalid from_sequence parameter", http.StatusBadRequest)
			return
		}
		sinceSeq = &from
	}

	h.wsServer.HandleAttach(w, r, sessionID, viewerID, sinceSeq)
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.writer.Degraded() {
		status = "degraded"
	}

	response := map[string]interface{}{
		"status":          status,
		"active_sessions": h.registry.ActiveCount(),
		"store_degraded":  h.writer.Degraded(),
		"timestamp":       time.Now().UTC(),
	}
	WriteJSON(w, http.StatusOK, response)
}

// writeSessionError maps session errors to HTTP status codes
func (h *Handler) writeSessionError(w http.ResponseWriter, sessionID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, session.ErrSnapshotUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrAttachTimeout):
		status = http.StatusServiceUnavailable
	case isValidationError(err):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			logger.String("session_id", sessionID),
			logger.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// isValidationError reports whether the error came from payload validation
// inside the session rather than infrastructure
func isValidationError(err error) bool {
	var ve *session.ValidationError
	return errors.As(err, &ve)
}

// parseSinceSeq parses the optional since query parameter
func parseSinceSeq(r *http.Request) (*uint64, error) {
	sinceStr := r.URL.Query().Get("since")
	if sinceStr == "" {
		return nil, nil
	}
	since, err := strconv.ParseUint(sinceStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid since parameter: %w", err)
	}
	return &since, nil
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/auth"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// WebSocketHandler handles WebSocket upgrade requests for attendance sessions
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	authenticator     *auth.Authenticator
	metrics           *Metrics
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, authn *auth.Authenticator) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		authenticator:     authn,
		metrics:           cm.metrics,
	}
}

// HandshakeFromRequest reads the handshake hint from query parameters.
func HandshakeFromRequest(r *http.Request) events.Handshake {
	q := r.URL.Query()
	return events.Handshake{
		UserID:       q.Get("userId"),
		TenantID:     q.Get("tenantId"),
		Role:         models.Role(q.Get("role")),
		SessionID:    q.Get("sessionId"),
		ConnectionID: q.Get("connectionId"),
	}
}

// HandleAttendanceConnection authenticates the handshake and upgrades the
// connection. The bearer token is authoritative; the handshake fields are
// only a hint that must agree with it.
func (h *WebSocketHandler) HandleAttendanceConnection(w http.ResponseWriter, r *http.Request) {
	hs := HandshakeFromRequest(r)
	if hs.SessionID == "" {
		h.reject(w, http.StatusBadRequest, events.NewError(events.CodeValidation, "sessionId is required"))
		return
	}

	identity, err := h.authenticator.Authenticate(r.Context(), r)
	if err != nil {
		log.Warn().Err(err).Str("session_id", hs.SessionID).Msg("websocket handshake unauthenticated")
		h.reject(w, http.StatusUnauthorized, events.NewError(events.CodeUnauthenticated, "invalid or missing credentials"))
		return
	}

	if err := auth.CheckHint(identity, hs.UserID, hs.TenantID); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", hs.SessionID).
			Str("user_id", identity.UserID).
			Str("tenant_id", identity.TenantID).
			Msg("websocket handshake identity mismatch")
		h.reject(w, http.StatusConflict, events.NewError(events.CodeIdentityMismatch, "%s", err.Error()))
		return
	}
	if hs.Role != "" && hs.Role != identity.Role {
		log.Debug().
			Str("user_id", identity.UserID).
			Str("claimed_role", string(hs.Role)).
			Str("role", string(identity.Role)).
			Msg("ignoring client role hint")
	}

	if err := h.connectionManager.UpgradeConnection(w, r, identity, hs); err != nil {
		// The upgrader has already written an HTTP error response.
		log.Error().
			Err(err).
			Str("session_id", hs.SessionID).
			Str("user_id", identity.UserID).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

func (h *WebSocketHandler) reject(w http.ResponseWriter, status int, wireErr *events.Error) {
	h.metrics.RecordHandshakeRejected()
	writeJSON(w, status, wireErr)
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.GetConnectionStats())
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/attendance", h.HandleAttendanceConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

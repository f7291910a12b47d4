package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"absurdroom/internal/app"
	"absurdroom/internal/domain"
	"absurdroom/internal/identity"
)

const qrSize = 320

// Response is a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionResponse is the response for session creation
type SessionResponse struct {
	DeviceID  string    `json:"deviceId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateRoomRequest is the body of POST /api/rooms
type CreateRoomRequest struct {
	HostName string `json:"hostName"`
}

// CreateRoomResponse is the response for room creation
type CreateRoomResponse struct {
	Room     *domain.Room `json:"room"`
	JoinLink string       `json:"joinLink"`
}

// ShareResponse is the response for the share text
type ShareResponse struct {
	Text     string `json:"text"`
	JoinLink string `json:"joinLink"`
}

// HealthResponse is the response for health check
type HealthResponse struct {
	Status string `json:"status"`
}

// handleSession handles POST /api/session. The device id cookie is issued
// on first contact and reused afterwards.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	deviceID := identity.EnsureDeviceID(w, r, s.config.IsProduction())

	session, err := s.sessions.EnsureAnonymousSession(deviceID, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("issuing session failed")
		s.sendError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to start session")
		return
	}

	s.sendSuccess(w, &SessionResponse{
		DeviceID:  session.DeviceID,
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
	})
}

// handleCreateRoom handles POST /api/rooms
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	deviceID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	// an empty body, sized or chunked, creates a room with the default host name
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	room, err := s.rooms.CreateRoom(r.Context(), req.HostName, deviceID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.sendCreated(w, &CreateRoomResponse{
		Room:     room,
		JoinLink: s.joinLink(r, room.Code),
	})
}

// handleGetRoom handles GET /api/rooms/:code
func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	view, err := s.rooms.View(r.Context(), ps.ByName("code"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, view)
}

// handleShare handles GET /api/rooms/:code/share
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	text, err := s.rooms.ShareText(r.Context(), ps.ByName("code"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, &ShareResponse{
		Text:     text,
		JoinLink: s.joinLink(r, domain.NormalizeRoomCode(ps.ByName("code"))),
	})
}

// handleQR handles GET /api/rooms/:code/qr.png
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, err := s.rooms.LoadRoom(r.Context(), ps.ByName("code"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	png, err := qrcode.Encode(s.joinLink(r, room.Code), qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Error().Err(err).Str("room", room.Code).Msg("qr generation failed")
		s.sendError(w, http.StatusInternalServerError, "QR_FAILED", "QR generation failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(png)
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.sendSuccess(w, &HealthResponse{
		Status: "ok",
	})
}

// authenticate resolves the bearer token to a device id, writing a 401
// when it is missing or invalid
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	deviceID, err := s.sessions.Verify(token)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "UNAUTHORIZED", "A valid session is required")
		return "", false
	}
	return deviceID, true
}

// joinLink is the URL players open to join a room
func (s *Server) joinLink(r *http.Request, code string) string {
	base := s.config.Server.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + "/?" + url.Values{"room": {code}}.Encode()
}

// sendDomainError maps a service error to a status and error code
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		s.sendError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "ROOM_NOT_FOUND", "Room not found. Check the code.")
	case errors.Is(err, domain.ErrState):
		s.sendError(w, http.StatusConflict, "INVALID_ACTION", err.Error())
	case errors.Is(err, domain.ErrPermission):
		s.sendError(w, http.StatusForbidden, "NOT_HOST", err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, app.ErrNoRoomCode):
		s.logger.Error().Err(err).Msg("room store failure")
		s.sendError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Rooms are unavailable, try again")
	default:
		s.logger.Error().Err(err).Msg("unexpected error")
		s.sendError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// sendSuccess sends a successful JSON response
func (s *Server) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&Response{
		Success: true,
		Data:    data,
	})
}

// sendCreated sends a successful JSON response with 201 Created
func (s *Server) sendCreated(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&Response{
		Success: true,
		Data:    data,
	})
}

// sendError sends an error JSON response
func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}

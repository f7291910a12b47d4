package ws

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"absurdroom/internal/app"
	"absurdroom/internal/domain"
	"absurdroom/internal/identity"
)

// Handler upgrades room connections and wires them to the room's feed
type Handler struct {
	rooms       *app.Service
	sessions    *identity.Provider
	optionCount int
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(rooms *app.Service, sessions *identity.Provider, optionCount int, logger zerolog.Logger) *Handler {
	if optionCount <= 0 {
		optionCount = domain.DefaultOptionCount
	}
	return &Handler{
		rooms:       rooms,
		sessions:    sessions,
		optionCount: optionCount,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origins are filtered by the CORS layer in front
				return true
			},
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP handles GET /ws?roomCode=&role=&token=
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	deviceID, err := h.sessions.Verify(q.Get("token"))
	if err != nil {
		http.Error(w, "Invalid session", http.StatusUnauthorized)
		return
	}

	role := Role(q.Get("role"))
	if role == "" {
		role = RolePlayer
	}
	if role != RolePlayer && role != RoleHost {
		http.Error(w, "role must be player or host", http.StatusBadRequest)
		return
	}

	// Joining either side requires the room to exist
	room, err := h.rooms.LoadRoom(r.Context(), q.Get("roomCode"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "Room not found. Check the code.", http.StatusNotFound)
		case errors.Is(err, domain.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error().Err(err).Msg("loading room failed")
			http.Error(w, "Room unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, h.rooms, room.Code, deviceID, role, h.rooms.Deck().Answers, h.optionCount, h.logger)
	client.sendConnected()

	stop, err := h.rooms.Watch(room.Code, client.OnView)
	if err != nil {
		h.logger.Error().Err(err).Str("room", room.Code).Msg("watching room failed")
		client.sendServiceError(err)
		client.Close()
		return
	}
	defer stop()

	h.logger.Info().
		Str("room", room.Code).
		Str("device", deviceID).
		Str("role", string(role)).
		Msg("websocket connected")

	client.Run()

	h.logger.Info().Str("room", room.Code).Str("device", deviceID).Msg("websocket disconnected")
}

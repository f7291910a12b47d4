package ws

import (
	"encoding/json"
	"errors"
	"time"

	"absurdroom/internal/app"
	"absurdroom/internal/domain"
)

// MessageType represents the type of WebSocket message
type MessageType string

// Client → Server message types
const (
	MsgSubmit           MessageType = "submit"
	MsgCloseSubmissions MessageType = "close_submissions"
	MsgPickWinner       MessageType = "pick_winner"
	MsgNextRound        MessageType = "next_round"
	MsgPing             MessageType = "ping"
)

// Server → Client message types
const (
	MsgConnected MessageType = "connected"
	MsgRoomState MessageType = "room_state"
	MsgSubmitted MessageType = "submitted"
	MsgError     MessageType = "error"
	MsgPong      MessageType = "pong"
)

// Role is the side of the game a connection plays
type Role string

const (
	RolePlayer Role = "player"
	RoleHost   Role = "host"
)

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage represents a message from server to client
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// NewServerMessage creates a new server message with current timestamp
func NewServerMessage(msgType MessageType, payload interface{}) *ServerMessage {
	return &ServerMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Client message payloads

// SubmitPayload is the payload for submit. Pick wins over Custom.
type SubmitPayload struct {
	PlayerName string `json:"playerName"`
	Pick       string `json:"pick"`
	Custom     string `json:"custom"`
}

// PickWinnerPayload is the payload for pick_winner
type PickWinnerPayload struct {
	SubmissionID string `json:"submissionId"`
}

// Server message payloads

// ConnectedPayload is the payload for connected message
type ConnectedPayload struct {
	DeviceID string `json:"deviceId"`
	RoomCode string `json:"roomCode"`
	Role     Role   `json:"role"`
}

// RoomStatePayload is pushed whenever the room or its submissions change.
// Hosts see every submission of the round; players see how many there are,
// their own answer and their options.
type RoomStatePayload struct {
	Status          app.ViewStatus       `json:"status"`
	Room            *domain.Room         `json:"room,omitempty"`
	Submissions     []*domain.Submission `json:"submissions,omitempty"`
	SubmissionCount int                  `json:"submissionCount"`
	MySubmission    *domain.Submission   `json:"mySubmission,omitempty"`
	Options         []string             `json:"options,omitempty"`
}

// ErrorPayload is the payload for error message
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeRoomNotFound     = "ROOM_NOT_FOUND"
	ErrCodeInvalidAction    = "INVALID_ACTION"
	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodeNotHost          = "NOT_HOST"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// errorCode classifies a service error
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return ErrCodeValidation
	case errors.Is(err, domain.ErrState):
		return ErrCodeInvalidAction
	case errors.Is(err, domain.ErrPermission):
		return ErrCodeNotHost
	case errors.Is(err, domain.ErrNotFound):
		return ErrCodeRoomNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		return ErrCodeStoreUnavailable
	default:
		return ErrCodeInternalError
	}
}

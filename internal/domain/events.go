package domain

import "time"

// EventType represents the type of room event
type EventType string

const (
	EventRoomCreated       EventType = "room_created"
	EventSubmissionMade    EventType = "submission_made"
	EventSubmissionsClosed EventType = "submissions_closed"
	EventWinnerPicked      EventType = "winner_picked"
	EventRoundAdvanced     EventType = "round_advanced"
	EventRoomReaped        EventType = "room_reaped"
)

// RoomEvent records a committed change to a room
type RoomEvent struct {
	Type      EventType `json:"type"`
	RoomCode  string    `json:"roomCode"`
	ActorID   string    `json:"actorId,omitempty"`
	Round     int       `json:"round"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates a new room event
func NewEvent(eventType EventType, roomCode, actorID string, round int, payload any) *RoomEvent {
	return &RoomEvent{
		Type:      eventType,
		RoomCode:  roomCode,
		ActorID:   actorID,
		Round:     round,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Payload types for different events

// SubmissionPayload is sent when a submission is written
type SubmissionPayload struct {
	SubmissionID string `json:"submissionId"`
	PlayerName   string `json:"playerName"`
}

// WinnerPayload is sent when the host reveals a winner
type WinnerPayload struct {
	WinnerName string `json:"winnerName"`
	WinnerText string `json:"winnerText"`
}

// RoundAdvancedPayload is sent when a new round starts
type RoundAdvancedPayload struct {
	FinishedRound int    `json:"finishedRound"`
	Purged        int    `json:"purged"`
	Prompt        string `json:"prompt"`
}

package domain

import (
	"strings"
	"time"
	"unicode"
)

// Document field names shared by rooms and submissions
const (
	FieldCode         = "code"
	FieldHostName     = "hostName"
	FieldHostID       = "hostId"
	FieldPhase        = "phase"
	FieldCurrentRound = "currentRound"
	FieldPrompt       = "prompt"
	FieldWinnerName   = "winnerName"
	FieldWinnerText   = "winnerText"
	FieldCreatedAt    = "createdAt"
	FieldRound        = "round"
	FieldPlayerID     = "playerId"
	FieldPlayerName   = "playerName"
	FieldText         = "text"
)

const (
	// DefaultHostName is used when the host leaves their name blank
	DefaultHostName = "Host"

	// RoomCodeLength is the number of digits in a room code
	RoomCodeLength = 4
)

// Changes is a partial room document keyed by field name
type Changes map[string]any

// Room is one game session, keyed by its code
type Room struct {
	Code         string    `json:"code"`
	HostName     string    `json:"hostName"`
	HostID       string    `json:"hostId"`
	Phase        Phase     `json:"phase"`
	CurrentRound int       `json:"currentRound"`
	Prompt       string    `json:"prompt"`
	WinnerName   string    `json:"winnerName"`
	WinnerText   string    `json:"winnerText"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewRoom creates a room in the submitting phase of round 1
func NewRoom(code, hostName, hostID, prompt string) (*Room, error) {
	if !ValidRoomCode(code) {
		return nil, ErrInvalidRoomCode
	}
	if strings.TrimSpace(hostID) == "" {
		return nil, ErrHostIDRequired
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrPromptRequired
	}

	hostName = SafeName(hostName)
	if hostName == "" {
		hostName = DefaultHostName
	}

	return &Room{
		Code:         code,
		HostName:     hostName,
		HostID:       hostID,
		Phase:        PhaseSubmitting,
		CurrentRound: 1,
		Prompt:       prompt,
	}, nil
}

// Fields returns the full room document. createdAt is left to the store.
func (r *Room) Fields() map[string]any {
	return map[string]any{
		FieldCode:         r.Code,
		FieldHostName:     r.HostName,
		FieldHostID:       r.HostID,
		FieldPhase:        string(r.Phase),
		FieldCurrentRound: r.CurrentRound,
		FieldPrompt:       r.Prompt,
		FieldWinnerName:   r.WinnerName,
		FieldWinnerText:   r.WinnerText,
	}
}

// Round returns the active round, treating a missing value as round 1
func (r *Room) Round() int {
	if r.CurrentRound < 1 {
		return 1
	}
	return r.CurrentRound
}

// IsHost checks if the given device is the recorded host
func (r *Room) IsHost(deviceID string) bool {
	return r.HostID == deviceID
}

// CloseSubmissions moves the room to judging. Closing an already judging room
// is a no-op and returns no changes.
//
// The host check is advisory: ids are self-asserted anonymous device ids.
func (r *Room) CloseSubmissions(actorHostID string) (Changes, error) {
	if r.HostID != "" && r.HostID != actorHostID {
		return nil, ErrHostMismatch
	}

	switch r.Phase {
	case PhaseSubmitting:
	case PhaseJudging:
		return Changes{}, nil
	case PhaseRevealed:
		return nil, ErrAlreadyRevealed
	default:
		return nil, ErrUnknownPhase
	}

	changes := Changes{
		FieldPhase:      string(PhaseJudging),
		FieldWinnerName: "",
		FieldWinnerText: "",
	}
	r.Apply(changes)
	return changes, nil
}

// PickWinner reveals the chosen submission. It does not check the
// submission's round; callers only offer submissions of the current round.
func (r *Room) PickWinner(sub *Submission) (Changes, error) {
	if r.Phase != PhaseJudging {
		return nil, ErrNotJudging
	}
	if sub == nil {
		return nil, ErrSubmissionMissing
	}

	changes := Changes{
		FieldPhase:      string(PhaseRevealed),
		FieldWinnerName: sub.PlayerName,
		FieldWinnerText: sub.Text,
	}
	r.Apply(changes)
	return changes, nil
}

// NextRound starts the following round with a new prompt. It is tolerated
// from any phase. The finished round is returned so its submissions can be
// purged.
func (r *Room) NextRound(prompt string) (Changes, int, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, 0, ErrPromptRequired
	}

	finished := r.Round()
	changes := Changes{
		FieldPhase:        string(PhaseSubmitting),
		FieldCurrentRound: finished + 1,
		FieldPrompt:       prompt,
		FieldWinnerName:   "",
		FieldWinnerText:   "",
	}
	r.Apply(changes)
	return changes, finished, nil
}

// Apply merges changes into the room
func (r *Room) Apply(changes Changes) {
	for field, value := range changes {
		switch field {
		case FieldPhase:
			if v, ok := value.(string); ok {
				r.Phase = Phase(v)
			}
		case FieldCurrentRound:
			if v, ok := value.(int); ok {
				r.CurrentRound = v
			}
		case FieldPrompt:
			if v, ok := value.(string); ok {
				r.Prompt = v
			}
		case FieldWinnerName:
			if v, ok := value.(string); ok {
				r.WinnerName = v
			}
		case FieldWinnerText:
			if v, ok := value.(string); ok {
				r.WinnerText = v
			}
		}
	}
}

// NewSubmission builds the submission a player writes for the current round
func (r *Room) NewSubmission(playerID, playerName, text string) (*Submission, error) {
	if r.Phase != PhaseSubmitting {
		return nil, ErrSubmissionsClosed
	}
	if strings.TrimSpace(playerID) == "" {
		return nil, ErrPlayerIDRequired
	}

	playerName = SafeName(playerName)
	if playerName == "" {
		return nil, ErrNicknameRequired
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrChoiceRequired
	}
	if len([]rune(text)) > MaxAnswerLength {
		return nil, ErrChoiceTooLong
	}

	return NewSubmission(r.Round(), playerID, playerName, text), nil
}

// NormalizeRoomCode keeps the digits of code, up to RoomCodeLength of them
func NormalizeRoomCode(code string) string {
	var b strings.Builder
	for _, c := range code {
		if c < '0' || c > '9' {
			continue
		}
		b.WriteRune(c)
		if b.Len() == RoomCodeLength {
			break
		}
	}
	return b.String()
}

// ValidRoomCode reports whether code is exactly RoomCodeLength digits
func ValidRoomCode(code string) bool {
	return len(code) == RoomCodeLength && NormalizeRoomCode(code) == code
}

// MaxNameLength bounds display names
const MaxNameLength = 20

// SafeName trims, collapses inner whitespace and bounds a display name
func SafeName(name string) string {
	name = strings.Join(strings.FieldsFunc(name, unicode.IsSpace), " ")
	if runes := []rune(name); len(runes) > MaxNameLength {
		name = strings.TrimSpace(string(runes[:MaxNameLength]))
	}
	return name
}

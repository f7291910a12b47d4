package app

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"absurdroom/internal/domain"
	"absurdroom/internal/store"
)

// ViewStatus says how much of a room a view could see
type ViewStatus string

const (
	// ViewReady means the room was read and understood
	ViewReady ViewStatus = "ready"
	// ViewMissing means no room exists under the code (yet, or any more)
	ViewMissing ViewStatus = "missing"
	// ViewTransient means the room exists but could not be interpreted;
	// readers wait for the next change
	ViewTransient ViewStatus = "transient"
)

// RoomView is what a room looks like to a reader at one moment: the room
// document plus the submissions of its current round in display order
type RoomView struct {
	Code        string               `json:"code"`
	Status      ViewStatus           `json:"status"`
	Room        *domain.Room         `json:"room,omitempty"`
	Submissions []*domain.Submission `json:"submissions"`
}

func newRoomView(code string, room *domain.Room, subs []*domain.Submission) RoomView {
	if room == nil {
		return RoomView{Code: code, Status: ViewMissing, Submissions: []*domain.Submission{}}
	}
	if !room.Phase.Valid() {
		return RoomView{Code: code, Status: ViewTransient, Submissions: []*domain.Submission{}}
	}

	current := domain.FilterRound(subs, room.Round())
	domain.SortSubmissions(current)
	return RoomView{Code: code, Status: ViewReady, Room: room, Submissions: current}
}

func decodeRoom(doc store.Document) (*domain.Room, error) {
	var room domain.Room
	if err := store.Decode(doc.Fields, &room); err != nil {
		return nil, err
	}
	if room.Code == "" {
		room.Code = doc.ID
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = doc.CreateTime
	}
	return &room, nil
}

func decodeSubmission(doc store.Document) (*domain.Submission, error) {
	var sub domain.Submission
	if err := store.Decode(doc.Fields, &sub); err != nil {
		return nil, err
	}
	sub.ID = doc.ID
	return &sub, nil
}

// decodeSubmissions decodes a collection, skipping documents it cannot read
func decodeSubmissions(docs []store.Document, logger zerolog.Logger) []*domain.Submission {
	subs := make([]*domain.Submission, 0, len(docs))
	for _, doc := range docs {
		sub, err := decodeSubmission(doc)
		if err != nil {
			logger.Warn().Err(err).Str("key", doc.Key).Msg("skipping unreadable submission")
			continue
		}
		subs = append(subs, sub)
	}
	domain.SortSubmissions(subs)
	return subs
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

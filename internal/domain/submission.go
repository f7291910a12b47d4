package domain

import (
	"fmt"
	"sort"
	"time"
)

// MaxAnswerLength bounds the text of a submission
const MaxAnswerLength = 200

// Submission is one player's answer for a specific round
type Submission struct {
	ID         string    `json:"id"`
	Round      int       `json:"round"`
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewSubmission creates a new submission keyed by round and player
func NewSubmission(round int, playerID, playerName, text string) *Submission {
	return &Submission{
		ID:         SubmissionID(round, playerID),
		Round:      round,
		PlayerID:   playerID,
		PlayerName: playerName,
		Text:       text,
	}
}

// SubmissionID is the natural key of a submission. Writing the same round and
// player twice overwrites instead of duplicating.
func SubmissionID(round int, playerID string) string {
	return fmt.Sprintf("%d_%s", round, playerID)
}

// Fields returns the submission document. createdAt is left to the store.
func (s *Submission) Fields() map[string]any {
	return map[string]any{
		FieldRound:      s.Round,
		FieldPlayerID:   s.PlayerID,
		FieldPlayerName: s.PlayerName,
		FieldText:       s.Text,
	}
}

// SortSubmissions orders submissions by creation time. Submissions without a
// timestamp sort first; equal timestamps are ordered by id.
func SortSubmissions(subs []*Submission) {
	sort.SliceStable(subs, func(i, j int) bool {
		return SubmissionLess(subs[i], subs[j])
	})
}

// SubmissionLess reports whether a is displayed before b
func SubmissionLess(a, b *Submission) bool {
	ka, kb := sortKey(a), sortKey(b)
	if ka != kb {
		return ka < kb
	}
	return a.ID < b.ID
}

func sortKey(s *Submission) int64 {
	if s.CreatedAt.IsZero() {
		return 0
	}
	return s.CreatedAt.UnixNano()
}

// FilterRound returns the submissions written for round
func FilterRound(subs []*Submission, round int) []*Submission {
	out := make([]*Submission, 0, len(subs))
	for _, s := range subs {
		if s.Round == round {
			out = append(out, s)
		}
	}
	return out
}

// FindSubmission returns the submission with the given id
func FindSubmission(subs []*Submission, id string) (*Submission, bool) {
	for _, s := range subs {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

package domain

import (
	"fmt"
	"strings"
)

// DefaultOptionCount is how many answer options a player is offered
const DefaultOptionCount = 3

// Intn is the random source used to draw options
type Intn interface {
	Intn(n int) int
}

// DrawOptions draws up to n distinct answers from pool by rejection sampling:
// draw, keep if unseen, repeat.
func DrawOptions(pool []string, n int, rng Intn) []string {
	distinct := make(map[string]struct{}, len(pool))
	for _, p := range pool {
		distinct[p] = struct{}{}
	}
	if n > len(distinct) {
		n = len(distinct)
	}

	options := make([]string, 0, n)
	used := make(map[string]struct{}, n)
	for len(options) < n {
		t := pool[rng.Intn(len(pool))]
		if _, seen := used[t]; seen {
			continue
		}
		used[t] = struct{}{}
		options = append(options, t)
	}
	return options
}

// OptionTracker keeps a player's options stable for the whole round and
// reseeds them exactly once when the round changes
type OptionTracker struct {
	pool    []string
	count   int
	rng     Intn
	round   int
	options []string
}

// NewOptionTracker creates a tracker drawing count options from pool
func NewOptionTracker(pool []string, count int, rng Intn) *OptionTracker {
	return &OptionTracker{pool: pool, count: count, rng: rng}
}

// ForRound returns the options for round, drawing new ones only when round
// differs from the last round seen
func (t *OptionTracker) ForRound(round int) []string {
	if t.options != nil && t.round == round {
		return t.options
	}
	t.round = round
	t.options = DrawOptions(t.pool, t.count, t.rng)
	return t.options
}

// ResolveChoice picks the answer text from a selected option or free text,
// preferring the option
func ResolveChoice(pick, custom string) string {
	if c := strings.TrimSpace(pick); c != "" {
		return c
	}
	return strings.TrimSpace(custom)
}

// Blank is the placeholder in prompts that answers fill in
const Blank = "___"

// FillBlank substitutes fill into the first blank of template, or appends it
func FillBlank(template, fill string) string {
	if strings.Contains(template, Blank) {
		return strings.Replace(template, Blank, fill, 1)
	}
	return template + " " + fill
}

// ShareText renders a round as plain text for pasting into a group chat
func ShareText(room *Room, options []string) string {
	if room == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ROUND %d  ROOM %s\n", room.Round(), room.Code)
	b.WriteString("No essays. No mercy. One shot.\n\n")
	b.WriteString(room.Prompt)
	b.WriteString("\n\nReply with 1, 2, 3 or drop your own.\n\n")
	for i, t := range options {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d) %s", i+1, FillBlank(room.Prompt, t))
	}
	return b.String()
}

// Package deck holds the prompt and answer cards rounds are played with.
package deck

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmcvetta/randutil"
	"gopkg.in/yaml.v3"
)

//go:embed deck.yaml
var defaultDeck []byte

// ErrEmptyDeck is returned when a deck has no prompts or no answers
var ErrEmptyDeck = errors.New("deck needs at least one prompt and one answer")

// Deck is a set of prompt cards (with a ___ blank) and answer cards
type Deck struct {
	Prompts []string `yaml:"prompts"`
	Answers []string `yaml:"answers"`
}

// Default returns the built-in deck
func Default() *Deck {
	d, err := Parse(defaultDeck)
	if err != nil {
		panic(fmt.Sprintf("built-in deck: %v", err))
	}
	return d
}

// Load reads a deck file. An empty path returns the built-in deck.
func Load(path string) (*Deck, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deck %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("deck %s: %w", path, err)
	}
	return d, nil
}

// Parse decodes a YAML deck, dropping blank cards
func Parse(data []byte) (*Deck, error) {
	var d Deck
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse deck: %w", err)
	}
	d.Prompts = clean(d.Prompts)
	d.Answers = clean(d.Answers)
	if len(d.Prompts) == 0 || len(d.Answers) == 0 {
		return nil, ErrEmptyDeck
	}
	return &d, nil
}

// RandomPrompt returns a random prompt card
func (d *Deck) RandomPrompt() string {
	p, err := randutil.ChoiceString(d.Prompts)
	if err != nil {
		return d.Prompts[0]
	}
	return p
}

// RandomPromptExcluding returns a random prompt that is not in excluded,
// falling back to any prompt when the deck has nothing else
func (d *Deck) RandomPromptExcluding(excluded ...string) string {
	skip := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		skip[e] = true
	}

	candidates := make([]string, 0, len(d.Prompts))
	for _, p := range d.Prompts {
		if !skip[p] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return d.RandomPrompt()
	}

	p, err := randutil.ChoiceString(candidates)
	if err != nil {
		return candidates[0]
	}
	return p
}

func clean(cards []string) []string {
	out := make([]string, 0, len(cards))
	for _, c := range cards {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

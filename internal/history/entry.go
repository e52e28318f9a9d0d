// Package history records settled pairs as TOML sections, one file per room.
package history

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lox/stopgo/internal/game"
)

// DefaultFilename is the per-room history file.
const DefaultFilename = "history.toml"

// Entry is one settled pair.
type Entry struct {
	Round      int       `toml:"round"`
	Red        string    `toml:"red"`
	Blue       string    `toml:"blue"`
	World      string    `toml:"world"`
	RedChoice  string    `toml:"red_choice"`
	BlueChoice string    `toml:"blue_choice,omitempty"`
	RedPayoff  float64   `toml:"red_payoff"`
	BluePayoff float64   `toml:"blue_payoff"`
	SettledAt  time.Time `toml:"settled_at"`
}

// NewEntry flattens a settled pair.
func NewEntry(round int, pair game.RoundPair, table game.Table, result *game.Result, at time.Time) Entry {
	return Entry{
		Round:      round,
		Red:        pair.Red,
		Blue:       pair.Blue,
		World:      string(table),
		RedChoice:  string(result.Choices.Red),
		BlueChoice: string(result.Choices.Blue),
		RedPayoff:  result.Payoffs.Red,
		BluePayoff: result.Payoffs.Blue,
		SettledAt:  at.UTC(),
	}
}

// SectionName is the TOML table name of the entry.
func (e Entry) SectionName() string {
	return fmt.Sprintf("round-%03d-%s", e.Round, e.Red)
}

// Load decodes a history file, ordered by round and then RED id.
func Load(path string) ([]Entry, error) {
	var sections map[string]Entry
	if _, err := toml.DecodeFile(path, &sections); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(sections))
	for _, e := range sections {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(a.Round, b.Round); c != 0 {
			return c
		}
		return cmp.Compare(a.Red, b.Red)
	})
	return entries, nil
}

// Totals sums each participant's payoffs over entries.
func Totals(entries []Entry) map[string]float64 {
	totals := make(map[string]float64)
	for _, e := range entries {
		totals[e.Red] += e.RedPayoff
		totals[e.Blue] += e.BluePayoff
	}
	return totals
}

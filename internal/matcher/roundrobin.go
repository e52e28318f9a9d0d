// Package matcher assigns participants to RED/BLUE pairs each round.
package matcher

import (
	"errors"
	"math/rand/v2"

	"github.com/lox/stopgo/internal/game"
)

// ErrRosterTooSmall is returned when fewer than two participants are given.
var ErrRosterTooSmall = errors.New("matcher: at least two participants are required")

// RoundRobin pairs a fixed roster with fixed roles. The shuffled roster is
// split in half: the first half plays RED every round, the rest BLUE. Round r
// pairs RED[i] with BLUE[(i+r-1) mod len(BLUE)], so partners rotate and the
// cycle repeats once exhausted. With an odd roster one BLUE sits out each
// round.
type RoundRobin struct {
	reds  []string
	blues []string
	roles map[string]game.Role

	round   int
	matches []game.RoundPair
	partner map[string]string
}

// NewRoundRobin shuffles roster with rng and fixes the roles. A nil rng
// keeps the roster order.
func NewRoundRobin(roster []string, rng *rand.Rand) (*RoundRobin, error) {
	if len(roster) < 2 {
		return nil, ErrRosterTooSmall
	}

	ids := make([]string, len(roster))
	copy(ids, roster)
	if rng != nil {
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}

	half := len(ids) / 2
	m := &RoundRobin{
		reds:  ids[:half],
		blues: ids[half:],
		roles: make(map[string]game.Role, len(ids)),
	}
	for _, id := range m.reds {
		m.roles[id] = game.Red
	}
	for _, id := range m.blues {
		m.roles[id] = game.Blue
	}
	return m, nil
}

// Advance selects the pairs of round (1-based).
func (m *RoundRobin) Advance(round int) {
	n := len(m.blues)
	offset := ((round-1)%n + n) % n

	m.round = round
	m.matches = make([]game.RoundPair, 0, len(m.reds))
	m.partner = make(map[string]string, len(m.reds)*2)
	for i, red := range m.reds {
		blue := m.blues[(i+offset)%n]
		m.matches = append(m.matches, game.RoundPair{Red: red, Blue: blue})
		m.partner[red] = blue
		m.partner[blue] = red
	}
}

// Round returns the round selected by the last Advance.
func (m *RoundRobin) Round() int { return m.round }

// RoleFor returns id's role in the current round.
func (m *RoundRobin) RoleFor(id string) (game.Role, error) {
	if _, ok := m.partner[id]; !ok {
		return "", &game.MatchingError{Participant: id, Round: m.round}
	}
	return m.roles[id], nil
}

// MatchFor returns id's partner in the current round.
func (m *RoundRobin) MatchFor(id string) (string, error) {
	p, ok := m.partner[id]
	if !ok {
		return "", &game.MatchingError{Participant: id, Round: m.round}
	}
	return p, nil
}

// Matches returns the current round's pairs ordered by RED's roster position.
func (m *RoundRobin) Matches() []game.RoundPair {
	out := make([]game.RoundPair, len(m.matches))
	copy(out, m.matches)
	return out
}

// Roster returns every participant, REDs first.
func (m *RoundRobin) Roster() []string {
	out := make([]string, 0, len(m.reds)+len(m.blues))
	out = append(out, m.reds...)
	return append(out, m.blues...)
}

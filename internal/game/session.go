package game

import (
	"errors"
	"fmt"
)

// Session owns the per-session state: running totals, result histories and
// the pair states of the current round.
type Session struct {
	round   int
	totals  map[string]float64
	history map[string][]*Result
	pairs   []*PairState
	byID    map[string]*PairState
}

// NewSession returns an empty session at round 0.
func NewSession() *Session {
	return &Session{
		totals:  make(map[string]float64),
		history: make(map[string][]*Result),
		byID:    make(map[string]*PairState),
	}
}

// BeginRound replaces the current pair states with fresh ones for round. The
// draw function is called once per pair, in order, to select its table.
func (s *Session) BeginRound(round int, pairs []RoundPair, draw func() Table) ([]*PairState, error) {
	byID := make(map[string]*PairState, len(pairs)*2)
	states := make([]*PairState, 0, len(pairs))
	for _, pair := range pairs {
		if pair.Red == "" || pair.Blue == "" || pair.Red == pair.Blue {
			return nil, fmt.Errorf("round %d: invalid pair %s/%s", round, pair.Red, pair.Blue)
		}
		for _, id := range []string{pair.Red, pair.Blue} {
			if _, dup := byID[id]; dup {
				return nil, fmt.Errorf("round %d: participant %s appears in more than one pair", round, id)
			}
		}
		ps := newPairState(pair, draw())
		byID[pair.Red] = ps
		byID[pair.Blue] = ps
		states = append(states, ps)
	}

	s.round = round
	s.pairs = states
	s.byID = byID
	return states, nil
}

// Round returns the current round number.
func (s *Session) Round() int { return s.round }

// Pairs returns the pair states of the current round in matcher order.
func (s *Session) Pairs() []*PairState {
	out := make([]*PairState, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// Pair returns the pair state id belongs to in the current round.
func (s *Session) Pair(id string) (*PairState, error) {
	ps, ok := s.byID[id]
	if !ok {
		return nil, &MatchingError{Participant: id, Round: s.round}
	}
	return ps, nil
}

// Settle computes the pair's payoffs, adds them to both totals, appends the
// shared Result to both histories and marks the pair Settled.
func (s *Session) Settle(ps *PairState, schedule Schedule) (*Result, error) {
	if ps.Phase == Settled {
		return ps.Result, nil
	}
	if ps.Choice == nil {
		return nil, &LookupError{Red: ps.Pair.Red, Reason: "no RED decision recorded", Err: ErrNoChoiceRecord}
	}

	payoffs, err := ComputePayoffs(ps.Choice, ps.Table, schedule)
	if err != nil {
		var lerr *LookupError
		if errors.As(err, &lerr) {
			lerr.Red = ps.Pair.Red
		}
		return nil, err
	}

	result := &Result{
		Payoffs: payoffs,
		Choices: Choices{Red: ps.Choice.Red, Blue: ps.Choice.Blue},
		World:   ps.Table,
	}
	s.totals[ps.Pair.Red] += payoffs.Red
	s.totals[ps.Pair.Blue] += payoffs.Blue
	s.history[ps.Pair.Red] = append(s.history[ps.Pair.Red], result)
	s.history[ps.Pair.Blue] = append(s.history[ps.Pair.Blue], result)

	ps.Result = result
	ps.Phase = Settled
	return result, nil
}

// Total returns id's accumulated payoff, 0 if id has not been paid yet.
func (s *Session) Total(id string) float64 {
	return s.totals[id]
}

// Totals returns a copy of all running totals.
func (s *Session) Totals() map[string]float64 {
	out := make(map[string]float64, len(s.totals))
	for id, v := range s.totals {
		out[id] = v
	}
	return out
}

// History returns id's results in settlement order.
func (s *Session) History(id string) []*Result {
	h := s.history[id]
	out := make([]*Result, len(h))
	copy(out, h)
	return out
}

package game

import (
	"errors"
	"fmt"
)

// ErrNoChoiceRecord is wrapped by LookupError when a pair has no decision
// recorded for RED.
var ErrNoChoiceRecord = errors.New("no choice record")

// ValidationError reports a decision message whose choice field is missing
// or malformed. The sender's stage does not advance.
type ValidationError struct {
	Participant string
	Field       string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s from %s: %s", e.Field, e.Participant, e.Reason)
}

// LookupError reports a payoff computed against an incomplete choice record.
type LookupError struct {
	Red    string
	Reason string
	Err    error
}

func (e *LookupError) Error() string {
	if e.Red == "" {
		return "payoff lookup failed: " + e.Reason
	}
	return fmt.Sprintf("payoff lookup failed for pair %s: %s", e.Red, e.Reason)
}

func (e *LookupError) Unwrap() error { return e.Err }

// PersistenceError reports a failed write of session artefacts. It is logged
// and never aborts a session.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MatchingError reports a participant without a role or partner in the
// current round.
type MatchingError struct {
	Participant string
	Round       int
}

func (e *MatchingError) Error() string {
	return fmt.Sprintf("participant %s is not matched in round %d", e.Participant, e.Round)
}

// OutOfOrderError reports a decision that arrives in the wrong phase of its
// pair, for example BLUE deciding before RED.
type OutOfOrderError struct {
	Participant string
	Role        Role
	Phase       Phase
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%s decision from %s rejected while pair is %s", e.Role, e.Participant, e.Phase)
}

// DuplicateDecisionError reports a second decision from the same participant
// within one stage.
type DuplicateDecisionError struct {
	Participant string
	Step        string
}

func (e *DuplicateDecisionError) Error() string {
	return fmt.Sprintf("participant %s already decided in step %s", e.Participant, e.Step)
}

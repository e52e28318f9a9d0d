package game

// Phase is the decision state of a pair within a round.
type Phase int

const (
	AwaitingRed Phase = iota
	AwaitingBlue
	Settled
)

func (p Phase) String() string {
	switch p {
	case AwaitingRed:
		return "awaiting-red"
	case AwaitingBlue:
		return "awaiting-blue"
	case Settled:
		return "settled"
	default:
		return "unknown"
	}
}

// PairState tracks one RoundPair through AwaitingRed, AwaitingBlue and
// Settled. A pair whose RED stops still passes through AwaitingBlue so that
// BLUE's stage completes normally; BLUE's decision is then ignored.
type PairState struct {
	Pair   RoundPair
	Table  Table
	Phase  Phase
	Choice *ChoiceRecord
	Result *Result

	blueSeen bool
}

func newPairState(pair RoundPair, table Table) *PairState {
	return &PairState{Pair: pair, Table: table, Phase: AwaitingRed}
}

// RecordRed accepts RED's decision and moves the pair to AwaitingBlue.
func (ps *PairState) RecordRed(choice RedChoice) error {
	switch ps.Phase {
	case AwaitingRed:
	case AwaitingBlue:
		return &DuplicateDecisionError{Participant: ps.Pair.Red, Step: "red-choice"}
	default:
		return &OutOfOrderError{Participant: ps.Pair.Red, Role: Red, Phase: ps.Phase}
	}
	if choice != Stop && choice != Go {
		return &ValidationError{Participant: ps.Pair.Red, Field: "redChoice", Reason: "must be STOP or GO"}
	}

	ps.Choice = &ChoiceRecord{Red: choice}
	ps.Phase = AwaitingBlue
	return nil
}

// RecordBlue accepts BLUE's decision. It returns false without error when RED
// stopped, in which case the decision is acknowledged but not recorded.
func (ps *PairState) RecordBlue(choice BlueChoice) (bool, error) {
	switch ps.Phase {
	case AwaitingBlue:
	case AwaitingRed:
		return false, &OutOfOrderError{Participant: ps.Pair.Blue, Role: Blue, Phase: ps.Phase}
	default:
		return false, &DuplicateDecisionError{Participant: ps.Pair.Blue, Step: "blue-choice"}
	}
	if ps.blueSeen {
		return false, &DuplicateDecisionError{Participant: ps.Pair.Blue, Step: "blue-choice"}
	}
	if choice != Left && choice != Right {
		return false, &ValidationError{Participant: ps.Pair.Blue, Field: "blueChoice", Reason: "must be LEFT or RIGHT"}
	}

	ps.blueSeen = true
	if ps.Choice.Red == Stop {
		return false, nil
	}
	ps.Choice.Blue = choice
	return true, nil
}

// Ready reports whether the pair has enough decisions to settle.
func (ps *PairState) Ready() bool {
	if ps.Phase != AwaitingBlue || ps.Choice == nil {
		return false
	}
	return ps.Choice.Red == Stop || ps.Choice.HasBlue()
}

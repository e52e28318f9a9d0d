// Package game implements the rules of the stop-go experiment.
//
// Each round participants are paired into a RED and a BLUE role. RED is
// told which payoff table (A or B) is in force and chooses STOP or GO. When
// RED goes, BLUE, who does not see the table, chooses LEFT or RIGHT. The
// round then settles against a configured Schedule.
//
// # Basic Usage
//
//	s := game.NewSession()
//	pairs, _ := s.BeginRound(1, []game.RoundPair{{Red: "r1", Blue: "b1"}}, func() game.Table {
//	    return game.DrawTable(rng, 0.5)
//	})
//	_ = pairs[0].RecordRed(game.Go)
//	_, _ = pairs[0].RecordBlue(game.Right)
//	result, err := s.Settle(pairs[0], game.DefaultSchedule())
//
// # Architecture
//
// Session owns all per-session state: running totals, result histories and
// the PairState of every pair in the current round. PairState is the
// per-pair decision state machine (AwaitingRed, AwaitingBlue, Settled).
// ComputePayoffs is a pure function over a ChoiceRecord and a Table.
//
// Session is not safe for concurrent use. Callers serialise access, which
// the server does by running one event loop per room.
package game

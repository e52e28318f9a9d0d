package game

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedDraw(t Table) func() Table {
	return func() Table { return t }
}

func TestPairStateRejectsBlueBeforeRed(t *testing.T) {
	t.Parallel()
	s := NewSession()
	pairs, err := s.BeginRound(1, []RoundPair{{Red: "r", Blue: "b"}}, fixedDraw(TableA))
	require.NoError(t, err)

	_, err = pairs[0].RecordBlue(Left)
	var oerr *OutOfOrderError
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, "b", oerr.Participant)
	assert.Nil(t, pairs[0].Choice)
	assert.Equal(t, AwaitingRed, pairs[0].Phase)
}

func TestPairStateRejectsDuplicates(t *testing.T) {
	t.Parallel()
	s := NewSession()
	pairs, err := s.BeginRound(1, []RoundPair{{Red: "r", Blue: "b"}}, fixedDraw(TableA))
	require.NoError(t, err)
	ps := pairs[0]

	require.NoError(t, ps.RecordRed(Go))
	var derr *DuplicateDecisionError
	require.True(t, errors.As(ps.RecordRed(Stop), &derr))
	assert.Equal(t, Go, ps.Choice.Red)

	ok, err := ps.RecordBlue(Right)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = ps.RecordBlue(Left)
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, Right, ps.Choice.Blue)
}

func TestInvalidChoiceLeavesRecordUntouched(t *testing.T) {
	t.Parallel()
	s := NewSession()
	pairs, err := s.BeginRound(1, []RoundPair{{Red: "r", Blue: "b"}}, fixedDraw(TableA))
	require.NoError(t, err)
	ps := pairs[0]

	var verr *ValidationError
	require.True(t, errors.As(ps.RecordRed(""), &verr))
	assert.Equal(t, "r", verr.Participant)
	assert.Nil(t, ps.Choice)
	assert.Equal(t, AwaitingRed, ps.Phase)

	require.NoError(t, ps.RecordRed(Go))
	_, err = ps.RecordBlue("UP")
	require.True(t, errors.As(err, &verr))
	assert.False(t, ps.Choice.HasBlue())

	ok, err := ps.RecordBlue(Left)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStopSettlesIgnoringBlue(t *testing.T) {
	t.Parallel()
	s := NewSession()
	pairs, err := s.BeginRound(1, []RoundPair{{Red: "r", Blue: "b"}}, fixedDraw(TableB))
	require.NoError(t, err)
	ps := pairs[0]

	require.NoError(t, ps.RecordRed(Stop))
	assert.True(t, ps.Ready())

	recorded, err := ps.RecordBlue(Right)
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.False(t, ps.Choice.HasBlue())

	schedule := DefaultSchedule()
	result, err := s.Settle(ps, schedule)
	require.NoError(t, err)
	assert.Equal(t, schedule.Stop, result.Payoffs)
	assert.Equal(t, Choices{Red: Stop}, result.Choices)
	assert.Equal(t, Settled, ps.Phase)
}

func TestSettleGoWithoutBlueFails(t *testing.T) {
	t.Parallel()
	s := NewSession()
	pairs, err := s.BeginRound(1, []RoundPair{{Red: "r", Blue: "b"}}, fixedDraw(TableA))
	require.NoError(t, err)
	require.NoError(t, pairs[0].RecordRed(Go))

	_, err = s.Settle(pairs[0], DefaultSchedule())
	var lerr *LookupError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "r", lerr.Red)
	assert.Zero(t, s.Total("r"))
	assert.Empty(t, s.History("b"))
}

func TestSettleSharesResultAcrossHistories(t *testing.T) {
	t.Parallel()
	s := NewSession()
	pairs, err := s.BeginRound(1, []RoundPair{{Red: "r", Blue: "b"}}, fixedDraw(TableA))
	require.NoError(t, err)
	require.NoError(t, pairs[0].RecordRed(Go))
	_, err = pairs[0].RecordBlue(Right)
	require.NoError(t, err)

	result, err := s.Settle(pairs[0], DefaultSchedule())
	require.NoError(t, err)

	assert.Same(t, result, s.History("r")[0])
	assert.Same(t, result, s.History("b")[0])
	assert.Equal(t, DefaultSchedule().Go[TableA][Right], result.Payoffs)

	again, err := s.Settle(pairs[0], DefaultSchedule())
	require.NoError(t, err)
	assert.Same(t, result, again)
	assert.Len(t, s.History("r"), 1)
}

func TestHistoryGrowsOnePerRound(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 7))
	s := NewSession()
	schedule := DefaultSchedule()

	var want []*Result
	wantTotal := 0.0
	for round := 1; round <= 6; round++ {
		pairs := []RoundPair{{Red: "p", Blue: "q"}}
		if round%2 == 0 {
			pairs = []RoundPair{{Red: "q", Blue: "p"}}
		}
		states, err := s.BeginRound(round, pairs, func() Table { return DrawTable(rng, 0.5) })
		require.NoError(t, err)
		ps := states[0]

		red := Stop
		if rng.IntN(2) == 0 {
			red = Go
		}
		require.NoError(t, ps.RecordRed(red))
		_, err = ps.RecordBlue([]BlueChoice{Left, Right}[rng.IntN(2)])
		require.NoError(t, err)

		result, err := s.Settle(ps, schedule)
		require.NoError(t, err)
		want = append(want, result)
		if ps.Pair.Red == "p" {
			wantTotal += result.Payoffs.Red
		} else {
			wantTotal += result.Payoffs.Blue
		}

		assert.Len(t, s.History("p"), round)
	}

	assert.Equal(t, want, s.History("p"))
	assert.InDelta(t, wantTotal, s.Total("p"), 1e-9)
}

func TestTotalsAreOrderIndependent(t *testing.T) {
	t.Parallel()
	schedule := DefaultSchedule()
	records := []struct {
		red   RedChoice
		blue  BlueChoice
		table Table
	}{
		{Go, Left, TableA},
		{Stop, "", TableB},
		{Go, Right, TableB},
		{Go, Right, TableA},
	}

	run := func(order []int) float64 {
		s := NewSession()
		for round, i := range order {
			rec := records[i]
			states, err := s.BeginRound(round+1, []RoundPair{{Red: "p", Blue: "q"}}, fixedDraw(rec.table))
			require.NoError(t, err)
			require.NoError(t, states[0].RecordRed(rec.red))
			if rec.blue != "" {
				_, err = states[0].RecordBlue(rec.blue)
				require.NoError(t, err)
			}
			_, err = s.Settle(states[0], schedule)
			require.NoError(t, err)
		}
		return s.Total("p")
	}

	forward := run([]int{0, 1, 2, 3})
	assert.InDelta(t, forward, run([]int{3, 2, 1, 0}), 1e-9)
	assert.InDelta(t, forward, run([]int{1, 3, 0, 2}), 1e-9)
	assert.InDelta(t, 5+3+5+0, forward, 1e-9)
}

func TestBeginRoundRejectsOverlappingPairs(t *testing.T) {
	t.Parallel()
	s := NewSession()

	_, err := s.BeginRound(1, []RoundPair{{Red: "a", Blue: "b"}, {Red: "c", Blue: "a"}}, fixedDraw(TableA))
	require.Error(t, err)
	_, err = s.BeginRound(1, []RoundPair{{Red: "a", Blue: "a"}}, fixedDraw(TableA))
	require.Error(t, err)

	_, err = s.Pair("a")
	var merr *MatchingError
	require.True(t, errors.As(err, &merr))
}

func TestDrawTableBias(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	for range 100 {
		assert.Equal(t, TableA, DrawTable(rng, 1))
		assert.Equal(t, TableB, DrawTable(rng, 0))
	}
}

package game

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePayoffsStopIgnoresTableAndBlue(t *testing.T) {
	t.Parallel()
	schedule := DefaultSchedule()

	for _, table := range []Table{TableA, TableB} {
		for _, blue := range []BlueChoice{"", Left, Right} {
			got, err := ComputePayoffs(&ChoiceRecord{Red: Stop, Blue: blue}, table, schedule)
			require.NoError(t, err)
			assert.Equal(t, schedule.Stop, got, "table=%s blue=%q", table, blue)
		}
	}
}

func TestComputePayoffsGoLooksUpSchedule(t *testing.T) {
	t.Parallel()
	schedule := Schedule{
		Stop: Payoffs{Red: 1, Blue: 1},
		Go: map[Table]map[BlueChoice]Payoffs{
			TableA: {Left: {Red: 10, Blue: 11}, Right: {Red: 12, Blue: 13}},
			TableB: {Left: {Red: 14, Blue: 15}, Right: {Red: 16, Blue: 17}},
		},
	}

	for _, table := range []Table{TableA, TableB} {
		for _, blue := range []BlueChoice{Left, Right} {
			got, err := ComputePayoffs(&ChoiceRecord{Red: Go, Blue: blue}, table, schedule)
			require.NoError(t, err)
			assert.Equal(t, schedule.Go[table][blue], got)
		}
	}
}

func TestComputePayoffsGoAWithRight(t *testing.T) {
	t.Parallel()
	schedule := DefaultSchedule()

	got, err := ComputePayoffs(&ChoiceRecord{Red: Go, Blue: Right}, TableA, schedule)
	require.NoError(t, err)
	assert.Equal(t, schedule.Go[TableA][Right].Red, got.Red)
	assert.Equal(t, schedule.Go[TableA][Right].Blue, got.Blue)
}

func TestComputePayoffsLookupErrors(t *testing.T) {
	t.Parallel()
	schedule := DefaultSchedule()

	tests := []struct {
		name     string
		rec      *ChoiceRecord
		schedule Schedule
	}{
		{"nil record", nil, schedule},
		{"go without blue", &ChoiceRecord{Red: Go}, schedule},
		{"missing table", &ChoiceRecord{Red: Go, Blue: Left}, Schedule{Stop: schedule.Stop}},
		{"missing choice", &ChoiceRecord{Red: Go, Blue: Left}, Schedule{Go: map[Table]map[BlueChoice]Payoffs{TableA: {}}}},
		{"unknown red", &ChoiceRecord{Red: "WAIT"}, schedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputePayoffs(tt.rec, TableA, tt.schedule)
			var lerr *LookupError
			require.True(t, errors.As(err, &lerr), "expected LookupError, got %v", err)
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultSchedule().Validate())

	s := DefaultSchedule()
	delete(s.Go[TableB], Right)
	assert.ErrorContains(t, s.Validate(), "GO.B.RIGHT")
}

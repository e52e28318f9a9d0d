package aggregate

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileStartsAtZero(t *testing.T) {
	t.Parallel()
	s := NewStore(filepath.Join(t.TempDir(), "avgDecisions.csv"))
	require.NoError(t, s.Load())
	assert.Equal(t, Counters{}, s.Snapshot())

	_, ok := s.Snapshot().StopRate()
	assert.False(t, ok)
}

func TestPersistAndReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "avgDecisions.csv")

	s := NewStore(path)
	require.NoError(t, s.Load())
	s.RecordStopGo(true)
	s.RecordStopGo(false)
	s.RecordRightLeft(true)
	require.NoError(t, s.Persist("room-1"))

	s.RecordStopGo(true)
	require.NoError(t, s.Persist("room-2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Node,StopGo,Stop,RightLeft,Right\nroom-1,2,1,1,1\nroom-2,3,2,1,1\n", string(data))

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, Counters{StopGo: 3, Stop: 2, RightLeft: 1, Right: 1}, reloaded.Snapshot())

	rate, ok := reloaded.Snapshot().StopRate()
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, rate, 1e-9)
}

func TestReadRowsRejectsMalformed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "avgDecisions.csv")
	require.NoError(t, os.WriteFile(path, []byte("Node,StopGo,Stop,RightLeft,Right\nx,1,two,0,0\n"), 0o644))

	_, err := ReadRows(path)
	assert.ErrorContains(t, err, "Stop")
	assert.Error(t, NewStore(path).Load())
}

func TestConcurrentRecording(t *testing.T) {
	t.Parallel()
	s := NewStore(filepath.Join(t.TempDir(), "avgDecisions.csv"))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordStopGo(i%2 == 0)
			s.RecordRightLeft(i%5 == 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, Counters{StopGo: 50, Stop: 25, RightLeft: 50, Right: 10}, s.Snapshot())
}

func TestCountersSub(t *testing.T) {
	t.Parallel()
	a := Counters{StopGo: 10, Stop: 4, RightLeft: 6, Right: 3}
	b := Counters{StopGo: 4, Stop: 1, RightLeft: 2, Right: 2}
	assert.Equal(t, Counters{StopGo: 6, Stop: 3, RightLeft: 4, Right: 1}, a.Sub(b))
}

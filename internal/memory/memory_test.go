package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertHookAndBonus(t *testing.T) {
	t.Parallel()
	m := New()
	m.OnInsert(func(r *Record) {
		r.Room = "room-1"
		r.Treatment = "standard"
		r.Bot = r.Player == "bot-1"
	})

	m.Insert(&Record{Player: "p1", Stage: Stage{Stage: 2, Step: 1, Round: 1}, RedChoice: "GO"})
	m.Insert(&Record{Player: "bot-1", Stage: Stage{Stage: 2, Step: 1, Round: 1}})
	m.Insert(&Record{Player: "p1", Stage: Stage{Stage: 2, Step: 2, Round: 1}})

	assert.True(t, m.SetBonus("p1", 5))
	assert.False(t, m.SetBonus("nobody", 1))

	recs := m.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "room-1", recs[0].Room)
	assert.True(t, recs[1].Bot)
	assert.Nil(t, recs[0].Bonus)
	require.NotNil(t, recs[2].Bonus)
	assert.Equal(t, 5.0, *recs[2].Bonus)

	last, ok := m.Last("p1")
	require.True(t, ok)
	assert.Same(t, recs[2], last)
}

func TestSaveCSVBool2Num(t *testing.T) {
	t.Parallel()
	m := New()
	bonus := 3.5
	m.Insert(&Record{
		Room: "r", Treatment: "t", Time: 1200, Timeup: true, Timestamp: 1700000000000,
		Player: "p1", Bot: false, Stage: Stage{Stage: 2, Step: 1, Round: 3},
		RedChoice: "STOP", Bonus: &bonus, Partner: "p2",
	})

	path := filepath.Join(t.TempDir(), "db.csv")
	require.NoError(t, m.SaveCSV(path, CSVOptions{Bool2Num: true}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"room,treatment,time,timeup,timestamp,player,bot,stage.stage,stage.step,stage.round,redChoice,blueChoice,bonus,partner\n"+
			"r,t,1200,1,1700000000000,p1,0,2,1,3,STOP,NA,3.5,p2\n",
		string(data))
}

func TestSaveCSVCustomHeaders(t *testing.T) {
	t.Parallel()
	m := New()
	m.Insert(&Record{Player: "p1", Timeup: false})

	path := filepath.Join(t.TempDir(), "db.csv")
	require.NoError(t, m.SaveCSV(path, CSVOptions{Headers: []string{"player", "timeup"}}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "player,timeup\np1,false\n", string(data))

	assert.ErrorContains(t, m.SaveCSV(path, CSVOptions{Headers: []string{"nope"}}), "nope")
}

func TestSaveJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "db.json")

	require.NoError(t, New().SaveJSON(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	m := New()
	m.Insert(&Record{Player: "p1", RedChoice: "GO", Stage: Stage{Stage: 2, Step: 1, Round: 1}})
	require.NoError(t, m.SaveJSON(path))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	var got []Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "GO", got[0].RedChoice)
	assert.Equal(t, 1, got[0].Stage.Round)
}

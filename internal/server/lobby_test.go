package server

import (
	"testing"

	"github.com/lox/stopgo/internal/randutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLobbyFormsGroups(t *testing.T) {
	t.Parallel()

	l := NewLobby("standard", 2, randutil.New(7))
	a := NewParticipant(nil, testLogger())
	b := NewParticipant(nil, testLogger())
	c := NewParticipant(nil, testLogger())

	waiting, group := l.Add(a)
	assert.Equal(t, 1, waiting)
	assert.Nil(t, group)

	waiting, group = l.Add(b)
	assert.Equal(t, 0, waiting)
	require.Len(t, group, 2)
	assert.ElementsMatch(t, []*Participant{a, b}, group)

	waiting, group = l.Add(c)
	assert.Equal(t, 1, waiting)
	assert.Nil(t, group)
	assert.Equal(t, 1, l.Waiting())
}

func TestLobbyRemoveAndDrain(t *testing.T) {
	t.Parallel()

	l := NewLobby("standard", 3, randutil.New(7))
	a := NewParticipant(nil, testLogger())
	b := NewParticipant(nil, testLogger())
	l.Add(a)
	l.Add(b)

	assert.True(t, l.Remove(a))
	assert.False(t, l.Remove(a))
	assert.Equal(t, 1, l.Waiting())

	assert.Equal(t, []*Participant{b}, l.Drain())
	assert.Zero(t, l.Waiting())
}

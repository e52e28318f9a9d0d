package server

import (
	"math/rand/v2"
	"sync"
)

// Lobby collects joined participants of one treatment until a group is
// complete.
type Lobby struct {
	treatment string
	groupSize int

	mu      sync.Mutex
	rng     *rand.Rand
	waiting []*Participant
}

// NewLobby returns an empty lobby forming groups of groupSize.
func NewLobby(treatment string, groupSize int, rng *rand.Rand) *Lobby {
	return &Lobby{treatment: treatment, groupSize: groupSize, rng: rng}
}

// Add queues p. When the queue reaches the group size the group is removed
// from the lobby, shuffled and returned.
func (l *Lobby) Add(p *Participant) (waiting int, group []*Participant) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.waiting = append(l.waiting, p)
	if len(l.waiting) < l.groupSize {
		return len(l.waiting), nil
	}

	group = l.waiting[:l.groupSize:l.groupSize]
	l.waiting = append([]*Participant(nil), l.waiting[l.groupSize:]...)
	l.rng.Shuffle(len(group), func(i, j int) {
		group[i], group[j] = group[j], group[i]
	})
	return len(l.waiting), group
}

// Remove drops p from the queue. It reports whether p was waiting.
func (l *Lobby) Remove(p *Participant) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiting {
		if w == p {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// Waiting returns the number of queued participants.
func (l *Lobby) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting)
}

// Drain empties the queue and returns who was waiting.
func (l *Lobby) Drain() []*Participant {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.waiting
	l.waiting = nil
	return out
}

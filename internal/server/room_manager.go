package server

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// RoomManager tracks live and finished rooms.
type RoomManager struct {
	logger zerolog.Logger
	mu     sync.RWMutex
	rooms  map[string]*Room
}

// NewRoomManager constructs an empty room manager.
func NewRoomManager(logger zerolog.Logger) *RoomManager {
	return &RoomManager{
		logger: logger.With().Str("component", "room_manager").Logger(),
		rooms:  make(map[string]*Room),
	}
}

// Register adds a room. Registering an id twice keeps the first room.
func (rm *RoomManager) Register(r *Room) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.rooms[r.ID()]; ok {
		return false
	}
	rm.rooms[r.ID()] = r
	rm.logger.Debug().Str("room", r.ID()).Int("rooms", len(rm.rooms)).Msg("Room registered")
	return true
}

// Get retrieves a room by id.
func (rm *RoomManager) Get(id string) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	r, ok := rm.rooms[id]
	return r, ok
}

// List returns summaries of every room, oldest first.
func (rm *RoomManager) List() []RoomSummary {
	rm.mu.RLock()
	out := make([]RoomSummary, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		out = append(out, r.Summary())
	}
	rm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Running counts rooms that have not closed.
func (rm *RoomManager) Running() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	n := 0
	for _, r := range rm.rooms {
		select {
		case <-r.Done():
		default:
			n++
		}
	}
	return n
}

// Rooms returns every registered room.
func (rm *RoomManager) Rooms() []*Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]*Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		out = append(out, r)
	}
	return out
}
